package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subscribeOneSink(t *testing.T) (*Manager, string) {
	t.Helper()
	m, _, surface, _ := newTestManager()
	t.Cleanup(m.Cleanup)

	m.OnTrackSubscribed(newMockStream("s1", nil), PublicationMeta{Enabled: true}, ParticipantInfo{Identity: "agent-1"})
	sinkID := surface.lastSinkID()
	require.NotEmpty(t, sinkID)
	return m, sinkID
}

func TestSpeakingDedup(t *testing.T) {
	m, sinkID := subscribeOneSink(t)

	var speaking eventRecorder
	m.On(EventSpeaking, speaking.handler)

	// Repeated playing notifications collapse to one Speaking edge.
	m.HandleSinkPlaying(sinkID)
	m.HandleSinkPlaying(sinkID)
	m.HandleSinkPlaying(sinkID)

	assert.Equal(t, 1, speaking.count())
	assert.Equal(t, StreamID("s1"), speaking.last().StreamID)
}

func TestListeningUnconditional(t *testing.T) {
	m, sinkID := subscribeOneSink(t)

	var listening eventRecorder
	m.On(EventListening, listening.handler)

	// Listening fires on every pause, even when already not speaking.
	m.HandleSinkPaused(sinkID)
	m.HandleSinkPaused(sinkID)
	m.HandleSinkEnded(sinkID)

	assert.Equal(t, 3, listening.count())
}

func TestSpeakingResetsAfterPause(t *testing.T) {
	m, sinkID := subscribeOneSink(t)

	var speaking eventRecorder
	var listening eventRecorder
	m.On(EventSpeaking, speaking.handler)
	m.On(EventListening, listening.handler)

	m.HandleSinkPlaying(sinkID)
	m.HandleSinkPaused(sinkID)
	m.HandleSinkPlaying(sinkID)

	assert.Equal(t, 2, speaking.count(), "pause resets the speaking flag")
	assert.Equal(t, 1, listening.count())
}

func TestEndedResetsLikePause(t *testing.T) {
	m, sinkID := subscribeOneSink(t)

	var speaking eventRecorder
	m.On(EventSpeaking, speaking.handler)

	m.HandleSinkPlaying(sinkID)
	m.HandleSinkEnded(sinkID)
	m.HandleSinkPlaying(sinkID)

	assert.Equal(t, 2, speaking.count())
}

func TestActivityUnknownSink(t *testing.T) {
	m, _, _, _ := newTestManager()
	defer m.Cleanup()

	var speaking eventRecorder
	var listening eventRecorder
	m.On(EventSpeaking, speaking.handler)
	m.On(EventListening, listening.handler)

	// Notifications for sinks the manager never created are ignored.
	m.HandleSinkPlaying("nonexistent")
	m.HandleSinkPaused("nonexistent")
	m.HandleSinkEnded("nonexistent")

	assert.Equal(t, 0, speaking.count())
	assert.Equal(t, 0, listening.count())
}
