package audio

import (
	"github.com/sirupsen/logrus"
)

// Activity detection derives Speaking/Listening transitions from a sink's
// native playback-state notifications. The per-sink speaking flag lives on
// the sinkEntry and is dispatched here by the owning manager.
//
// Transition table:
//
//	speaking | notification | next  | emission
//	false    | playing      | true  | Speaking
//	true     | playing      | true  | none (dedup)
//	any      | paused       | false | Listening
//	any      | ended        | false | Listening
//
// Listening is emitted unconditionally on pause/ended, even when the sink was
// already not speaking. That permissiveness is intentional and covered by
// tests; collaborators may rely on a Listening edge for every pause.

// HandleSinkPlaying processes a playback-started notification for the sink.
func (m *Manager) HandleSinkPlaying(sinkID string) {
	m.mu.Lock()
	entry, ok := m.sinkIndex[sinkID]
	var alreadySpeaking bool
	var streamID StreamID
	if ok {
		alreadySpeaking = entry.speaking
		entry.speaking = true
		streamID = entry.streamID
	}
	m.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "HandleSinkPlaying",
			"sink_id":  sinkID,
		}).Debug("Playback notification for unknown sink")
		return
	}
	if alreadySpeaking {
		return
	}
	m.emit(EventSpeaking, EventPayload{StreamID: streamID})
}

// HandleSinkPaused processes a playback-paused notification for the sink.
func (m *Manager) HandleSinkPaused(sinkID string) {
	m.sinkStopped(sinkID, "HandleSinkPaused")
}

// HandleSinkEnded processes a playback-ended notification for the sink.
func (m *Manager) HandleSinkEnded(sinkID string) {
	m.sinkStopped(sinkID, "HandleSinkEnded")
}

func (m *Manager) sinkStopped(sinkID, op string) {
	m.mu.Lock()
	entry, ok := m.sinkIndex[sinkID]
	var streamID StreamID
	if ok {
		entry.speaking = false
		streamID = entry.streamID
	}
	m.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": op,
			"sink_id":  sinkID,
		}).Debug("Playback notification for unknown sink")
		return
	}
	// Unconditional: Listening fires even when already not speaking.
	m.emit(EventListening, EventPayload{StreamID: streamID})
}
