package audio

import (
	"context"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Options wires the manager to its platform collaborators.
//
// Sinks, Surface and Resolver are required for playback and capture to do
// anything useful; a manager built without them still tracks subscriptions
// and degrades every capability call to a no-op or zero value.
type Options struct {
	// Sinks creates playback endpoints for subscribed streams.
	Sinks SinkFactory

	// Surface is where live sinks are mounted.
	Surface RenderSurface

	// Resolver looks up live stream handles for the capture pipeline.
	Resolver StreamResolver

	// Microphone optionally controls the local microphone.
	Microphone MicrophoneController

	// DisableWorker forces the in-thread capture strategy. Used where the
	// platform cannot host a dedicated real-time processor.
	DisableWorker bool
}

// sinkEntry is one live playback sink and its activity state.
//
// speaking is an explicit field dispatched by the manager on playback-state
// notifications; the transition table lives in activity.go.
type sinkEntry struct {
	id       string
	streamID StreamID
	sink     PlaybackSink
	handle   StreamHandle
	speaking bool
}

// Manager orchestrates playback sinks, volume, activity detection, level
// metering and the capture pipeline for one voice session.
//
// State mutation (registry, sink set, capture-session map) runs under one
// mutex, non-reentrant. Asynchronous completions re-enter through exported
// methods; the capture worker communicates only over its one-way buffer
// channel and never touches manager state.
type Manager struct {
	mu sync.Mutex

	opts     Options
	registry *trackRegistry
	locals   *trackRegistry

	liveSinks []*sinkEntry
	sinkIndex map[string]*sinkEntry

	handlers map[Event][]EventHandler

	outputVolume float64
	inputVolume  float64

	// Shared audio-processing context and analyser taps, lazily built.
	actx      *audioContext
	actxInit  bool
	inputTap  *analyserTap
	outputTap *analyserTap

	// contextFactory builds the shared context; replaceable in tests to
	// model platforms without processing support.
	contextFactory func(sampleRate int) (*audioContext, error)

	capture *capturePipeline
}

// NewManager creates a manager wired to the given collaborators.
func NewManager(opts Options) *Manager {
	m := &Manager{
		opts:           opts,
		registry:       newTrackRegistry(),
		locals:         newTrackRegistry(),
		sinkIndex:      make(map[string]*sinkEntry),
		handlers:       make(map[Event][]EventHandler),
		outputVolume:   1.0,
		inputVolume:    1.0,
		contextFactory: newAudioContext,
	}
	m.capture = newCapturePipeline(m)

	logrus.WithFields(logrus.Fields{
		"function":       "NewManager",
		"has_sinks":      opts.Sinks != nil,
		"has_surface":    opts.Surface != nil,
		"has_resolver":   opts.Resolver != nil,
		"has_microphone": opts.Microphone != nil,
		"worker_enabled": !opts.DisableWorker,
	}).Info("Audio manager created")

	return m
}

// OnTrackSubscribed handles an inbound subscription event from the transport
// collaborator. It records the track, creates and mounts a playback sink, and
// arms capture for the stream when the active filter matches.
//
// A nil sink from the factory means the platform denied playback (for
// example, pending a user gesture); the sink part of the call is then a
// silent no-op with no event and no error.
func (m *Manager) OnTrackSubscribed(h StreamHandle, meta PublicationMeta, participant ParticipantInfo) {
	record := m.registry.recordSubscription(h, meta, participant)

	logrus.WithFields(logrus.Fields{
		"function":    "OnTrackSubscribed",
		"stream_id":   record.StreamID,
		"participant": participant.Identity,
		"source":      record.Source.String(),
	}).Info("Track subscribed")

	entry := m.createSink(record.StreamID, h)

	m.emit(EventTrackSubscribed, EventPayload{
		StreamID:    record.StreamID,
		Participant: participant.Identity,
		Record:      record,
	})

	// Mount after the event: listeners observe the registered sink before it
	// reaches the render surface.
	if entry != nil {
		m.mountSink(entry)
	}

	// Capture after the event so listeners observe subscription order.
	m.capture.maybeCaptureStream(record.StreamID, *record, participant)
}

// createSink builds a sink for the stream, applies the current volume and
// registers it in the live-sink set. Returns nil when the factory is absent
// or denies creation.
func (m *Manager) createSink(id StreamID, h StreamHandle) *sinkEntry {
	if m.opts.Sinks == nil {
		return nil
	}

	sink, err := m.opts.Sinks.NewSink(h)
	if err != nil {
		m.emitError("sink creation failed: " + err.Error())
		return nil
	}
	if sink == nil {
		// Denied by the platform. Deliberately permissive: no event, no
		// error, playback will start once the environment allows it.
		logrus.WithFields(logrus.Fields{
			"function":  "createSink",
			"stream_id": id,
		}).Debug("Sink creation denied, skipping playback wiring")
		return nil
	}

	m.mu.Lock()
	volume := m.outputVolume
	entry := &sinkEntry{
		id:       uuid.NewString(),
		streamID: id,
		sink:     sink,
		handle:   h,
	}
	m.liveSinks = append(m.liveSinks, entry)
	m.sinkIndex[entry.id] = entry
	m.mu.Unlock()

	if err := sink.SetVolume(volume); err != nil {
		m.emitError("sink volume apply failed: " + err.Error())
	}
	// Autoplay. Rejection here is the usual policy case and stays silent.
	if err := sink.Play(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "createSink",
			"stream_id": id,
			"error":     err.Error(),
		}).Debug("Autoplay rejected")
	}
	return entry
}

// mountSink attaches the sink to the render surface.
func (m *Manager) mountSink(entry *sinkEntry) {
	if m.opts.Surface == nil {
		return
	}
	if err := m.opts.Surface.Attach(entry.id, entry.sink); err != nil {
		m.emitError("render surface attach failed: " + err.Error())
	}
}

// OnTrackUnsubscribed handles an inbound unsubscription event. Every sink
// bound to the stream is detached, removed from the render surface and
// closed, and any capture session for the stream is torn down so a
// re-subscription is tapped fresh; surface-removal failures are swallowed
// since the stream may already be gone.
func (m *Manager) OnTrackUnsubscribed(h StreamHandle) {
	id := DeriveStreamID(h)
	record := m.registry.get(id)

	m.capture.dropStream(id)
	m.detachSinksFor(id)
	m.registry.removeSubscription(id)

	logrus.WithFields(logrus.Fields{
		"function":  "OnTrackUnsubscribed",
		"stream_id": id,
	}).Info("Track unsubscribed")

	payload := EventPayload{StreamID: id, Record: record}
	if record != nil {
		payload.Participant = record.ParticipantID
	}
	m.emit(EventTrackUnsubscribed, payload)
}

// detachSinksFor removes and closes every sink bound to the stream id.
func (m *Manager) detachSinksFor(id StreamID) {
	m.mu.Lock()
	var detached []*sinkEntry
	kept := m.liveSinks[:0]
	for _, e := range m.liveSinks {
		if e.streamID == id {
			detached = append(detached, e)
			delete(m.sinkIndex, e.id)
			continue
		}
		kept = append(kept, e)
	}
	m.liveSinks = kept
	m.mu.Unlock()

	for _, e := range detached {
		if m.opts.Surface != nil {
			if err := m.opts.Surface.Remove(e.id); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "detachSinksFor",
					"sink_id":  e.id,
					"error":    err.Error(),
				}).Debug("Render surface removal failed, stream likely gone")
			}
		}
		if err := e.sink.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "detachSinksFor",
				"sink_id":  e.id,
				"error":    err.Error(),
			}).Debug("Sink close failed")
		}
	}
}

// OnLocalTrackPublished records an outbound publication so the input-side
// analyser and the capture pipeline's user source can find it.
func (m *Manager) OnLocalTrackPublished(h StreamHandle, meta PublicationMeta, participant ParticipantInfo) {
	record := m.locals.recordSubscription(h, meta, participant)

	logrus.WithFields(logrus.Fields{
		"function":  "OnLocalTrackPublished",
		"stream_id": record.StreamID,
		"source":    record.Source.String(),
	}).Info("Local track published")

	m.capture.maybeCaptureStream(record.StreamID, *record, participant)
}

// OnLocalTrackUnpublished drops the outbound publication record and any
// capture session tapping it.
func (m *Manager) OnLocalTrackUnpublished(h StreamHandle) {
	id := DeriveStreamID(h)
	m.capture.dropStream(id)
	m.locals.removeSubscription(id)
}

// SetVolume normalizes and applies the playback volume to every live sink.
//
// The level is clamped to [0, 1]; non-finite input collapses to 0. The call
// never fails: internal sink failures convert to an Error event.
func (m *Manager) SetVolume(level float64) {
	if math.IsNaN(level) || math.IsInf(level, 0) {
		level = 0
	}
	level = math.Max(0, math.Min(1, level))

	m.mu.Lock()
	m.outputVolume = level
	sinks := make([]*sinkEntry, len(m.liveSinks))
	copy(sinks, m.liveSinks)
	m.mu.Unlock()

	for _, e := range sinks {
		if err := e.sink.SetVolume(level); err != nil {
			m.emitError("sink volume apply failed: " + err.Error())
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "SetVolume",
		"level":    level,
		"sinks":    len(sinks),
	}).Debug("Playback volume applied")

	m.emit(EventVolumeChanged, EventPayload{Volume: level})
}

// GetOutputVolume returns the current normalized playback volume.
func (m *Manager) GetOutputVolume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputVolume
}

// GetInputVolume returns the microphone input volume.
func (m *Manager) GetInputVolume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputVolume
}

// PauseAllPlayback pauses every live sink.
func (m *Manager) PauseAllPlayback() {
	for _, e := range m.copySinks() {
		if err := e.sink.Pause(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "PauseAllPlayback",
				"sink_id":  e.id,
				"error":    err.Error(),
			}).Debug("Sink pause failed")
		}
	}
}

// ResumeAllPlayback resumes every live sink. Autoplay-policy rejections are
// expected and benign; they are never surfaced.
func (m *Manager) ResumeAllPlayback() {
	for _, e := range m.copySinks() {
		if err := e.sink.Play(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ResumeAllPlayback",
				"sink_id":  e.id,
				"error":    err.Error(),
			}).Debug("Sink resume rejected")
		}
	}
}

func (m *Manager) copySinks() []*sinkEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	sinks := make([]*sinkEntry, len(m.liveSinks))
	copy(sinks, m.liveSinks)
	return sinks
}

// SetMicMuted enables or disables the local microphone. The platform call
// runs on its own goroutine so the caller never blocks; completion emits
// MicMuted/MicUnmuted, and rejection surfaces as an Error event.
func (m *Manager) SetMicMuted(muted bool) {
	mic := m.opts.Microphone
	if mic == nil {
		logrus.WithFields(logrus.Fields{
			"function": "SetMicMuted",
		}).Debug("No microphone controller configured")
		return
	}

	go func() {
		if err := mic.SetMuted(context.Background(), muted); err != nil {
			m.emitError("microphone mute change failed: " + err.Error())
			return
		}
		event := EventMicUnmuted
		if muted {
			event = EventMicMuted
		}
		m.emit(event, EventPayload{Muted: muted})
	}()
}

// IsMicMuted reports the microphone mute state, best-effort. Without a
// controller, or when the query fails, it defaults to false.
func (m *Manager) IsMicMuted() bool {
	mic := m.opts.Microphone
	if mic == nil {
		return false
	}
	muted, err := mic.Muted()
	if err != nil {
		return false
	}
	return muted
}

// GetTrackStats returns a point-in-time view of the registry and sink set.
// TrackDetails preserves subscription order.
func (m *Manager) GetTrackStats() TrackStats {
	details := m.registry.snapshot()

	active := 0
	for _, d := range details {
		if d.Record.Enabled {
			active++
		}
	}

	m.mu.Lock()
	sinks := len(m.liveSinks)
	m.mu.Unlock()

	return TrackStats{
		TotalTracks:  len(details),
		ActiveTracks: active,
		AudioSinks:   sinks,
		TrackDetails: details,
	}
}

// resolveStream looks a handle up via the configured resolver, falling back
// across inbound and outbound registries by construction of the resolver.
func (m *Manager) resolveStream(id StreamID) (StreamHandle, bool) {
	if m.opts.Resolver == nil {
		return nil, false
	}
	return m.opts.Resolver.Resolve(id)
}

// Cleanup releases every resource the manager owns: capture sessions first,
// then live sinks, then the registry and analyser context. Idempotent and
// safe when the render surface was already cleared externally; one failing
// resource never blocks releasing the rest.
func (m *Manager) Cleanup() {
	logrus.WithFields(logrus.Fields{
		"function": "Cleanup",
	}).Info("Audio manager cleanup started")

	m.capture.teardown()

	m.mu.Lock()
	sinks := m.liveSinks
	m.liveSinks = nil
	m.sinkIndex = make(map[string]*sinkEntry)
	m.mu.Unlock()

	for _, e := range sinks {
		if m.opts.Surface != nil {
			if err := m.opts.Surface.Remove(e.id); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Cleanup",
					"sink_id":  e.id,
					"error":    err.Error(),
				}).Debug("Render surface removal failed during cleanup")
			}
		}
		if err := e.sink.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Cleanup",
				"sink_id":  e.id,
				"error":    err.Error(),
			}).Debug("Sink close failed during cleanup")
		}
	}

	m.registry.clear()
	m.locals.clear()
	m.closeAnalyser()

	logrus.WithFields(logrus.Fields{
		"function":     "Cleanup",
		"sinks_closed": len(sinks),
	}).Info("Audio manager cleanup completed")
}
