package audio

import (
	"github.com/sirupsen/logrus"
)

// Event identifies a manager notification.
type Event string

const (
	// EventTrackSubscribed fires after a subscription is fully wired.
	EventTrackSubscribed Event = "track_subscribed"
	// EventTrackUnsubscribed fires after a stream's sinks and record are gone.
	EventTrackUnsubscribed Event = "track_unsubscribed"
	// EventVolumeChanged fires after SetVolume applies a new level.
	EventVolumeChanged Event = "volume_changed"
	// EventSpeaking fires on a not-speaking to speaking transition.
	EventSpeaking Event = "speaking"
	// EventListening fires on every pause or ended notification.
	EventListening Event = "listening"
	// EventMicMuted fires after the microphone is muted.
	EventMicMuted Event = "mic_muted"
	// EventMicUnmuted fires after the microphone is unmuted.
	EventMicUnmuted Event = "mic_unmuted"
	// EventError carries transient async failures. Dropped when no listener
	// is registered.
	EventError Event = "error"
)

// EventPayload carries the data attached to an emitted event. Fields not
// relevant to a given event are zero.
type EventPayload struct {
	StreamID    StreamID
	Participant string
	Record      *TrackRecord
	Volume      float64
	Muted       bool
	Message     string
}

// EventHandler receives emitted events.
type EventHandler func(EventPayload)

// On registers a handler for the given event. Handlers run synchronously on
// the emitting goroutine, in registration order.
func (m *Manager) On(event Event, handler EventHandler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

// emit dispatches an event to registered handlers. The handler slice is
// copied under the lock and invoked outside it so handlers may call back into
// the manager.
func (m *Manager) emit(event Event, payload EventPayload) {
	m.mu.Lock()
	hs := make([]EventHandler, len(m.handlers[event]))
	copy(hs, m.handlers[event])
	m.mu.Unlock()

	if event == EventError && len(hs) == 0 {
		// Transient failures are dropped when nobody listens.
		logrus.WithFields(logrus.Fields{
			"function": "emit",
			"event":    event,
			"message":  payload.Message,
		}).Debug("Error event dropped, no listener registered")
		return
	}

	for _, h := range hs {
		h(payload)
	}
}

// emitError surfaces a transient async failure as an Error event.
func (m *Manager) emitError(message string) {
	m.emit(EventError, EventPayload{Message: message})
}
