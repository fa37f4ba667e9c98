package audio

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// StreamHandle is a live audio stream as exposed by the transport
// collaborator. It is the minimal surface the manager needs; any transport
// implementation can satisfy it without coupling to a specific stack.
type StreamHandle interface {
	// ID returns the stable stream identifier, or "" when unavailable.
	ID() string

	// TrackID returns the underlying media-track identifier, or "".
	TrackID() string

	// Kind reports whether the stream carries audio or video.
	Kind() webrtc.RTPCodecType

	// Codec describes the stream's negotiated codec.
	Codec() webrtc.RTPCodecCapability

	// Clone produces an independent handle over the same samples. Tapping
	// the playback handle directly causes contention at the platform level;
	// capture always reads from a clone it owns.
	Clone() (StreamHandle, error)

	// ReadPCM fills buf with float samples in [-1, 1] and returns the count.
	// It blocks until samples are available or the handle is stopped.
	ReadPCM(buf []float32) (int, error)

	// Stop releases the handle. Safe to call more than once.
	Stop() error
}

// EncodedReader is implemented by stream handles that can surface the
// stream's native encoded frames. The PCM capture path falls back to decoding
// these when a handle cannot deliver raw samples.
type EncodedReader interface {
	// ReadEncoded returns the next encoded frame, blocking until one is
	// available or the handle is stopped.
	ReadEncoded() ([]byte, error)
}

// PlaybackSink is a platform playback endpoint bound to one stream.
// Sinks are owned exclusively by the manager and destroyed on unsubscribe or
// global cleanup.
type PlaybackSink interface {
	// SetVolume applies a level in [0, 1].
	SetVolume(level float64) error

	// Play starts or resumes playback. Autoplay-policy rejections are
	// expected in some environments and are swallowed by the manager.
	Play() error

	// Pause suspends playback.
	Pause() error

	// Close releases the endpoint. Safe to call more than once.
	Close() error
}

// SinkFactory creates playback sinks for subscribed streams.
//
// Returning (nil, nil) means the platform denied sink creation, for example
// because playback is deferred until a user gesture. The manager treats that
// as a silent no-op rather than an error.
type SinkFactory interface {
	NewSink(h StreamHandle) (PlaybackSink, error)
}

// RenderSurface is where live sinks are mounted for audible output.
type RenderSurface interface {
	// Attach mounts a sink under the given id.
	Attach(sinkID string, sink PlaybackSink) error

	// Remove unmounts a sink. Removal of an already-gone sink may error;
	// the manager swallows that.
	Remove(sinkID string) error
}

// StreamResolver looks up a live stream handle by id across both inbound and
// outbound publications.
type StreamResolver interface {
	Resolve(id StreamID) (StreamHandle, bool)
}

// MicrophoneController is the optional capability to control the local
// microphone. A nil controller leaves SetMicMuted inert and IsMicMuted false.
type MicrophoneController interface {
	// SetMuted enables or disables the microphone.
	SetMuted(ctx context.Context, muted bool) error

	// Muted reports the current mute state, best-effort.
	Muted() (bool, error)
}
