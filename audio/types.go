package audio

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// StreamID is the stable per-stream key used across the registry, sink set
// and capture-session map.
//
// Derivation falls back across three candidate keys in a fixed order: the
// stable stream identifier, then the underlying media-track identifier, then
// the literal sentinel "unknown". The sentinel is not globally unique; two
// streams that expose neither identifier collapse onto it. That is a known
// property of the derivation, not an error.
type StreamID string

// UnknownStreamID is the sentinel used when a stream exposes no identifier.
const UnknownStreamID StreamID = "unknown"

// DeriveStreamID computes the StreamID for a stream handle.
func DeriveStreamID(h StreamHandle) StreamID {
	if h == nil {
		return UnknownStreamID
	}
	if id := h.ID(); id != "" {
		return StreamID(id)
	}
	if id := h.TrackID(); id != "" {
		return StreamID(id)
	}
	return UnknownStreamID
}

// TrackSource identifies the capture origin of a stream.
type TrackSource uint8

const (
	// TrackSourceUnknown indicates the origin was not reported.
	TrackSourceUnknown TrackSource = iota
	// TrackSourceMicrophone indicates a microphone capture.
	TrackSourceMicrophone
	// TrackSourceCamera indicates a camera capture.
	TrackSourceCamera
	// TrackSourceScreenShare indicates a screen-share video capture.
	TrackSourceScreenShare
	// TrackSourceScreenShareAudio indicates the audio of a screen share.
	TrackSourceScreenShareAudio
)

// String returns the source name used in logs and capture metadata.
func (s TrackSource) String() string {
	switch s {
	case TrackSourceMicrophone:
		return "microphone"
	case TrackSourceCamera:
		return "camera"
	case TrackSourceScreenShare:
		return "screen_share"
	case TrackSourceScreenShareAudio:
		return "screen_share_audio"
	default:
		return "unknown"
	}
}

// TrackRecord is the registry entry for one subscribed stream.
//
// Records have a single writer (the registry); they are created on
// subscription and deleted on unsubscription. A re-subscription overwrites
// the previous record for the same StreamID.
type TrackRecord struct {
	StreamID      StreamID
	Kind          webrtc.RTPCodecType
	ParticipantID string
	SubscribedAt  time.Time
	Source        TrackSource
	Muted         bool
	Enabled       bool

	// Extra carries collaborator-supplied metadata that the manager stores
	// but does not interpret.
	Extra map[string]string
}

// PublicationMeta describes a publication as reported by the signalling
// collaborator alongside a subscription event.
type PublicationMeta struct {
	Source    TrackSource
	Muted     bool
	Enabled   bool
	Simulcast bool

	// Dimensions applies to video publications and is retained verbatim.
	Width, Height uint32
}

// ParticipantInfo identifies the remote (or local) participant that owns a
// publication.
type ParticipantInfo struct {
	// Identity is the signalling-level identity string.
	Identity string

	// Role is the participant role as supplied by signalling ("agent",
	// "user"). When empty, the role is inferred from Identity by substring
	// heuristic.
	Role string
}

// ParticipantRole classifies a participant for capture filtering.
type ParticipantRole string

const (
	// RoleAgent marks the automated agent participant.
	RoleAgent ParticipantRole = "agent"
	// RoleUser marks a human participant.
	RoleUser ParticipantRole = "user"
)

// CaptureFormat selects the payload delivered by the capture pipeline.
type CaptureFormat string

const (
	// FormatEncoded delivers platform-encoded chunks (Opus preferred).
	FormatEncoded CaptureFormat = "encoded"
	// FormatPCMFloat delivers raw 32-bit float samples in [-1, 1].
	FormatPCMFloat CaptureFormat = "pcm-float"
	// FormatPCMInt16 delivers signed 16-bit samples, clamped before scaling.
	FormatPCMInt16 CaptureFormat = "pcm-int16"
)

// CaptureSource selects whose streams the capture pipeline taps.
type CaptureSource string

const (
	// CaptureSourceAgent taps only agent streams.
	CaptureSourceAgent CaptureSource = "agent"
	// CaptureSourceUser taps only user streams.
	CaptureSourceUser CaptureSource = "user"
	// CaptureSourceBoth taps every matching stream regardless of role.
	CaptureSourceBoth CaptureSource = "both"
)

// Capture timing and sizing defaults.
const (
	// DefaultChunkInterval is the encoded-path chunk emission interval.
	DefaultChunkInterval = 100 * time.Millisecond
	// DefaultBufferFrames is the PCM accumulator size in samples.
	DefaultBufferFrames = 2048
	// DefaultSampleRate is the processing-context rate pinned for voice.
	DefaultSampleRate = 48000
)

// CaptureOptions configures EnableAudioCapture.
type CaptureOptions struct {
	// OnData receives every captured buffer. It is required; enabling capture
	// without a delivery callback is a programmer error.
	OnData func(CaptureData)

	// Source filters by participant role. Empty means CaptureSourceBoth.
	Source CaptureSource

	// TrackFilter limits capture to specific track sources. Empty means all.
	TrackFilter []TrackSource

	// Format selects the delivered payload. Empty means FormatEncoded.
	Format CaptureFormat

	// ChunkInterval is the encoded-path emission interval. Zero means
	// DefaultChunkInterval.
	ChunkInterval time.Duration

	// BufferFrames is the PCM accumulator size. Zero means
	// DefaultBufferFrames; other values are coerced to a power of two.
	BufferFrames int

	// PreferredMimeTypes is the ordered encoded-format preference list.
	// Empty defers to the encoder default (Opus).
	PreferredMimeTypes []string
}

// CaptureData is one delivered capture buffer. Ownership of Payload passes to
// the callback; the pipeline never reuses it.
type CaptureData struct {
	Participant string
	Role        ParticipantRole
	Timestamp   time.Time
	StreamID    StreamID
	Source      TrackSource
	Format      CaptureFormat

	// Payload holds encoded bytes for FormatEncoded and little-endian PCM
	// otherwise.
	Payload []byte

	// Samples holds the float samples for FormatPCMFloat deliveries, sharing
	// no storage with the pipeline.
	Samples []float32
}

// TrackDetail is one ordered (StreamID, TrackRecord) pair in TrackStats.
type TrackDetail struct {
	StreamID StreamID
	Record   TrackRecord
}

// TrackStats is the point-in-time view returned by GetTrackStats.
type TrackStats struct {
	TotalTracks  int
	ActiveTracks int
	AudioSinks   int

	// TrackDetails preserves subscription order.
	TrackDetails []TrackDetail
}
