package audio

import (
	"context"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
)

// mockStreamHandle is an in-memory stream for tests. ReadPCM drains the
// sample buffer and then reports io.EOF, which ends processing loops the
// same way a stopped platform stream would.
type mockStreamHandle struct {
	id      string
	trackID string
	codec   webrtc.RTPCodecCapability

	mu      sync.Mutex
	samples []float32
	frames  [][]byte
	stopped bool

	cloneCount int
}

func newMockStream(id string, samples []float32) *mockStreamHandle {
	return &mockStreamHandle{id: id, samples: samples}
}

func (h *mockStreamHandle) ID() string                       { return h.id }
func (h *mockStreamHandle) TrackID() string                  { return h.trackID }
func (h *mockStreamHandle) Kind() webrtc.RTPCodecType        { return webrtc.RTPCodecTypeAudio }
func (h *mockStreamHandle) Codec() webrtc.RTPCodecCapability { return h.codec }

func (h *mockStreamHandle) Clone() (StreamHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cloneCount++
	clone := &mockStreamHandle{
		id:      h.id,
		trackID: h.trackID,
		codec:   h.codec,
		samples: append([]float32(nil), h.samples...),
	}
	for _, f := range h.frames {
		clone.frames = append(clone.frames, append([]byte(nil), f...))
	}
	return clone, nil
}

func (h *mockStreamHandle) ReadPCM(buf []float32) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || len(h.samples) == 0 {
		return 0, io.EOF
	}
	n := copy(buf, h.samples)
	h.samples = h.samples[n:]
	return n, nil
}

func (h *mockStreamHandle) ReadEncoded() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || len(h.frames) == 0 {
		return nil, io.EOF
	}
	f := h.frames[0]
	h.frames = h.frames[1:]
	return f, nil
}

func (h *mockStreamHandle) Stop() error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	return nil
}

func (h *mockStreamHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *mockStreamHandle) clones() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cloneCount
}

// mockSink records volume and play/pause calls.
type mockSink struct {
	mu      sync.Mutex
	volume  float64
	playing bool
	closed  bool
	playErr error
}

func (s *mockSink) SetVolume(level float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = level
	return nil
}

func (s *mockSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playErr != nil {
		return s.playErr
	}
	s.playing = true
	return nil
}

func (s *mockSink) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
	return nil
}

func (s *mockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockSink) getVolume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// mockSinkFactory creates mockSinks, optionally denying creation.
type mockSinkFactory struct {
	mu    sync.Mutex
	deny  bool
	sinks []*mockSink
}

func (f *mockSinkFactory) NewSink(h StreamHandle) (PlaybackSink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deny {
		return nil, nil
	}
	s := &mockSink{}
	f.sinks = append(f.sinks, s)
	return s, nil
}

func (f *mockSinkFactory) created() []*mockSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mockSink(nil), f.sinks...)
}

// mockSurface records attach/remove calls by sink id.
type mockSurface struct {
	mu       sync.Mutex
	attached map[string]PlaybackSink
	sinkIDs  []string
}

func newMockSurface() *mockSurface {
	return &mockSurface{attached: make(map[string]PlaybackSink)}
}

func (s *mockSurface) Attach(sinkID string, sink PlaybackSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached[sinkID] = sink
	s.sinkIDs = append(s.sinkIDs, sinkID)
	return nil
}

func (s *mockSurface) Remove(sinkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, sinkID)
	return nil
}

func (s *mockSurface) lastSinkID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sinkIDs) == 0 {
		return ""
	}
	return s.sinkIDs[len(s.sinkIDs)-1]
}

func (s *mockSurface) attachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

// mockResolver resolves stream ids from a fixed map.
type mockResolver struct {
	mu      sync.Mutex
	streams map[StreamID]StreamHandle
}

func newMockResolver() *mockResolver {
	return &mockResolver{streams: make(map[StreamID]StreamHandle)}
}

func (r *mockResolver) add(h StreamHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[DeriveStreamID(h)] = h
}

func (r *mockResolver) Resolve(id StreamID) (StreamHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.streams[id]
	return h, ok
}

// mockMic is a MicrophoneController with settable state.
type mockMic struct {
	mu    sync.Mutex
	muted bool
	err   error
}

func (m *mockMic) SetMuted(_ context.Context, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.muted = muted
	return nil
}

func (m *mockMic) Muted() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted, m.err
}
