package audio

import (
	"strings"
	"sync"
	"time"

	pionopus "github.com/pion/opus"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	opus "gopkg.in/hraban/opus.v2"
)

// captureSession owns everything tapped for one stream: the cloned handle,
// the encoder or processing graph, and the zero-gain terminal. At most one
// session exists per stream id. Every graph node is retained here for the
// session's lifetime; an unreferenced graph would be eligible for silent
// reclamation, which stops delivery without error.
type captureSession struct {
	streamID    StreamID
	participant string
	role        ParticipantRole
	source      TrackSource
	format      CaptureFormat

	clone     StreamHandle
	pcmSource StreamHandle
	encoder   *encodedTap
	processor blockProcessor
	terminal  *zeroGainTerminal
}

// capturePipeline arms and tears down per-stream tap sessions.
//
// State machine per armed capture: Idle -> Armed -> Active (per stream) ->
// Torn-down. Sessions are torn down independently of sink and registry
// state, on explicit disable or full cleanup.
type capturePipeline struct {
	m *Manager

	mu       sync.Mutex
	armed    bool
	opts     CaptureOptions
	sessions map[StreamID]*captureSession

	workers     workerRegistry
	ownsContext bool
}

func newCapturePipeline(m *Manager) *capturePipeline {
	return &capturePipeline{
		m:        m,
		sessions: make(map[StreamID]*captureSession),
	}
}

// EnableAudioCapture arms the capture pipeline and immediately sets up a tap
// for every already-subscribed stream matching the filter.
//
// A missing OnData callback is a programmer-contract violation and panics
// synchronously with a *ContractError; every other failure degrades or is
// emitted as an Error event.
func (m *Manager) EnableAudioCapture(opts CaptureOptions) {
	if opts.OnData == nil {
		contractViolation("EnableAudioCapture", "delivery callback is required")
	}
	m.capture.enable(opts)
}

// DisableAudioCapture tears down every capture session and disarms the
// pipeline. Safe to call when capture was never enabled.
func (m *Manager) DisableAudioCapture() {
	m.capture.teardown()
}

func (p *capturePipeline) enable(opts CaptureOptions) {
	if opts.Source == "" {
		opts.Source = CaptureSourceBoth
	}
	if opts.Format == "" {
		opts.Format = FormatEncoded
	}
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = DefaultChunkInterval
	}
	opts.BufferFrames = coerceBufferFrames(opts.BufferFrames)

	p.mu.Lock()
	p.armed = true
	p.opts = opts
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":       "enable",
		"source":         opts.Source,
		"format":         opts.Format,
		"chunk_interval": opts.ChunkInterval,
		"buffer_frames":  opts.BufferFrames,
	}).Info("Audio capture armed")

	// Point-in-time snapshots; streams added later are armed by the
	// subscription path.
	for _, d := range p.m.registry.snapshot() {
		p.maybeCaptureStream(d.StreamID, d.Record, ParticipantInfo{Identity: d.Record.ParticipantID})
	}
	for _, d := range p.m.locals.snapshot() {
		p.maybeCaptureStream(d.StreamID, d.Record, ParticipantInfo{Identity: d.Record.ParticipantID})
	}
}

// coerceBufferFrames normalizes the accumulator size to a power of two in
// [256, 16384].
func coerceBufferFrames(frames int) int {
	if frames <= 0 {
		return DefaultBufferFrames
	}
	n := 256
	for n < frames && n < 16384 {
		n *= 2
	}
	return n
}

// inferRole classifies a participant. An explicit signalling-supplied role
// wins; otherwise the identity string is matched by substring heuristic.
func inferRole(participant ParticipantInfo) ParticipantRole {
	switch strings.ToLower(participant.Role) {
	case string(RoleAgent):
		return RoleAgent
	case string(RoleUser):
		return RoleUser
	}
	if strings.Contains(strings.ToLower(participant.Identity), "agent") {
		return RoleAgent
	}
	return RoleUser
}

// matchesFilter reports whether the stream passes the active source and
// track filters.
func (p *capturePipeline) matchesFilter(record TrackRecord, role ParticipantRole) bool {
	switch p.opts.Source {
	case CaptureSourceAgent:
		if role != RoleAgent {
			return false
		}
	case CaptureSourceUser:
		if role != RoleUser {
			return false
		}
	}
	if len(p.opts.TrackFilter) == 0 {
		return true
	}
	for _, s := range p.opts.TrackFilter {
		if record.Source == s {
			return true
		}
	}
	return false
}

// maybeCaptureStream sets up a tap for the stream if capture is armed and
// the filter matches. Called from both subscription paths and from enable.
func (p *capturePipeline) maybeCaptureStream(id StreamID, record TrackRecord, participant ParticipantInfo) {
	p.mu.Lock()
	armed := p.armed
	p.mu.Unlock()
	if !armed {
		return
	}

	role := inferRole(participant)
	p.mu.Lock()
	match := p.matchesFilter(record, role)
	p.mu.Unlock()
	if !match {
		return
	}

	p.setupStream(id, record, participant, role)
}

// setupStream creates one capture session. Setup is idempotent: a stream
// with an existing session is skipped. An unresolvable stream (removed
// between filter match and setup) aborts silently.
func (p *capturePipeline) setupStream(id StreamID, record TrackRecord, participant ParticipantInfo, role ParticipantRole) {
	p.mu.Lock()
	if !p.armed {
		p.mu.Unlock()
		return
	}
	if _, exists := p.sessions[id]; exists {
		p.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":  "setupStream",
			"stream_id": id,
		}).Debug("Capture session already exists, skipping")
		return
	}
	session := &captureSession{
		streamID:    id,
		participant: participant.Identity,
		role:        role,
		source:      record.Source,
		format:      p.opts.Format,
	}
	p.sessions[id] = session
	opts := p.opts
	p.mu.Unlock()

	handle, ok := p.m.resolveStream(id)
	if !ok {
		// Stream removed between filter match and setup.
		p.dropSession(id)
		logrus.WithFields(logrus.Fields{
			"function":  "setupStream",
			"stream_id": id,
		}).Debug("Stream unresolvable, capture setup aborted")
		return
	}

	// Tapping the playback handle directly causes contention at the
	// platform level; the clone's lifecycle belongs to this pipeline.
	clone, err := handle.Clone()
	if err != nil {
		p.dropSession(id)
		p.m.emitError("stream clone failed: " + err.Error())
		return
	}
	session.clone = clone

	if !p.m.contextInitialized() {
		p.mu.Lock()
		p.ownsContext = true
		p.mu.Unlock()
	}
	if p.m.ensureContext() == nil && opts.Format != FormatEncoded {
		p.dropSession(id)
		clone.Stop()
		logrus.WithFields(logrus.Fields{
			"function":  "setupStream",
			"stream_id": id,
		}).Warn("No audio context, PCM capture unavailable")
		return
	}

	var setupErr error
	if opts.Format == FormatEncoded {
		setupErr = p.startEncoded(session, opts)
	} else {
		setupErr = p.startPCM(session, opts)
	}
	if setupErr != nil {
		p.dropSession(id)
		clone.Stop()
		p.m.emitError("capture setup failed: " + setupErr.Error())
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":    "setupStream",
		"stream_id":   id,
		"participant": participant.Identity,
		"role":        role,
		"format":      session.format,
	}).Info("Capture session active")
}

func (p *capturePipeline) dropSession(id StreamID) {
	p.mu.Lock()
	delete(p.sessions, id)
	p.mu.Unlock()
}

// startEncoded wires the encoded path: a stream encoder over the clone,
// emitting chunks at the configured interval. Chunk bytes are resolved
// asynchronously before the callback runs.
func (p *capturePipeline) startEncoded(session *captureSession, opts CaptureOptions) error {
	tap, err := newEncodedTap(session.clone, opts.PreferredMimeTypes, opts.ChunkInterval)
	if err != nil {
		return err
	}
	session.encoder = tap

	meta := session.captureMeta()
	tap.start(func(chunk []byte) {
		data := meta
		data.Timestamp = time.Now()
		data.Payload = chunk
		opts.OnData(data)
	}, p.m.emitError)
	return nil
}

// startPCM wires the raw-PCM path: a source node over the clone feeding a
// block processor, terminated by a zero-gain sink. The off-thread strategy
// is preferred; registration failure falls back to in-thread processing.
func (p *capturePipeline) startPCM(session *captureSession, opts CaptureOptions) error {
	session.pcmSource = newPCMSource(session.clone)

	if err := p.workers.register(p.m.opts.DisableWorker); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "startPCM",
			"stream_id": session.streamID,
			"error":     err.Error(),
		}).Debug("Falling back to in-thread processing")
		session.processor = newInlineProcessor(session.pcmSource, opts.BufferFrames)
	} else {
		session.processor = newWorkerProcessor(session.pcmSource, opts.BufferFrames)
	}

	meta := session.captureMeta()
	wantInt16 := opts.Format == FormatPCMInt16
	session.terminal = newZeroGainTerminal(func(block []float32) {
		data := meta
		data.Timestamp = time.Now()
		if wantInt16 {
			data.Payload = int16ToBytes(convertFloatToInt16(block))
		} else {
			data.Samples = block
			data.Payload = float32ToBytes(block)
		}
		opts.OnData(data)
	})

	return session.processor.connect(session.terminal.consume)
}

func (s *captureSession) captureMeta() CaptureData {
	return CaptureData{
		Participant: s.participant,
		Role:        s.role,
		StreamID:    s.streamID,
		Source:      s.source,
		Format:      s.format,
	}
}

// sessionCount reports the number of active capture sessions.
func (p *capturePipeline) sessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// teardown releases every capture resource: encoders stopped, processing
// nodes disconnected, source nodes disconnected, clones stopped, session map
// cleared, shared context closed when capture owns it. Every step is
// independently caught; one failing resource never blocks the rest.
func (p *capturePipeline) teardown() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[StreamID]*captureSession)
	p.armed = false
	ownsContext := p.ownsContext
	p.ownsContext = false
	p.mu.Unlock()

	for _, s := range sessions {
		teardownSession(s)
	}

	if ownsContext {
		teardownStep("context close", p.m.closeAnalyser)
	}

	if len(sessions) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "teardown",
			"sessions": len(sessions),
		}).Info("Audio capture torn down")
	}
}

// dropStream tears down the capture session for one stream id, if any.
// Called on unsubscription, so a later re-subscription of the same id is
// tapped fresh instead of being blocked by the stale session.
func (p *capturePipeline) dropStream(id StreamID) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	teardownSession(s)

	logrus.WithFields(logrus.Fields{
		"function":  "dropStream",
		"stream_id": id,
	}).Debug("Capture session dropped on unsubscription")
}

// teardownSession releases one session's resources. Every step is
// independently caught; one failing resource never blocks the rest.
func teardownSession(s *captureSession) {
	teardownStep("encoder stop", func() {
		if s.encoder != nil {
			s.encoder.stop()
		}
	})
	teardownStep("processor disconnect", func() {
		if s.processor != nil {
			s.processor.disconnect()
		}
	})
	teardownStep("terminal disconnect", func() {
		if s.terminal != nil {
			s.terminal.disconnect()
		}
	})
	teardownStep("source disconnect", func() {
		if s.pcmSource != nil {
			s.pcmSource.Stop()
		}
	})
	teardownStep("clone stop", func() {
		if s.clone != nil {
			s.clone.Stop()
		}
	})

	logrus.WithFields(logrus.Fields{
		"function":  "teardownSession",
		"stream_id": s.streamID,
	}).Debug("Capture session torn down")
}

// teardownStep runs one teardown action, swallowing any failure.
func teardownStep(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "teardownStep",
				"step":     step,
				"panic":    r,
			}).Debug("Teardown step failed, continuing")
		}
	}()
	fn()
}

// zeroGainTerminal is the terminal sink of the PCM processing graph. The
// platform drives processing only along a path reaching an active output;
// the terminal keeps the graph alive at zero gain so capture never produces
// audible duplicate playback.
type zeroGainTerminal struct {
	mu           sync.Mutex
	deliver      func(block []float32)
	disconnected bool
}

func newZeroGainTerminal(deliver func(block []float32)) *zeroGainTerminal {
	return &zeroGainTerminal{deliver: deliver}
}

// consume forwards one block to the delivery callback. After disconnect the
// terminal drops blocks; an already-resolving block may still deliver once
// before the disconnect is observed.
func (t *zeroGainTerminal) consume(block []float32) {
	t.mu.Lock()
	disconnected := t.disconnected
	t.mu.Unlock()
	if disconnected {
		return
	}
	t.deliver(block)
}

func (t *zeroGainTerminal) disconnect() {
	t.mu.Lock()
	t.disconnected = true
	t.mu.Unlock()
}

// newPCMSource adapts a clone into the PCM source node. Handles that surface
// native encoded frames are wrapped with an Opus decoding shim; everything
// else reads PCM directly.
func newPCMSource(clone StreamHandle) StreamHandle {
	if er, ok := clone.(EncodedReader); ok && strings.EqualFold(clone.Codec().MimeType, webrtc.MimeTypeOpus) {
		dec := pionopus.NewDecoder()
		return &decodedStream{StreamHandle: clone, frames: er, dec: &dec}
	}
	return clone
}

// decodedStream converts a handle's native Opus frames to PCM floats.
type decodedStream struct {
	StreamHandle
	frames  EncodedReader
	dec     *pionopus.Decoder
	pending []float32
}

// ReadPCM decodes frames on demand, buffering the remainder across calls.
func (d *decodedStream) ReadPCM(buf []float32) (int, error) {
	for len(d.pending) == 0 {
		frame, err := d.frames.ReadEncoded()
		if err != nil {
			return 0, err
		}
		// 40ms at 48kHz covers the largest expected frame.
		out := make([]byte, 1920*2)
		_, isStereo, err := d.dec.Decode(frame, out)
		if err != nil {
			return 0, err
		}
		sampleCount := len(out) / 2
		if isStereo {
			sampleCount /= 2
		}
		for i := 0; i < sampleCount; i++ {
			s := int16(out[i*2]) | int16(out[i*2+1])<<8
			d.pending = append(d.pending, float32(s)/32768.0)
		}
	}
	n := copy(buf, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

// encodedTap is the encoded-path stream encoder. Native Opus frames from the
// clone pass through untouched; PCM-only clones are encoded with an Opus
// encoder. Chunks accumulate between interval ticks and cross to a single
// delivery goroutine over an ordered channel, so callbacks run one at a time
// in enqueue order.
type encodedTap struct {
	clone    StreamHandle
	frames   EncodedReader
	enc      *opus.Encoder
	mime     string
	interval time.Duration

	mu      sync.Mutex
	pending []byte

	ready   chan []byte
	stopc   chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// encodedTapMimes is the set of formats the tap can produce, used against
// the caller's ordered preference list.
var encodedTapMimes = []string{webrtc.MimeTypeOpus}

func newEncodedTap(clone StreamHandle, preferred []string, interval time.Duration) (*encodedTap, error) {
	mime := webrtc.MimeTypeOpus
	if len(preferred) > 0 {
		mime = ""
		for _, want := range preferred {
			for _, have := range encodedTapMimes {
				if strings.EqualFold(want, have) {
					mime = have
					break
				}
			}
			if mime != "" {
				break
			}
		}
		if mime == "" {
			return nil, ErrNoSupportedFormat
		}
	}

	t := &encodedTap{
		clone:    clone,
		mime:     mime,
		interval: interval,
		ready:    make(chan []byte, 8),
		stopc:    make(chan struct{}),
	}

	if er, ok := clone.(EncodedReader); ok && strings.EqualFold(clone.Codec().MimeType, mime) {
		t.frames = er
		return t, nil
	}

	enc, err := opus.NewEncoder(DefaultSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	t.enc = enc
	return t, nil
}

// start launches the accumulation, flush and delivery loops. Encoder
// failures are reported through onError, never panicked or returned to the
// stream path.
func (t *encodedTap) start(deliver func(chunk []byte), onError func(string)) {
	t.wg.Add(3)
	go t.accumulate(onError)
	go t.flushLoop()
	go t.deliverLoop(deliver)
}

func (t *encodedTap) accumulate(onError func(string)) {
	defer t.wg.Done()

	if t.frames != nil {
		for {
			select {
			case <-t.stopc:
				return
			default:
			}
			frame, err := t.frames.ReadEncoded()
			if err != nil {
				return
			}
			t.mu.Lock()
			t.pending = append(t.pending, frame...)
			t.mu.Unlock()
		}
	}

	// Encode 20ms blocks from PCM.
	const frameSamples = DefaultSampleRate / 50
	block := make([]float32, frameSamples)
	packet := make([]byte, 4000)
	filled := 0
	for {
		select {
		case <-t.stopc:
			return
		default:
		}
		n, err := t.clone.ReadPCM(block[filled:])
		if err != nil {
			return
		}
		filled += n
		if filled < frameSamples {
			continue
		}
		filled = 0

		size, err := t.enc.EncodeFloat32(block, packet)
		if err != nil {
			onError("opus encode failed: " + err.Error())
			continue
		}
		t.mu.Lock()
		t.pending = append(t.pending, packet[:size]...)
		t.mu.Unlock()
	}
}

func (t *encodedTap) flushLoop() {
	defer t.wg.Done()
	defer close(t.ready)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopc:
			return
		case <-ticker.C:
			t.mu.Lock()
			chunk := t.pending
			t.pending = nil
			t.mu.Unlock()
			if len(chunk) == 0 {
				continue
			}
			select {
			case t.ready <- chunk:
			case <-t.stopc:
				return
			}
		}
	}
}

// deliverLoop drains flushed chunks in order. A chunk already in flight when
// the tap stops may still deliver once.
func (t *encodedTap) deliverLoop(deliver func(chunk []byte)) {
	defer t.wg.Done()
	for chunk := range t.ready {
		deliver(chunk)
	}
}

func (t *encodedTap) stop() {
	t.stopped.Do(func() { close(t.stopc) })
}
