package audio

import (
	"errors"
	"math"
	"math/cmplx"
	"sync"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Analyser geometry and level mapping. Bins are byte-valued, dB-mapped the
// way voice UIs expect: magnitudes below minDecibels floor to 0 and above
// maxDecibels saturate at 255.
const (
	analyserFFTSize  = 256
	analyserBinCount = analyserFFTSize / 2

	analyserMinDecibels = -100.0
	analyserMaxDecibels = -30.0
)

type contextState uint8

const (
	contextRunning contextState = iota
	contextSuspended
	contextClosed
)

// audioContext is the shared audio-processing context. One exists per
// manager instance at most, created lazily by the first analyser or capture
// user and torn down exactly once at Cleanup.
type audioContext struct {
	mu         sync.Mutex
	sampleRate int
	state      contextState
}

// newAudioContext builds a context at the requested rate. A rate of 0 asks
// for the platform default. The voice pipeline pins DefaultSampleRate first
// and falls back to the default rate if that is rejected.
func newAudioContext(sampleRate int) (*audioContext, error) {
	if sampleRate == 0 {
		sampleRate = DefaultSampleRate
	}
	if sampleRate < 8000 || sampleRate > 384000 {
		return nil, errors.New("unsupported sample rate")
	}
	return &audioContext{sampleRate: sampleRate}, nil
}

// resume moves a suspended context to running.
func (c *audioContext) resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == contextClosed {
		return ErrContextClosed
	}
	c.state = contextRunning
	return nil
}

// close releases the context. Redundant calls are safe.
func (c *audioContext) close() {
	c.mu.Lock()
	c.state = contextClosed
	c.mu.Unlock()
}

func (c *audioContext) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == contextClosed
}

// analyserTap is a frequency-analysis tap over one stream handle. One exists
// per direction (input/output), lazily created on first use and reused until
// cleanup.
type analyserTap struct {
	source StreamHandle
	fft    *fourier.FFT
	window []float64
	buf    []float32
	bins   []byte
}

func newAnalyserTap(source StreamHandle) *analyserTap {
	window := make([]float64, analyserFFTSize)
	for i := range window {
		// Hann window.
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(analyserFFTSize-1)))
	}
	return &analyserTap{
		source: source,
		fft:    fourier.NewFFT(analyserFFTSize),
		window: window,
		buf:    make([]float32, analyserFFTSize),
		bins:   make([]byte, analyserBinCount),
	}
}

// byteFrequencyData reads one FFT frame from the source and returns the
// byte-valued bins. On read failure the previous bins are returned; the tap
// never errors out of a metering call.
func (t *analyserTap) byteFrequencyData() []byte {
	n, err := t.source.ReadPCM(t.buf)
	if err != nil || n == 0 {
		return t.bins
	}

	seq := make([]float64, analyserFFTSize)
	for i := 0; i < n && i < analyserFFTSize; i++ {
		seq[i] = float64(t.buf[i]) * t.window[i]
	}

	coeffs := t.fft.Coefficients(nil, seq)
	scale := 1.0 / float64(analyserFFTSize)
	for i := 0; i < analyserBinCount; i++ {
		mag := cmplx.Abs(coeffs[i]) * scale
		db := analyserMinDecibels
		if mag > 0 {
			db = 20 * math.Log10(mag)
		}
		norm := (db - analyserMinDecibels) / (analyserMaxDecibels - analyserMinDecibels)
		norm = math.Max(0, math.Min(1, norm))
		t.bins[i] = byte(math.Round(norm * 255))
	}
	return t.bins
}

// level is the average bin value scaled to [0, 1].
func (t *analyserTap) level() float64 {
	bins := t.byteFrequencyData()
	if len(bins) == 0 {
		return 0
	}
	sum := 0
	for _, b := range bins {
		sum += int(b)
	}
	level := float64(sum) / float64(len(bins)) / 255.0
	return math.Max(0, math.Min(1, level))
}

// contextInitialized reports whether the context probe has already run.
func (m *Manager) contextInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actxInit
}

// ensureContext lazily builds the shared context, pinning the voice rate and
// falling back to the platform default, then to no context at all. The probe
// result is memoized either way; auto-resume after suspended creation is
// best-effort.
func (m *Manager) ensureContext() *audioContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actxInit {
		return m.actx
	}
	m.actxInit = true

	ctx, err := m.contextFactory(DefaultSampleRate)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "ensureContext",
			"sample_rate": DefaultSampleRate,
			"error":       err.Error(),
		}).Debug("Pinned sample rate rejected, falling back to platform default")
		ctx, err = m.contextFactory(0)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ensureContext",
			"error":    err.Error(),
		}).Warn("Audio processing context unavailable")
		return nil
	}

	if err := ctx.resume(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ensureContext",
			"error":    err.Error(),
		}).Warn("Audio context resume failed")
	}
	m.actx = ctx
	return ctx
}

// inputSource finds the microphone handle among local publications.
func (m *Manager) inputSource() StreamHandle {
	for _, d := range m.locals.snapshot() {
		if d.Record.Source != TrackSourceMicrophone {
			continue
		}
		if h, ok := m.resolveStream(d.StreamID); ok {
			return h
		}
	}
	return nil
}

// outputSource returns the first live sink's stream handle.
func (m *Manager) outputSource() StreamHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.liveSinks {
		if e.handle != nil {
			return e.handle
		}
	}
	return nil
}

// ensureInputTap lazily builds the microphone analyser tap.
func (m *Manager) ensureInputTap() *analyserTap {
	if m.ensureContext() == nil {
		return nil
	}
	m.mu.Lock()
	tap := m.inputTap
	m.mu.Unlock()
	if tap != nil {
		return tap
	}

	source := m.inputSource()
	if source == nil {
		return nil
	}
	tap = newAnalyserTap(source)

	m.mu.Lock()
	if m.inputTap == nil {
		m.inputTap = tap
	}
	tap = m.inputTap
	m.mu.Unlock()
	return tap
}

// ensureOutputTap lazily builds the agent-output analyser tap.
func (m *Manager) ensureOutputTap() *analyserTap {
	if m.ensureContext() == nil {
		return nil
	}
	m.mu.Lock()
	tap := m.outputTap
	m.mu.Unlock()
	if tap != nil {
		return tap
	}

	source := m.outputSource()
	if source == nil {
		return nil
	}
	tap = newAnalyserTap(source)

	m.mu.Lock()
	if m.outputTap == nil {
		m.outputTap = tap
	}
	tap = m.outputTap
	m.mu.Unlock()
	return tap
}

// GetInputLevel returns the normalized microphone level in [0, 1].
// Returns 0 when no processing context or microphone source exists.
func (m *Manager) GetInputLevel() float64 {
	tap := m.ensureInputTap()
	if tap == nil {
		return 0
	}
	return tap.level()
}

// GetOutputLevel returns the normalized agent-output level in [0, 1].
// Returns 0 when no processing context or live sink exists.
func (m *Manager) GetOutputLevel() float64 {
	tap := m.ensureOutputTap()
	if tap == nil {
		return 0
	}
	return tap.level()
}

// GetInputFrequencyData returns the raw per-bin byte array for the
// microphone, or an empty array on failure.
func (m *Manager) GetInputFrequencyData() []byte {
	tap := m.ensureInputTap()
	if tap == nil {
		return []byte{}
	}
	out := make([]byte, analyserBinCount)
	copy(out, tap.byteFrequencyData())
	return out
}

// GetOutputFrequencyData returns the raw per-bin byte array for the agent
// output, or an empty array on failure.
func (m *Manager) GetOutputFrequencyData() []byte {
	tap := m.ensureOutputTap()
	if tap == nil {
		return []byte{}
	}
	out := make([]byte, analyserBinCount)
	copy(out, tap.byteFrequencyData())
	return out
}

// closeAnalyser tears down the taps and the shared context exactly once per
// cleanup. Safe to call redundantly.
func (m *Manager) closeAnalyser() {
	m.mu.Lock()
	ctx := m.actx
	m.actx = nil
	m.actxInit = false
	m.inputTap = nil
	m.outputTap = nil
	m.mu.Unlock()

	if ctx != nil {
		ctx.close()
	}
}
