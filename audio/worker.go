package audio

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// The raw-PCM capture path accumulates samples into fixed-size blocks using
// one of two strategies behind a uniform interface. The off-thread strategy
// runs a dedicated real-time goroutine that communicates only over a one-way,
// order-preserving buffer channel; the in-thread fallback does the same block
// processing on the delivering goroutine, at higher jank risk.

// blockProcessor is the uniform strategy surface: connect starts processing
// and wires delivery, disconnect stops it. Both are safe to call once each;
// disconnect is additionally safe to call redundantly.
type blockProcessor interface {
	connect(deliver func(block []float32)) error
	disconnect()
}

// workerRegistry guards the once-per-manager registration of the off-thread
// processing unit. A single shared in-flight future resolves the capability
// probe, so concurrent capture setups cannot double-register: every caller
// waits on the same resolution and observes the same result.
type workerRegistry struct {
	mu       sync.Mutex
	inflight chan struct{}
	err      error
}

// register resolves the registration exactly once and returns its result.
// disabled models platforms that cannot host a real-time unit.
func (r *workerRegistry) register(disabled bool) error {
	r.mu.Lock()
	if r.inflight == nil {
		r.inflight = make(chan struct{})
		go func() {
			if disabled {
				r.err = ErrWorkerUnavailable
			}
			logrus.WithFields(logrus.Fields{
				"function": "workerRegistry.register",
				"disabled": disabled,
			}).Debug("Off-thread processor registration resolved")
			close(r.inflight)
		}()
	}
	ch := r.inflight
	r.mu.Unlock()

	<-ch
	return r.err
}

// workerProcessor is the off-thread strategy. The real-time goroutine pulls
// samples from the source into an internal ring and, on reaching the
// configured frame count, posts exactly one full block per boundary crossing
// onto the ready channel. The unit observes nothing beyond what was passed at
// construction; the controlling side drains the channel in order.
type workerProcessor struct {
	source StreamHandle
	frames int

	ready   chan []float32
	stopc   chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

func newWorkerProcessor(source StreamHandle, frames int) *workerProcessor {
	return &workerProcessor{
		source: source,
		frames: frames,
		ready:  make(chan []float32, 8),
		stopc:  make(chan struct{}),
	}
}

func (w *workerProcessor) connect(deliver func(block []float32)) error {
	w.wg.Add(2)
	go w.run()
	go w.drain(deliver)
	return nil
}

// run is the real-time unit.
func (w *workerProcessor) run() {
	defer w.wg.Done()
	defer close(w.ready)

	ring := make([]float32, 0, w.frames*2)
	buf := make([]float32, 512)
	for {
		select {
		case <-w.stopc:
			return
		default:
		}

		n, err := w.source.ReadPCM(buf)
		if err != nil {
			return
		}
		ring = append(ring, buf[:n]...)

		for len(ring) >= w.frames {
			block := make([]float32, w.frames)
			copy(block, ring[:w.frames])
			ring = append(ring[:0], ring[w.frames:]...)

			select {
			case w.ready <- block:
			case <-w.stopc:
				return
			}
		}
	}
}

// drain is the controlling-thread side of the boundary.
func (w *workerProcessor) drain(deliver func(block []float32)) {
	defer w.wg.Done()
	for block := range w.ready {
		deliver(block)
	}
}

func (w *workerProcessor) disconnect() {
	w.stopped.Do(func() { close(w.stopc) })
}

// inlineProcessor is the in-thread fallback: identical block accumulation,
// but pull, accumulate and deliver all run on one goroutine.
type inlineProcessor struct {
	source StreamHandle
	frames int

	stopc   chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

func newInlineProcessor(source StreamHandle, frames int) *inlineProcessor {
	return &inlineProcessor{
		source: source,
		frames: frames,
		stopc:  make(chan struct{}),
	}
}

func (p *inlineProcessor) connect(deliver func(block []float32)) error {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ring := make([]float32, 0, p.frames*2)
		buf := make([]float32, 512)
		for {
			select {
			case <-p.stopc:
				return
			default:
			}

			n, err := p.source.ReadPCM(buf)
			if err != nil {
				return
			}
			ring = append(ring, buf[:n]...)

			for len(ring) >= p.frames {
				block := make([]float32, p.frames)
				copy(block, ring[:p.frames])
				ring = append(ring[:0], ring[p.frames:]...)
				deliver(block)
			}
		}
	}()
	return nil
}

func (p *inlineProcessor) disconnect() {
	p.stopped.Do(func() { close(p.stopc) })
}

// convertFloatToInt16 converts float samples in [-1, 1] to signed 16-bit
// integers, clamping before scaling: out == round(clamp(s, -1, 1) * 32767).
func convertFloatToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		f := float64(s)
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		out[i] = int16(math.Round(f * 32767))
	}
	return out
}

// int16ToBytes serializes samples as little-endian PCM.
func int16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, sample := range samples {
		data[i*2] = byte(sample)
		data[i*2+1] = byte(sample >> 8)
	}
	return data
}

// float32ToBytes serializes samples as little-endian IEEE-754 floats.
func float32ToBytes(samples []float32) []byte {
	data := make([]byte, len(samples)*4)
	for i, sample := range samples {
		bits := math.Float32bits(sample)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}
