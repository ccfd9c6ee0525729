// Package silero provides a frame classifier backed by the Silero VAD ONNX
// model through github.com/streamer45/silero-vad-go.
//
// The model consumes fixed windows (512 samples at 16 kHz, 256 at 8 kHz)
// that do not line up with the 10/20/30 ms frames the detector feeds, so the
// classifier buffers samples and runs the model once per complete window.
// Between windows it reports the most recent decision. Each classifier owns
// its own model session because the network is recurrent.
//
// Building this package requires cgo and the ONNX Runtime shared library.
package silero

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/datasciritwik/realtime/pkg/audio"
	"github.com/datasciritwik/realtime/pkg/provider/vad"
)

var (
	_ vad.Engine     = (*Engine)(nil)
	_ vad.Classifier = (*Classifier)(nil)
)

// Speech probability thresholds indexed by aggressiveness 0..3.
var thresholds = [4]float32{0.3, 0.4, 0.5, 0.65}

// ErrClosed is returned by IsSpeech after Close.
var ErrClosed = errors.New("silero: classifier closed")

// detector is the subset of *speech.Detector the classifier drives.
type detector interface {
	Detect(pcm []float32) ([]speech.Segment, error)
	Reset() error
	Destroy() error
}

// Engine creates Silero classifiers that share one model file.
type Engine struct {
	modelPath string
	threshold float32

	newDetector func(speech.DetectorConfig) (detector, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithThreshold overrides the aggressiveness-derived speech probability
// threshold. Values outside (0, 1) are ignored.
func WithThreshold(p float64) Option {
	return func(e *Engine) {
		if p > 0 && p < 1 {
			e.threshold = float32(p)
		}
	}
}

// New returns an Engine that loads the model at modelPath for every
// classifier it creates. The file must exist.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("silero: model path must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("silero: model: %w", err)
	}
	e := &Engine{
		modelPath: modelPath,
		newDetector: func(cfg speech.DetectorConfig) (detector, error) {
			return speech.NewDetector(cfg)
		},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// NewClassifier implements [vad.Engine]. Only 8 kHz and 16 kHz input is
// supported by the model.
func (e *Engine) NewClassifier(cfg vad.Config) (vad.Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("silero: %w", err)
	}
	window, err := windowSize(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	threshold := e.threshold
	if threshold == 0 {
		threshold = thresholds[cfg.Aggressiveness]
	}
	d, err := e.newDetector(speech.DetectorConfig{
		ModelPath:  e.modelPath,
		SampleRate: cfg.SampleRate,
		Threshold:  threshold,
		// Hangover is applied by the state machine above this classifier.
		MinSilenceDurationMs: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("silero: new detector: %w", err)
	}
	return &Classifier{
		det:        d,
		frameBytes: cfg.FrameBytes(),
		window:     window,
		pending:    make([]float32, 0, 2*window),
	}, nil
}

func windowSize(sampleRate int) (int, error) {
	switch sampleRate {
	case 16000:
		return 512, nil
	case 8000:
		return 256, nil
	}
	return 0, fmt.Errorf("silero: sample rate %d unsupported (want 8000 or 16000)", sampleRate)
}

// Classifier labels frames with the Silero model. It is safe for
// concurrent use, though frames must arrive in stream order.
type Classifier struct {
	mu         sync.Mutex
	det        detector
	frameBytes int
	window     int
	pending    []float32
	speaking   bool
	closed     bool
}

// IsSpeech implements [vad.Classifier].
func (c *Classifier) IsSpeech(frame []byte) (bool, error) {
	if len(frame) != c.frameBytes {
		return false, fmt.Errorf("silero: got %d bytes, want %d: %w", len(frame), c.frameBytes, vad.ErrFrameSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}

	c.pending = append(c.pending, audio.Float32Mono(frame, 1)...)
	for len(c.pending) >= c.window {
		segs, err := c.det.Detect(c.pending[:c.window])
		n := copy(c.pending, c.pending[c.window:])
		c.pending = c.pending[:n]
		if err != nil {
			// The detector's trigger state no longer matches the audio;
			// start over from silence.
			if rerr := c.det.Reset(); rerr != nil {
				return false, fmt.Errorf("silero: reset after %v: %w", err, rerr)
			}
			c.speaking = false
			continue
		}
		// A single window yields at most one transition.
		if len(segs) > 0 {
			c.speaking = !c.speaking
		}
	}
	return c.speaking, nil
}

// Close implements [vad.Classifier]. It releases the model session.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.det.Destroy(); err != nil {
		return fmt.Errorf("silero: destroy: %w", err)
	}
	return nil
}
