// Package energy provides a pure-Go frame classifier based on signal energy.
//
// A frame is labelled speech when its normalised RMS level reaches the
// threshold selected by the aggressiveness setting and its zero-crossing rate
// is below the matching ceiling. The zero-crossing guard rejects broadband
// hiss, which can carry speech-like energy but crosses zero far more often
// than voiced sound.
//
// The classifier keeps no state between frames.
package energy

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/datasciritwik/realtime/pkg/provider/vad"
)

var (
	_ vad.Engine     = (*Engine)(nil)
	_ vad.Classifier = (*Classifier)(nil)
)

// Thresholds indexed by aggressiveness 0..3.
var (
	rmsThresholds = [4]float64{0.006, 0.010, 0.015, 0.025}
	zcrCeilings   = [4]float64{1.0, 0.60, 0.50, 0.40}
)

// Engine creates energy classifiers.
type Engine struct {
	// RMSThreshold, when non-zero, overrides the aggressiveness-derived
	// energy threshold (range 0..1 of full scale).
	RMSThreshold float64
}

// New returns an Engine with aggressiveness-derived thresholds.
func New() *Engine { return &Engine{} }

// NewClassifier implements [vad.Engine].
func (e *Engine) NewClassifier(cfg vad.Config) (vad.Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	threshold := rmsThresholds[cfg.Aggressiveness]
	if e.RMSThreshold > 0 {
		threshold = e.RMSThreshold
	}
	return &Classifier{
		frameBytes: cfg.FrameBytes(),
		threshold:  threshold,
		zcrCeiling: zcrCeilings[cfg.Aggressiveness],
	}, nil
}

// Classifier labels frames by RMS energy and zero-crossing rate.
type Classifier struct {
	frameBytes int
	threshold  float64
	zcrCeiling float64
	closed     atomic.Bool
}

// IsSpeech implements [vad.Classifier].
func (c *Classifier) IsSpeech(frame []byte) (bool, error) {
	if c.closed.Load() {
		return false, fmt.Errorf("energy: classifier closed")
	}
	if len(frame) != c.frameBytes {
		return false, fmt.Errorf("energy: got %d bytes, want %d: %w", len(frame), c.frameBytes, vad.ErrFrameSize)
	}
	level, zcr := analyse(frame)
	return level >= c.threshold && zcr <= c.zcrCeiling, nil
}

// Close implements [vad.Classifier].
func (c *Classifier) Close() error {
	c.closed.Store(true)
	return nil
}

// analyse returns the RMS level normalised to full scale and the fraction of
// adjacent sample pairs that change sign.
func analyse(frame []byte) (level, zcr float64) {
	n := len(frame) / 2
	if n == 0 {
		return 0, 0
	}
	var sum float64
	crossings := 0
	prev := int16(binary.LittleEndian.Uint16(frame))
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		f := float64(s) / 32768.0
		sum += f * f
		if i > 0 && (s < 0) != (prev < 0) {
			crossings++
		}
		prev = s
	}
	level = math.Sqrt(sum / float64(n))
	if n > 1 {
		zcr = float64(crossings) / float64(n-1)
	}
	return level, zcr
}
