// Package vad defines the Engine interface for frame classification backends.
//
// A classifier answers one question per audio frame: does this frame contain
// speech? A classifier may carry model state between frames of one stream,
// but turning per-frame decisions into voice sessions (start/end hysteresis,
// pre-roll, minimum duration) is the job of the detector in internal/vad.
//
// Classification is synchronous: IsSpeech returns immediately, making it
// suitable for the capture loop that feeds the detector one frame at a time.
//
// Engines must be safe for concurrent use. A single Classifier should not be
// shared across goroutines unless the implementation documents otherwise.
package vad

import (
	"errors"
	"fmt"
)

// ErrFrameSize is returned by [Classifier.IsSpeech] when the frame does not
// match the configured length.
var ErrFrameSize = errors.New("vad: wrong frame size")

// Config holds the parameters for a classifier.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to IsSpeech. Supported: 8000, 16000, 32000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Frame
	// classifiers operate on 10, 20 or 30 ms frames.
	FrameSizeMs int

	// Aggressiveness selects how strict the classifier is about calling a
	// frame speech, from 0 (least strict) to 3 (most strict).
	Aggressiveness int
}

// FrameBytes returns the length in bytes of one 16-bit mono frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// Validate checks the configuration against the supported ranges.
func (c Config) Validate() error {
	switch c.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return fmt.Errorf("vad: unsupported sample rate %d", c.SampleRate)
	}
	switch c.FrameSizeMs {
	case 10, 20, 30:
	default:
		return fmt.Errorf("vad: unsupported frame size %dms", c.FrameSizeMs)
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		return fmt.Errorf("vad: aggressiveness must be 0-3, got %d", c.Aggressiveness)
	}
	return nil
}

// Classifier labels individual frames as speech or non-speech.
type Classifier interface {
	// IsSpeech reports whether frame contains speech. The frame must be raw
	// little-endian 16-bit mono PCM of exactly Config.FrameBytes bytes;
	// otherwise an error wrapping [ErrFrameSize] is returned.
	//
	// This method is called synchronously in the capture loop and must not
	// block.
	IsSpeech(frame []byte) (bool, error)

	// Close releases all resources held by the classifier. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Engine is the factory for classifiers. It is the top-level interface
// implemented by each backend.
type Engine interface {
	// NewClassifier creates a classifier for cfg. Returns an error if the
	// configuration is unsupported.
	NewClassifier(cfg Config) (Classifier, error)
}
