package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a 16-bit PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FrameConfig fixes the shape of the capture frames handed to the detector.
// All frames are signed 16-bit little-endian PCM.
type FrameConfig struct {
	// SampleRate in Hz. The capture pipeline runs at 16000.
	SampleRate int

	// FrameMs is the duration of one frame in milliseconds (10, 20 or 30).
	FrameMs int

	// Channels is the channel count of a frame. The detector expects mono.
	Channels int
}

// DefaultFrameConfig is 20 ms of 16 kHz mono audio (320 samples, 640 bytes).
var DefaultFrameConfig = FrameConfig{SampleRate: 16000, FrameMs: 20, Channels: 1}

// SamplesPerFrame returns the number of samples per channel in one frame.
func (c FrameConfig) SamplesPerFrame() int {
	return c.SampleRate * c.FrameMs / 1000
}

// FrameBytes returns the exact byte length of one frame.
func (c FrameConfig) FrameBytes() int {
	return c.SamplesPerFrame() * c.Channels * 2
}

// FrameDuration returns the wall-clock duration of one frame.
func (c FrameConfig) FrameDuration() time.Duration {
	return time.Duration(c.FrameMs) * time.Millisecond
}

// Format returns the stream format described by c.
func (c FrameConfig) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// Validate reports whether c describes a usable frame shape.
func (c FrameConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameMs <= 0 {
		return fmt.Errorf("audio: frame duration must be positive, got %dms", c.FrameMs)
	}
	if c.Channels < 1 || c.Channels > 2 {
		return fmt.Errorf("audio: channels must be 1 or 2, got %d", c.Channels)
	}
	if c.SamplesPerFrame() == 0 {
		return fmt.Errorf("audio: %dms at %dHz yields an empty frame", c.FrameMs, c.SampleRate)
	}
	return nil
}
