package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/datasciritwik/realtime/pkg/audio"
)

// Defaults applied by [Config.withDefaults].
const (
	DefaultStartThreshold     = 3
	DefaultMinVoiceDuration   = 500 * time.Millisecond
	DefaultMaxSilenceDuration = time.Second
	DefaultPreRollFrames      = 10
	DefaultMaxSessionFrames   = 1000
)

// Config controls the detector's hysteresis and buffering.
type Config struct {
	// Frame is the shape of every frame passed to ProcessFrame. Frames of any
	// other length are rejected.
	Frame audio.FrameConfig

	// StartThreshold is the number of consecutive speech frames required to
	// open a session.
	StartThreshold int

	// EndThreshold is the number of consecutive silence frames that close an
	// open session. When zero it is derived from MaxSilenceDuration.
	EndThreshold int

	// MaxSilenceDuration is the trailing silence that closes a session when
	// EndThreshold is zero.
	MaxSilenceDuration time.Duration

	// MinVoiceDuration is the minimum wall-clock length of a session. Shorter
	// sessions are discarded without a VoiceEnd event.
	MinVoiceDuration time.Duration

	// PreRollFrames is the capacity of the ring of audio retained before a
	// session starts. Zero disables pre-roll.
	PreRollFrames int

	// MaxSessionFrames bounds the session buffer; the oldest frames are
	// evicted beyond it.
	MaxSessionFrames int
}

// DefaultConfig returns the detector defaults for 20 ms frames at 16 kHz:
// start after 3 speech frames, end after 1 s of silence, require 0.5 s of
// voice, keep 10 frames of pre-roll.
func DefaultConfig() Config {
	return Config{
		Frame:              audio.DefaultFrameConfig,
		StartThreshold:     DefaultStartThreshold,
		MaxSilenceDuration: DefaultMaxSilenceDuration,
		MinVoiceDuration:   DefaultMinVoiceDuration,
		PreRollFrames:      DefaultPreRollFrames,
		MaxSessionFrames:   DefaultMaxSessionFrames,
	}
}

// withDefaults fills zero fields. EndThreshold is derived as
// ceil(MaxSilenceDuration / frame duration), at least 1.
func (c Config) withDefaults() Config {
	if c.Frame == (audio.FrameConfig{}) {
		c.Frame = audio.DefaultFrameConfig
	}
	if c.StartThreshold == 0 {
		c.StartThreshold = DefaultStartThreshold
	}
	if c.MaxSessionFrames == 0 {
		c.MaxSessionFrames = DefaultMaxSessionFrames
	}
	if c.EndThreshold == 0 {
		silence := c.MaxSilenceDuration
		if silence <= 0 {
			silence = DefaultMaxSilenceDuration
		}
		fd := c.Frame.FrameDuration()
		if fd > 0 {
			c.EndThreshold = int((silence + fd - 1) / fd)
		}
		c.EndThreshold = max(c.EndThreshold, 1)
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if err := c.Frame.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.StartThreshold < 1 {
		errs = append(errs, fmt.Errorf("vad: start threshold must be >= 1, got %d", c.StartThreshold))
	}
	if c.EndThreshold < 1 {
		errs = append(errs, fmt.Errorf("vad: end threshold must be >= 1, got %d", c.EndThreshold))
	}
	if c.MinVoiceDuration < 0 {
		errs = append(errs, fmt.Errorf("vad: min voice duration must not be negative, got %s", c.MinVoiceDuration))
	}
	if c.PreRollFrames < 0 {
		errs = append(errs, fmt.Errorf("vad: pre-roll frames must not be negative, got %d", c.PreRollFrames))
	}
	if c.MaxSessionFrames < c.StartThreshold+c.PreRollFrames {
		errs = append(errs, fmt.Errorf("vad: max session frames %d cannot hold pre-roll plus start threshold", c.MaxSessionFrames))
	}
	return errors.Join(errs...)
}
