package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/datasciritwik/realtime/internal/vad"
)

// Default capture retry parameters.
const (
	defaultRetryBackoff    = 50 * time.Millisecond
	defaultMaxRetryBackoff = 2 * time.Second
)

// FrameSource yields fixed-size capture frames. audio.Device implements it.
type FrameSource interface {
	ReadFrame(ctx context.Context) ([]byte, error)
}

// FrameProcessor consumes one frame and reports the resulting detector
// state. *vad.Detector implements it.
type FrameProcessor interface {
	ProcessFrame(frame []byte) vad.State
}

// CaptureOption configures a [CaptureLoop].
type CaptureOption func(*CaptureLoop)

// WithFrameHook calls fn with the detector state after every frame. Pass
// [Orchestrator.ObserveFrame] here.
func WithFrameHook(fn func(vad.State)) CaptureOption {
	return func(c *CaptureLoop) { c.hook = fn }
}

// WithCaptureLogger sets the logger. Default is slog.Default().
func WithCaptureLogger(l *slog.Logger) CaptureOption {
	return func(c *CaptureLoop) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetryBackoff sets the pause after a failed read. It doubles on every
// consecutive failure up to max and resets after a successful read.
func WithRetryBackoff(initial, max time.Duration) CaptureOption {
	return func(c *CaptureLoop) {
		if initial > 0 {
			c.backoff = initial
		}
		if max >= c.backoff {
			c.maxBackoff = max
		}
	}
}

// CaptureLoop reads frames from a source and feeds them to the detector.
type CaptureLoop struct {
	src        FrameSource
	proc       FrameProcessor
	hook       func(vad.State)
	log        *slog.Logger
	backoff    time.Duration
	maxBackoff time.Duration

	frames atomic.Int64
	errors atomic.Int64
}

// NewCaptureLoop creates a loop reading src into proc.
func NewCaptureLoop(src FrameSource, proc FrameProcessor, opts ...CaptureOption) *CaptureLoop {
	c := &CaptureLoop{
		src:        src,
		proc:       proc,
		log:        slog.Default(),
		backoff:    defaultRetryBackoff,
		maxBackoff: defaultMaxRetryBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run reads until ctx is cancelled or the source reports io.EOF. Other read
// errors are logged and retried after a pause. Run returns nil on io.EOF and
// ctx.Err() on cancellation.
func (c *CaptureLoop) Run(ctx context.Context) error {
	wait := c.backoff
	for {
		frame, err := c.src.ReadFrame(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, io.EOF):
				c.log.Info("capture: input closed", "frames", c.frames.Load())
				return nil
			}
			n := c.errors.Add(1)
			c.log.Warn("capture: read failed, retrying", "err", err, "retry_in", wait, "failures", n)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait = min(wait*2, c.maxBackoff)
			continue
		}
		wait = c.backoff

		c.frames.Add(1)
		st := c.proc.ProcessFrame(frame)
		if c.hook != nil {
			c.hook(st)
		}
	}
}

// Frames returns the number of frames delivered to the detector.
func (c *CaptureLoop) Frames() int64 { return c.frames.Load() }

// ReadErrors returns the number of failed reads.
func (c *CaptureLoop) ReadErrors() int64 { return c.errors.Load() }
