// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that classifiers are created with the expected Config.
// Use Classifier to script per-frame decisions and inspect the frames that
// were submitted.
//
// Example:
//
//	cls := &mock.Classifier{Script: []bool{true, true, true, false}}
//	eng := &mock.Engine{Classifier: cls}
//	c, _ := eng.NewClassifier(cfg)
package mock

import (
	"sync"

	"github.com/datasciritwik/realtime/pkg/provider/vad"
)

// NewClassifierCall records a single invocation of Engine.NewClassifier.
type NewClassifierCall struct {
	// Cfg is the Config passed to NewClassifier.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Classifier is returned by NewClassifier. If nil, NewClassifier returns
	// a new default Classifier.
	Classifier vad.Classifier

	// NewClassifierErr, if non-nil, is returned as the error from NewClassifier.
	NewClassifierErr error

	// NewClassifierCalls records every call to NewClassifier in order.
	NewClassifierCalls []NewClassifierCall
}

// NewClassifier records the call and returns Classifier, NewClassifierErr.
func (e *Engine) NewClassifier(cfg vad.Config) (vad.Classifier, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewClassifierCalls = append(e.NewClassifierCalls, NewClassifierCall{Cfg: cfg})
	if e.NewClassifierErr != nil {
		return nil, e.NewClassifierErr
	}
	if e.Classifier != nil {
		return e.Classifier, nil
	}
	return &Classifier{}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewClassifierCalls = nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Classifier is a mock implementation of vad.Classifier.
//
// Decisions are taken from Script in order; once Script is exhausted, Default
// is returned. When Func is set it takes precedence over both.
type Classifier struct {
	mu sync.Mutex

	// Func, if non-nil, decides each frame.
	Func func(frame []byte) (bool, error)

	// Script holds per-call results consumed in order.
	Script []bool

	// Default is returned once Script is exhausted.
	Default bool

	// Err, if non-nil, is returned by every IsSpeech call.
	Err error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// Frames records a copy of every frame passed to IsSpeech.
	Frames [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// IsSpeech records the call and returns the next scripted decision.
func (c *Classifier) IsSpeech(frame []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.Frames = append(c.Frames, cp)

	if c.Func != nil {
		return c.Func(frame)
	}
	if c.Err != nil {
		return false, c.Err
	}
	if len(c.Script) > 0 {
		v := c.Script[0]
		c.Script = c.Script[1:]
		return v, nil
	}
	return c.Default, nil
}

// Close records the call and returns CloseErr.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	return c.CloseErr
}

// CallCount returns the number of IsSpeech calls recorded.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Frames)
}

// ResetCalls clears all recorded call history. Thread-safe.
func (c *Classifier) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Frames = nil
	c.CloseCallCount = 0
}

// Ensure Classifier implements vad.Classifier at compile time.
var _ vad.Classifier = (*Classifier)(nil)
