// Package resilience provides circuit breaker and provider failover primitives.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) kept
// per provider. [FallbackGroup] composes several instances of one provider
// type, each behind its own breaker, so a failing primary is bypassed in
// favour of healthy fallbacks. [LLMFallback], [STTFallback] and
// [TTSFallback] apply it to the conversation's three backends.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state change notifications.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trials needed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// OnStateChange, when set, is called after every transition. It runs
	// with the breaker unlocked.
	OnStateChange func(name string, from, to State)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
//
// Failures caused by context cancellation are not counted: a reply abandoned
// by barge-in or shutdown says nothing about the backend's health.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log *slog.Logger

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	trials          int
	trialSuccesses  int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &CircuitBreaker{cfg: cfg, log: log.With("breaker", cfg.Name)}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state at most
// HalfOpenMax trials run concurrently.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.mu.Unlock()
		cb.moveTo(StateHalfOpen)
		cb.mu.Lock()
	}
	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.trials++
	}
	probing := cb.state == StateHalfOpen
	cb.mu.Unlock()

	err := fn()
	switch {
	case err == nil:
		cb.success(probing)
	case errors.Is(err, context.Canceled):
		if probing {
			cb.mu.Lock()
			cb.trials--
			cb.mu.Unlock()
		}
	default:
		cb.failure(probing)
	}
	return err
}

func (cb *CircuitBreaker) failure(probing bool) {
	cb.mu.Lock()
	if probing {
		cb.mu.Unlock()
		cb.log.Warn("circuit breaker trial call failed, re-opening")
		cb.moveTo(StateOpen)
		return
	}
	cb.consecutiveFail++
	trip := cb.state == StateClosed && cb.consecutiveFail >= cb.cfg.MaxFailures
	n := cb.consecutiveFail
	cb.mu.Unlock()
	if trip {
		cb.log.Warn("circuit breaker opened", "consecutive_failures", n)
		cb.moveTo(StateOpen)
	}
}

func (cb *CircuitBreaker) success(probing bool) {
	cb.mu.Lock()
	if !probing {
		cb.consecutiveFail = 0
		cb.mu.Unlock()
		return
	}
	cb.trialSuccesses++
	closeNow := cb.state == StateHalfOpen && cb.trialSuccesses >= cb.cfg.HalfOpenMax
	cb.mu.Unlock()
	if closeNow {
		cb.log.Info("circuit breaker closed after successful trials")
		cb.moveTo(StateClosed)
	}
}

// moveTo performs a transition, resets the per-state counters and notifies
// OnStateChange.
func (cb *CircuitBreaker) moveTo(to State) {
	cb.mu.Lock()
	from := cb.state
	if from == to {
		cb.mu.Unlock()
		return
	}
	cb.state = to
	cb.trials, cb.trialSuccesses = 0, 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.cfg.Now()
	case StateClosed:
		cb.consecutiveFail = 0
	}
	cb.mu.Unlock()

	cb.log.Debug("circuit breaker state changed", "from", from, "to", to)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all failure
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.moveTo(StateClosed)
	cb.mu.Lock()
	cb.consecutiveFail = 0
	cb.mu.Unlock()
	cb.log.Info("circuit breaker manually reset")
}
