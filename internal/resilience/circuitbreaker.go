// Package resilience guards calls to remote generative APIs.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering an endpoint after repeated failures. [FallbackGroup] puts
// one breaker in front of each of several interchangeable targets, such as
// a preferred model and its cheaper fallbacks, and walks them in order.
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

// ErrCircuitOpen is returned by [CircuitBreaker.Do] while the breaker is open
// or its half-open probe budget is used up.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed since the last failure.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure opens it again.
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
	// Name is a human-readable label used in log messages and hooks.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before it allows
	// probes. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: 1.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs with
	// no breaker lock held.
	OnStateChange func(name string, from, to State)

	// IsFailure classifies errors returned by the guarded call. The default
	// counts every error except context cancellation.
	IsFailure func(error) bool

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)
	isFailure     func(error) bool
	now           func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	probes       int // probes admitted in the current half-open window
	probeSuccess int
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
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		isFailure:     cfg.IsFailure,
		now:           cfg.Now,
	}
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Do runs fn if the breaker allows it and records the outcome. A context
// that is already done short-circuits with its error and is not counted.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, err := cb.acquire()
	if err != nil {
		return err
	}

	err = fn(ctx)

	var from, to State
	changed := false
	cb.mu.Lock()
	switch {
	case err == nil:
		from, to, changed = cb.onSuccessLocked(probe)
	case cb.isFailure(err):
		from, to, changed = cb.onFailureLocked(probe)
	default:
		// Neutral outcome: release the probe slot so another call can try.
		if probe && cb.state == StateHalfOpen {
			cb.probes--
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, to)
	}
	return err
}

// acquire decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) acquire() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeSuccess = 0
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.probes++
		probe = true
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
	return probe, nil
}

func (cb *CircuitBreaker) onSuccessLocked(probe bool) (from, to State, changed bool) {
	if !probe || cb.state != StateHalfOpen {
		cb.failures = 0
		return cb.state, cb.state, false
	}
	cb.probeSuccess++
	if cb.probeSuccess < cb.halfOpenMax {
		return cb.state, cb.state, false
	}
	cb.state = StateClosed
	cb.failures = 0
	return StateHalfOpen, StateClosed, true
}

func (cb *CircuitBreaker) onFailureLocked(probe bool) (from, to State, changed bool) {
	from = cb.state
	if probe && cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		return from, StateOpen, true
	}
	if cb.state != StateClosed {
		return from, from, false
	}
	cb.failures++
	if cb.failures < cb.maxFailures {
		return from, from, false
	}
	cb.state = StateOpen
	cb.openedAt = cb.now()
	return from, StateOpen, true
}

func (cb *CircuitBreaker) notify(from, to State) {
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.name, "from", from.String())
	case StateHalfOpen:
		slog.Info("circuit breaker probing", "name", cb.name)
	case StateClosed:
		slog.Info("circuit breaker closed", "name", cb.name)
	}
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed] and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeSuccess = 0
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
