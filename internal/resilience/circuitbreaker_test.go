package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fail(context.Context) error    { return errTest }
func succeed(context.Context) error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 1 {
		t.Errorf("halfOpenMax = %d, want 1", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
	if cb.Name() != "test" {
		t.Errorf("Name = %q, want test", cb.Name())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		if err := cb.Do(ctx, fail); !errors.Is(err, errTest) {
			t.Fatalf("call %d: err = %v, want errTest", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3})

	_ = cb.Do(ctx, fail)
	_ = cb.Do(ctx, fail)
	_ = cb.Do(ctx, succeed)
	_ = cb.Do(ctx, fail)
	_ = cb.Do(ctx, fail)

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Minute,
		Now:          clock.Now,
	})

	_ = cb.Do(ctx, fail)
	clock.Advance(59 * time.Second)
	if err := cb.Do(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("before timeout: err = %v, want ErrCircuitOpen", err)
	}

	clock.Advance(time.Second)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", got)
	}
	if err := cb.Do(ctx, succeed); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state after probe = %v, want closed", got)
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Minute,
		Now:          clock.Now,
	})

	_ = cb.Do(ctx, fail)
	clock.Advance(time.Minute)
	_ = cb.Do(ctx, fail)

	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	// The reset timeout restarts from the failed probe.
	clock.Advance(30 * time.Second)
	if err := cb.Do(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_ProbeBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
		Now:          clock.Now,
	})
	_ = cb.Do(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Do(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe: err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestCircuitBreaker_CancellationDoesNotTrip(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1})

	err := cb.Do(context.Background(), func(context.Context) error {
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err = cb.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("done ctx: err = %v called = %v, want Canceled without call", err, called)
	}
}

func TestCircuitBreaker_CustomClassifier(t *testing.T) {
	t.Parallel()
	errBadRequest := errors.New("bad request")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, errBadRequest) },
	})

	_ = cb.Do(context.Background(), func(context.Context) error { return errBadRequest })
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	type change struct{ from, to State }
	var changes []change
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "chat",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          clock.Now,
		OnStateChange: func(name string, from, to State) {
			if name != "chat" {
				t.Errorf("hook name = %q, want chat", name)
			}
			changes = append(changes, change{from, to})
		},
	})

	_ = cb.Do(ctx, fail)
	clock.Advance(time.Second)
	_ = cb.Do(ctx, succeed)
	_ = cb.Do(ctx, fail)
	cb.Reset()

	want := []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
		{StateClosed, StateOpen},
		{StateOpen, StateClosed},
	}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %v, want %v", i, changes[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Do(context.Background(), fail)
	cb.Reset()
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	if err := cb.Do(context.Background(), succeed); err != nil {
		t.Fatalf("after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.s, got, tc.want)
		}
	}
}
