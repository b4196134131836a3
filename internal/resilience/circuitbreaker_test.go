package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock.
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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fail(context.Context) error    { return errTest }
func succeed(context.Context) error { return nil }

func TestNew_Defaults(t *testing.T) {
	b := New(Config{Name: "test"})
	if b.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", b.maxFailures)
	}
	if b.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", b.resetTimeout)
	}
	if b.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", b.halfOpenMax)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
	if b.Name() != "test" {
		t.Errorf("Name() = %q, want test", b.Name())
	}
}

func TestBreaker_ClosedPassesContext(t *testing.T) {
	b := New(Config{})
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")

	var got any
	err := b.Execute(ctx, func(ctx context.Context) error {
		got = ctx.Value(key{})
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "v" {
		t.Errorf("fn saw context value %v, want v", got)
	}
}

func TestBreaker_ClosedToOpen(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{MaxFailures: 3, Now: clock.Now})
	ctx := context.Background()

	for range 3 {
		if err := b.Execute(ctx, fail); !errors.Is(err, errTest) {
			t.Fatalf("Execute err = %v, want errTest", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error {
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

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(Config{MaxFailures: 3})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenClosesAfterProbes(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 2, Now: clock.Now})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	clock.Advance(time.Minute)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after timeout = %v, want half-open", b.State())
	}

	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state after one probe = %v, want half-open", b.State())
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state after probes = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{MaxFailures: 1, ResetTimeout: time.Minute, Now: clock.Now})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Minute)

	if err := b.Execute(ctx, fail); !errors.Is(err, errTest) {
		t.Fatalf("probe err = %v, want errTest", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	// The reset timeout restarts from the failed probe.
	clock.Advance(30 * time.Second)
	if err := b.Execute(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_HalfOpenProbeBudget(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1, Now: clock.Now})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Execute(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe err = %v, want ErrCircuitOpen", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	b := New(Config{MaxFailures: 1})

	err := b.Execute(context.Background(), func(context.Context) error {
		return fmt.Errorf("dial: %w", context.Canceled)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_DoneContextSkipsCall(t *testing.T) {
	b := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if called {
		t.Error("fn called with a done context")
	}
}

func TestBreaker_CustomIsFailure(t *testing.T) {
	errBadRequest := errors.New("bad request")
	b := New(Config{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, errBadRequest) },
	})

	_ = b.Execute(context.Background(), func(context.Context) error { return errBadRequest })
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := New(Config{
		Name:         "deepgram",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
		Now:          clock.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)
	_ = b.Execute(ctx, succeed)

	want := []string{
		"deepgram:closed->open",
		"deepgram:open->half-open",
		"deepgram:half-open->closed",
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New(Config{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = b.Execute(context.Background(), fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state after Reset = %v, want closed", b.State())
	}
	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Errorf("Execute after Reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := New(Config{MaxFailures: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.Execute(ctx, fail)
			} else {
				_ = b.Execute(ctx, succeed)
			}
			_ = b.State()
		}()
	}
	wg.Wait()
}
