// Package resilience guards outbound vendor connections with a circuit
// breaker.
//
// A [Breaker] moves through three states (closed, open, half-open). While
// open, callers fail fast with [ErrCircuitOpen] instead of dialling a vendor
// that has just refused several connections in a row. Failures caused by the
// caller giving up (context cancellation) are never counted against the
// vendor.
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

// ErrCircuitOpen is returned by [Breaker.Execute] when the breaker is open and
// the reset timeout has not yet elapsed, or when the half-open probe budget is
// exhausted.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; a single failure re-opens it.
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

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name labels log lines, typically the provider name.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting probes.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the probe budget and the number of successful probes
	// needed to close again. Default: 3.
	HalfOpenMax int

	// IsFailure classifies errors returned by the guarded function. When nil,
	// every non-nil error except context cancellation counts as a failure.
	IsFailure func(error) bool

	// OnStateChange, when set, is called after every transition while the
	// breaker's lock is not held.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Tests use it to step past the reset timeout.
	Now func() time.Time
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	probesInFlight   int
	probeSuccesses   int
}

// New creates a [Breaker]. Zero-value fields of cfg are replaced with
// defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = DefaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
	}
}

// DefaultIsFailure counts every error except [context.Canceled]. A deadline
// expiry still counts, since it usually means the vendor was too slow.
func DefaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn if the breaker admits the call. It returns
// [ErrCircuitOpen] without calling fn when the breaker is open. If ctx is
// already done, Execute returns its error without touching the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	b.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and reports whether it is a
// half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probesInFlight = 0
		b.probeSuccesses = 0
		fallthrough
	case StateHalfOpen:
		if b.probesInFlight+b.probeSuccesses >= b.halfOpenMax {
			b.mu.Unlock()
			b.notify(from, StateHalfOpen)
			return false, ErrCircuitOpen
		}
		b.probesInFlight++
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return true, nil
	}
	b.mu.Unlock()
	return false, nil
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(probe bool, err error) {
	failed := err != nil && b.isFailure(err)

	b.mu.Lock()
	from := b.state
	if probe {
		b.probesInFlight--
	}

	switch {
	case probe && b.state == StateHalfOpen && failed:
		b.trip()
	case probe && b.state == StateHalfOpen && err == nil:
		b.probeSuccesses++
		if b.probeSuccesses >= b.halfOpenMax {
			b.state = StateClosed
			b.consecutiveFails = 0
		}
	case b.state == StateClosed && failed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.maxFailures {
			b.trip()
		}
	case b.state == StateClosed && err == nil:
		b.consecutiveFails = 0
	}
	to := b.state
	fails := b.consecutiveFails
	b.mu.Unlock()

	if from == to {
		return
	}
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", b.name, "consecutive_failures", fails, "err", err)
	case StateClosed:
		slog.Info("circuit breaker closed after successful probes", "name", b.name)
	}
	b.notify(from, to)
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.probesInFlight = 0
	b.probeSuccesses = 0
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [Breaker.Execute].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Name returns the label given in [Config.Name].
func (b *Breaker) Name() string { return b.name }

// Reset forces the breaker back to [StateClosed] and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFails = 0
	b.probesInFlight = 0
	b.probeSuccesses = 0
	b.mu.Unlock()

	slog.Info("circuit breaker manually reset", "name", b.name)
	b.notify(from, StateClosed)
}
