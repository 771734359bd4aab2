// Package circuitbreaker implements a per-backend CLOSED/OPEN/HALF_OPEN
// state machine.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/fleetproxy/frontdoor/internal/proxyerrors"
)

// ErrOpen is returned by Execute when the circuit is not currently allowing
// requests through.
var ErrOpen = proxyerrors.New(proxyerrors.ErrCircuitOpen, "circuit breaker is open", nil)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker. Zero values fall back to conservative defaults.
type Config struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	ResetTimeout     time.Duration
	HalfOpenProbes   int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 2
	}
	return c
}

// Breaker is one per-backend circuit breaker. All fields are guarded by mu;
// there is a single critical section per operation so the OPEN→HALF_OPEN
// transition admits exactly one extra caller.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state              State
	failureCount       int
	successCount       int // successes accumulated while HALF_OPEN
	halfOpenProbeCount int
	stateEnteredAt     time.Time
	lastFailureAt      time.Time
}

// New creates a Breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:            cfg.withDefaults(),
		state:          StateClosed,
		stateEnteredAt: time.Now(),
	}
}

// AllowRequest reports whether a request should be let through right now.
// Calling it can itself cause a state transition (OPEN → HALF_OPEN once
// open_timeout has elapsed).
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowRequestLocked(time.Now())
}

func (b *Breaker) allowRequestLocked(now time.Time) bool {
	switch b.state {
	case StateClosed:
		if !b.lastFailureAt.IsZero() && now.Sub(b.lastFailureAt) >= b.cfg.ResetTimeout {
			b.failureCount = 0
		}
		return true
	case StateOpen:
		if now.Sub(b.stateEnteredAt) >= b.cfg.OpenTimeout {
			b.transitionTo(StateHalfOpen, now)
			b.halfOpenProbeCount = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenProbeCount < b.cfg.HalfOpenProbes {
			b.halfOpenProbeCount++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordResult reports the outcome of a request that AllowRequest most
// recently admitted.
func (b *Breaker) RecordResult(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()

	if err != nil {
		b.failureCount++
		b.lastFailureAt = now

		switch b.state {
		case StateClosed:
			if b.failureCount >= b.cfg.FailureThreshold {
				b.transitionTo(StateOpen, now)
			}
		case StateHalfOpen:
			b.transitionTo(StateOpen, now)
			b.halfOpenProbeCount = 0
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenProbes {
			b.transitionTo(StateClosed, now)
		}
	}
}

// Execute runs op only if AllowRequest permits it, recording the outcome
// automatically. It returns the breaker's own rejection error when the
// circuit is not allowing requests.
func (b *Breaker) Execute(op func() error) error {
	if !b.AllowRequest() {
		return ErrOpen
	}
	err := op()
	b.RecordResult(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset restores the breaker to CLOSED with zeroed counters. Exposed on the
// admin surface for manually clearing a tripped backend.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed, time.Now())
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenProbeCount = 0
}

// transitionTo must be called with mu held. State transitions are
// monotonic with respect to stateEnteredAt: every transition, including a
// same-state no-op, stamps a fresh entry time.
func (b *Breaker) transitionTo(next State, now time.Time) {
	b.state = next
	b.stateEnteredAt = now
	if next == StateHalfOpen {
		b.successCount = 0
	}
}
