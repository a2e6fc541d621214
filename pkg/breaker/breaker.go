package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/log"
	"github.com/corvid-labs/rookery/pkg/metrics"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed - normal operation, calls pass through
	StateClosed State = iota
	// StateOpen - fenced off, calls rejected until the open timeout elapses
	StateOpen
	// StateHalfOpen - probing recovery with limited concurrency
	StateHalfOpen
)

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

// Config tunes breaker behavior.
type Config struct {
	FailureThreshold int           // consecutive failures to open (default 5)
	SuccessThreshold int           // consecutive half-open successes to close (default 2)
	OpenTimeout      time.Duration // time fenced before probing (default 30s)
	HalfOpenLimit    int           // max concurrent half-open probes (default 1)

	// OnStateChange is invoked after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		HalfOpenLimit:    1,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenLimit <= 0 {
		c.HalfOpenLimit = 1
	}
	return c
}

// Breaker gates calls to one named collaborator.
type Breaker struct {
	name   string
	config Config

	mu             sync.Mutex
	state          State
	failureCount   int
	successCount   int
	openedAt       time.Time
	halfOpenFlight int
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(name string, config Config) *Breaker {
	return &Breaker{
		name:   name,
		config: config.withDefaults(),
		state:  StateClosed,
	}
}

// Execute runs fn under the breaker. Callers receive either fn's result or a
// CircuitOpen error; the probe admission mechanics are not observable.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	// Context cancellation says nothing about the collaborator's health.
	if err != nil && ctx.Err() != nil {
		b.Drop()
		return err
	}
	b.release(err)
	return err
}

// Allow reserves an admission slot without executing anything. Every Allow
// that returns nil must be paired with a Mark call.
func (b *Breaker) Allow() error {
	return b.acquire()
}

// Mark records the outcome of a call admitted by Allow. Pass nil for success.
func (b *Breaker) Mark(err error) {
	b.release(err)
}

// Drop returns an admission slot from Allow without recording an outcome.
// For calls that never reached the collaborator.
func (b *Breaker) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenFlight > 0 {
		b.halfOpenFlight--
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot reports breaker internals for diagnostics.
type Snapshot struct {
	Name         string
	State        State
	FailureCount int
	SuccessCount int
	OpenedAt     time.Time
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		OpenedAt:     b.openedAt,
	}
}

// Reset forces the breaker closed and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenFlight = 0
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.openedAt) >= b.config.OpenTimeout {
			b.setState(StateHalfOpen)
			b.successCount = 0
			b.halfOpenFlight = 1
			return nil
		}
		metrics.CircuitRejectionsTotal.WithLabelValues(b.name).Inc()
		return errdefs.CircuitOpen("circuit open for %s, retry in %s",
			b.name, (b.config.OpenTimeout - time.Since(b.openedAt)).Round(time.Millisecond))

	case StateHalfOpen:
		if b.halfOpenFlight >= b.config.HalfOpenLimit {
			metrics.CircuitRejectionsTotal.WithLabelValues(b.name).Inc()
			return errdefs.CircuitOpen("circuit half-open for %s, probe limit reached", b.name)
		}
		b.halfOpenFlight++
		return nil
	}
	return errdefs.Internal("unknown circuit state %v", b.state)
}

func (b *Breaker) release(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenFlight > 0 {
		b.halfOpenFlight--
	}

	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.setState(StateClosed)
			b.failureCount = 0
			b.successCount = 0
			log.WithComponent("breaker").Info().
				Str("name", b.name).
				Msg("circuit closed, collaborator recovered")
		}
	}
}

func (b *Breaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.openedAt = time.Now()
			b.setState(StateOpen)
			log.WithComponent("breaker").Warn().
				Str("name", b.name).
				Int("failures", b.failureCount).
				Msg("circuit opened")
		}

	case StateHalfOpen:
		b.openedAt = time.Now()
		b.successCount = 0
		b.setState(StateOpen)
		log.WithComponent("breaker").Warn().
			Str("name", b.name).
			Msg("circuit reopened, probe failed")

	case StateOpen:
		b.openedAt = time.Now()
	}
}

func (b *Breaker) setState(next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	metrics.CircuitState.WithLabelValues(b.name).Set(float64(next))
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, prev, next)
	}
}
