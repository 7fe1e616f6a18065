// Package breaker implements per-data-source circuit breaking. A
// source that fails repeatedly stops receiving calls for a recovery
// window; a single probe then decides between closing the circuit and
// doubling the wait.
package breaker

import (
	"sync"
	"time"

	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/registry"
)

// State is the circuit state.
type State string

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed State = "closed"

	// StateOpen rejects calls until the retry delay elapses.
	StateOpen State = "open"

	// StateHalfOpen admits exactly one probe call.
	StateHalfOpen State = "half-open"
)

const (
	defaultFailureThreshold = 5
	defaultRetryDelay       = 10 * time.Second
	defaultMaxRetryDelay    = 5 * time.Minute
)

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	RetryAfter          time.Duration `json:"retry_after,omitempty"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
}

// Breaker guards calls to one data source. All methods are safe for
// concurrent use.
type Breaker struct {
	id  string
	cfg registry.BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	delay    time.Duration
	openedAt time.Time
	probing  bool
	forced   bool

	now func() time.Time
}

// New creates a closed breaker for one source.
func New(id string, cfg registry.BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.HalfOpenRetryDelay <= 0 {
		cfg.HalfOpenRetryDelay = defaultRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = defaultMaxRetryDelay
	}
	return &Breaker{
		id:    id,
		cfg:   cfg,
		state: StateClosed,
		delay: cfg.HalfOpenRetryDelay,
		now:   time.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns a
// circuit-open error carrying the remaining wait; once the wait has
// elapsed it admits a single probe and rejects concurrent callers.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.forced {
			return fleeterrors.NewCircuitOpen(b.id, b.delay)
		}
		remaining := b.openedAt.Add(b.delay).Sub(b.now())
		if remaining > 0 {
			return fleeterrors.NewCircuitOpen(b.id, remaining)
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	default: // StateHalfOpen
		if b.probing {
			return fleeterrors.NewCircuitOpen(b.id, b.delay)
		}
		b.probing = true
		return nil
	}
}

// Success records a successful call: the circuit closes and the retry
// delay resets.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.forced {
		return
	}
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.delay = b.cfg.HalfOpenRetryDelay
}

// Failure records a failed call. A closed breaker trips after the
// consecutive-failure threshold; a failed probe reopens with the retry
// delay doubled, capped at the configured maximum.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.forced {
		return
	}
	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.delay *= 2
		if b.delay > b.cfg.MaxRetryDelay {
			b.delay = b.cfg.MaxRetryDelay
		}
		b.state = StateOpen
		b.openedAt = b.now()
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.delay = b.cfg.HalfOpenRetryDelay
		}
	}
}

// ForceOpen trips the breaker until ForceClose. Automatic recovery is
// suspended while forced.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateOpen
	b.openedAt = b.now()
	b.forced = true
	b.probing = false
}

// ForceClose clears a forced or tripped breaker.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.forced = false
	b.delay = b.cfg.HalfOpenRetryDelay
}

// Snapshot returns the breaker's current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{State: b.state, ConsecutiveFailures: b.failures}
	if b.state == StateOpen {
		s.OpenedAt = b.openedAt
		if remaining := b.openedAt.Add(b.delay).Sub(b.now()); remaining > 0 {
			s.RetryAfter = remaining
		}
	}
	return s
}

// Registry holds one breaker per data source.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// For returns the breaker for a source, creating it from cfg on first use.
func (r *Registry) For(id string, cfg registry.BreakerConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[id]
	if !ok {
		b = New(id, cfg)
		r.breakers[id] = b
	}
	return b
}

// Get returns the breaker for a source if one exists.
func (r *Registry) Get(id string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[id]
	return b, ok
}

// Snapshots returns the state of every breaker, keyed by source id.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Snapshot()
	}
	return out
}
