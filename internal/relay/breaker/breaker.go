// Package breaker implements the per-endpoint circuit breaker suppressing
// deliveries to a failing consumer.
package breaker

import (
	"sync"
	"time"
)

// State of a breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds the breaker thresholds.
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Cooldown is the base open window before a half-open probe.
	Cooldown time.Duration
	// MaxCooldown caps the exponential extension after failed probes.
	MaxCooldown time.Duration
}

// DefaultConfig carries conservative defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:   5,
		Cooldown:    30 * time.Second,
		MaxCooldown: 10 * time.Minute,
	}
}

// Breaker is one endpoint's failure state machine.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	failures int
	openedAt time.Time
	cooldown time.Duration
	now      func() time.Time
}

func newBreaker(cfg Config, now func() time.Time) *Breaker {
	return &Breaker{
		cfg:      cfg,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
		now:      now,
	}
}

// Allow reports whether a delivery may proceed. An open breaker whose
// cooldown has elapsed transitions to half-open and admits exactly one
// probe; further calls are refused until the probe reports its result.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			return true
		}
		return false
	default: // half-open, probe in flight
		return false
	}
}

// RecordSuccess closes a half-open breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.cooldown = b.cfg.Cooldown
	}
}

// RecordFailure counts a failure. Reaching the threshold opens the
// breaker; a failed half-open probe re-opens it with a doubled window,
// capped at MaxCooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.state = StateOpen
		b.openedAt = b.now()
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.cooldown = b.cfg.Cooldown
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Manager holds one breaker per endpoint hash, created lazily.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
	now      func() time.Time
}

// NewManager creates a manager with the given thresholds.
func NewManager(cfg Config) *Manager {
	return NewManagerWithClock(cfg, time.Now)
}

// NewManagerWithClock injects the clock. Intended for tests.
func NewManagerWithClock(cfg Config, now func() time.Time) *Manager {
	if cfg.Threshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
		now:      now,
	}
}

// Get returns the breaker for an endpoint hash, creating it closed.
func (m *Manager) Get(hash string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.breakers[hash]
	if !ok {
		b = newBreaker(m.cfg, m.now)
		m.breakers[hash] = b
	}
	return b
}

// Allow reports whether deliveries to the endpoint may proceed.
func (m *Manager) Allow(hash string) bool {
	return m.Get(hash).Allow()
}

// RecordSuccess forwards to the endpoint's breaker.
func (m *Manager) RecordSuccess(hash string) {
	m.Get(hash).RecordSuccess()
}

// RecordFailure forwards to the endpoint's breaker.
func (m *Manager) RecordFailure(hash string) {
	m.Get(hash).RecordFailure()
}

// State returns the endpoint's breaker state.
func (m *Manager) State(hash string) State {
	return m.Get(hash).State()
}
