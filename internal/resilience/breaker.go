// Package resilience provides a circuit breaker and provider failover.
//
// [Breaker] guards a single dependency: a tool, or one provider inside a
// [Group]. A Group tries several instances of the same provider kind in order
// and skips any whose breaker is open.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cool-down elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through.
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

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the consecutive failure count that opens the breaker.
	// Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close.
	// Default: 1.
	Probes int

	// OnStateChange, if set, is called after every transition with the
	// breaker's mutex released.
	OnStateChange func(name string, from, to State)
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int
	passed   int
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn unless the breaker is open. fn's error counts as a failure.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err == nil)
	return err
}

// State reports the current state. An open breaker whose cool-down has
// elapsed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.transition(func() State {
		b.failures, b.inFlight, b.passed = 0, 0, 0
		return StateClosed
	})
}

func (b *Breaker) admit() (probe bool, err error) {
	var from, to State
	b.mu.Lock()
	from = b.state
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.inFlight, b.passed = 0, 0
		fallthrough
	case StateHalfOpen:
		if b.inFlight >= b.cfg.Probes {
			to = b.state
			b.mu.Unlock()
			b.notify(from, to)
			return false, ErrCircuitOpen
		}
		b.inFlight++
		probe = true
	}
	to = b.state
	b.mu.Unlock()
	b.notify(from, to)
	return probe, nil
}

func (b *Breaker) record(probe, ok bool) {
	b.transition(func() State {
		switch {
		case probe && ok:
			b.passed++
			if b.passed >= b.cfg.Probes {
				b.failures = 0
				return StateClosed
			}
			return b.state
		case probe:
			b.openedAt = b.now()
			return StateOpen
		case ok:
			b.failures = 0
			return b.state
		default:
			b.failures++
			if b.failures >= b.cfg.MaxFailures && b.state == StateClosed {
				b.openedAt = b.now()
				return StateOpen
			}
			return b.state
		}
	})
}

// transition applies next under the mutex and reports a state change.
func (b *Breaker) transition(next func() State) {
	b.mu.Lock()
	from := b.state
	b.state = next()
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	slog.Info("circuit breaker state change", "name", b.cfg.Name, "from", from, "to", to)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
