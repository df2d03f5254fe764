// Package stage defines the lifecycle contract shared by every pipeline stage.
//
// A stage moves through Uninitialized → Ready → Running → Closed. Setup
// acquires provider resources and moves the stage to Ready; Run wires the
// stage's input and output streams and starts its goroutines; Teardown
// releases everything and is safe to call from any state, any number of
// times.
//
// The typed Run method is not part of [Stage] because its signature depends
// on the stream kinds the stage consumes and produces.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State is a stage lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateRunning
	StateClosed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrInvalidTransition is returned when a lifecycle method is called in a
	// state that does not allow it (e.g., Run before Setup).
	ErrInvalidTransition = errors.New("stage: invalid lifecycle transition")

	// ErrAlreadyRunning is returned when Run is called on a running stage.
	ErrAlreadyRunning = errors.New("stage: already running")
)

// Stage is the lifecycle surface every pipeline stage exposes.
type Stage interface {
	// Name identifies the stage in logs and errors.
	Name() string

	// Setup acquires provider connections and other resources.
	Setup(ctx context.Context) error

	// Teardown releases all resources. It must be idempotent and must not
	// fail because of the stage's current state.
	Teardown(ctx context.Context) error
}

// Lifecycle tracks a stage's state. Embed it in a stage struct. The zero value
// is in [StateUninitialized] and ready to use.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// MarkReady moves Uninitialized → Ready.
func (l *Lifecycle) MarkReady(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateUninitialized {
		return fmt.Errorf("%w: %s: setup in state %s", ErrInvalidTransition, name, l.state)
	}
	l.state = StateReady
	return nil
}

// MarkRunning moves Ready → Running.
func (l *Lifecycle) MarkRunning(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateReady:
		l.state = StateRunning
		return nil
	case StateRunning:
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	default:
		return fmt.Errorf("%w: %s: run in state %s", ErrInvalidTransition, name, l.state)
	}
}

// MarkClosed moves any state to Closed. It reports whether this call made the
// transition, so callers release resources exactly once.
func (l *Lifecycle) MarkClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return false
	}
	l.state = StateClosed
	return true
}
