package tool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/tometo/internal/resilience"
	"github.com/MrWong99/tometo/pkg/provider/llm"
)

// suggestThreshold is the minimum Jaro-Winkler similarity for a did-you-mean
// suggestion.
const suggestThreshold = 0.85

type entry struct {
	tool    *Tool
	breaker *resilience.Breaker
}

// Registry maps tool names to tools. Dispatch is by exact name. Each tool is
// guarded by its own circuit breaker; validation errors do not count as
// failures.
//
// A Registry is safe for concurrent use. It is typically built once at
// startup and shared read-only by all sessions.
type Registry struct {
	breaker resilience.BreakerConfig

	mu    sync.RWMutex
	tools map[string]entry
	order []string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBreaker sets the circuit breaker template applied to every tool.
func WithBreaker(cfg resilience.BreakerConfig) RegistryOption {
	return func(r *Registry) { r.breaker = cfg }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{tools: make(map[string]entry)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds t. It fails with [ErrDuplicateTool] if the name is taken.
func (r *Registry) Register(t *Tool) error {
	if t == nil {
		return errors.New("tool: register nil tool")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, t.name)
	}
	cfg := r.breaker
	cfg.Name = "tool/" + t.name
	r.tools[t.name] = entry{tool: t, breaker: resilience.NewBreaker(cfg)}
	r.order = append(r.order, t.name)
	return nil
}

// Lookup returns the tool registered under name, or an [*UnknownToolError].
func (r *Registry) Lookup(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tools[name]; ok {
		return e.tool, nil
	}
	return nil, &UnknownToolError{Name: name, Suggestion: r.closest(name)}
}

// closest returns the most similar registered name. Must be called with r.mu
// held.
func (r *Registry) closest(name string) string {
	best, bestScore := "", 0.0
	for _, n := range r.order {
		if s := matchr.JaroWinkler(name, n, false); s > bestScore {
			best, bestScore = n, s
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Definitions returns the descriptors of all tools in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, n := range r.order {
		defs = append(defs, r.tools[n].tool.Definition())
	}
	return defs
}

// Invoke calls the named tool with JSON args. It returns an
// [*UnknownToolError] for unregistered names, [resilience.ErrCircuitOpen]
// while the tool's breaker is open, and a [*ValidationError] for arguments or
// results that do not match the schemas.
func (r *Registry) Invoke(ctx context.Context, name, args string) (string, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	if !ok {
		err := &UnknownToolError{Name: name, Suggestion: r.closest(name)}
		r.mu.RUnlock()
		return "", err
	}
	r.mu.RUnlock()

	var (
		out     string
		callErr error
	)
	err := e.breaker.Do(func() error {
		out, callErr = e.tool.Call(ctx, args)
		var verr *ValidationError
		if errors.As(callErr, &verr) && !verr.Output {
			return nil
		}
		return callErr
	})
	if err != nil && callErr == nil {
		return "", fmt.Errorf("tool %q: %w", name, err)
	}
	return out, callErr
}
