package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/tometo/internal/config"
	"github.com/MrWong99/tometo/internal/observe"
	"github.com/MrWong99/tometo/internal/resilience"
	"github.com/MrWong99/tometo/pkg/provider/embeddings"
	"github.com/MrWong99/tometo/pkg/provider/llm"
	"github.com/MrWong99/tometo/pkg/provider/stt"
	"github.com/MrWong99/tometo/pkg/provider/tts"
)

// Providers holds one provider per concern. Nil means not configured.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
}

// breakerConfig is the template for provider and tool breakers. State
// changes are counted in m.
func breakerConfig(m *observe.Metrics) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Info("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			m.RecordBreakerTransition(context.Background(), name, to.String())
		},
	}
}

// BuildProviders instantiates every provider named in cfg through reg. An
// entry with fallbacks is wrapped in a failover group whose members each sit
// behind their own circuit breaker.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	bc := breakerConfig(m)
	ps := &Providers{}

	var err error
	if ps.LLM, err = build(cfg.Providers.LLM, "llm", reg.CreateLLM, bc, func(g *resilience.Group[llm.Provider]) llm.Provider {
		return resilience.LLM{Group: g}
	}); err != nil {
		return nil, err
	}
	if ps.STT, err = build(cfg.Providers.STT, "stt", reg.CreateSTT, bc, func(g *resilience.Group[stt.Provider]) stt.Provider {
		return resilience.STT{Group: g}
	}); err != nil {
		return nil, err
	}
	if ps.TTS, err = build(cfg.Providers.TTS, "tts", reg.CreateTTS, bc, func(g *resilience.Group[tts.Provider]) tts.Provider {
		return resilience.TTS{Group: g}
	}); err != nil {
		return nil, err
	}
	if cfg.Providers.Embeddings.Name != "" {
		if ps.Embeddings, err = reg.CreateEmbeddings(cfg.Providers.Embeddings); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		slog.Info("provider created", "kind", "embeddings", "name", cfg.Providers.Embeddings.Name)
	}
	return ps, nil
}

// build creates the primary and fallbacks of one provider kind. It returns
// the zero value when entry is unset.
func build[T any](entry config.ProviderEntry, kind string, create func(config.ProviderEntry) (T, error), bc resilience.BreakerConfig, wrap func(*resilience.Group[T]) T) (T, error) {
	var zero T
	if entry.Name == "" {
		return zero, nil
	}
	primary, err := create(entry)
	if err != nil {
		return zero, fmt.Errorf("app: %w", err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name, "model", entry.Model)
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}

	g := resilience.NewGroup(kind+"/"+entry.Name, primary, bc)
	for _, fb := range entry.Fallbacks {
		p, err := create(fb)
		if err != nil {
			return zero, fmt.Errorf("app: fallback: %w", err)
		}
		g.Add(kind+"/"+fb.Name, p)
		slog.Info("fallback provider created", "kind", kind, "name", fb.Name, "model", fb.Model)
	}
	return wrap(g), nil
}
