package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/tometo/internal/config"
	"github.com/MrWong99/tometo/internal/observe"
	"github.com/MrWong99/tometo/internal/session"
	"github.com/MrWong99/tometo/internal/stage/aggregate"
	"github.com/MrWong99/tometo/internal/stage/generate"
	"github.com/MrWong99/tometo/internal/transport"
	"github.com/MrWong99/tometo/pkg/provider/tts"
)

// ErrShuttingDown is returned by [SessionManager.Open] after
// [SessionManager.CloseAll].
var ErrShuttingDown = errors.New("app: shutting down")

// SessionInfo describes a live session.
type SessionInfo struct {
	ID        string
	StartedAt time.Time
	Output    config.OutputMode
}

// SessionManager opens one pipeline session per connection and tracks the
// live ones so shutdown can close them. New sessions use the pipeline
// settings current at open time. All methods are safe for concurrent use.
type SessionManager struct {
	providers session.Providers
	metrics   *observe.Metrics

	mu       sync.Mutex
	pipeline config.PipelineConfig
	live     map[string]*trackedSession
	closed   bool
}

// NewSessionManager returns a manager building sessions from providers and
// pipeline.
func NewSessionManager(providers session.Providers, pipeline config.PipelineConfig, m *observe.Metrics) *SessionManager {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		providers: providers,
		metrics:   m,
		pipeline:  pipeline,
		live:      make(map[string]*trackedSession),
	}
}

// SetPipeline replaces the settings used for sessions opened from now on.
// Live sessions keep theirs.
func (sm *SessionManager) SetPipeline(p config.PipelineConfig) {
	sm.mu.Lock()
	sm.pipeline = p
	sm.mu.Unlock()
	slog.Info("pipeline settings updated for new sessions")
}

// Pipeline returns the settings new sessions are built with.
func (sm *SessionManager) Pipeline() config.PipelineConfig {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.pipeline
}

// Open builds and sets up a session. The returned pipeline deregisters
// itself when closed.
func (sm *SessionManager) Open(ctx context.Context) (transport.Pipeline, error) {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil, ErrShuttingDown
	}
	p := sm.pipeline
	sm.mu.Unlock()

	s, err := session.New(sessionConfig(p), sm.providers, session.WithMetrics(sm.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: new session: %w", err)
	}
	if err := s.Setup(ctx); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	ts := &trackedSession{Session: s, sm: sm, info: SessionInfo{ID: s.ID(), StartedAt: time.Now(), Output: p.Output}}
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		_ = s.Close(context.WithoutCancel(ctx))
		return nil, ErrShuttingDown
	}
	sm.live[s.ID()] = ts
	n := len(sm.live)
	sm.mu.Unlock()

	slog.Info("session opened", "session_id", s.ID(), "live", n)
	return ts, nil
}

// Sessions returns the live sessions.
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]SessionInfo, 0, len(sm.live))
	for _, ts := range sm.live {
		out = append(out, ts.info)
	}
	return out
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.live)
}

// CloseAll closes every live session and refuses new ones. Errors are
// joined.
func (sm *SessionManager) CloseAll(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	live := make([]*trackedSession, 0, len(sm.live))
	for _, ts := range sm.live {
		live = append(live, ts)
	}
	sm.mu.Unlock()

	var errs []error
	for _, ts := range live {
		if err := ts.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", ts.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (sm *SessionManager) remove(id string) {
	sm.mu.Lock()
	delete(sm.live, id)
	n := len(sm.live)
	sm.mu.Unlock()
	slog.Info("session closed", "session_id", id, "live", n)
}

type trackedSession struct {
	*session.Session
	sm   *SessionManager
	info SessionInfo
	once sync.Once
}

func (t *trackedSession) Close(ctx context.Context) error {
	err := t.Session.Close(ctx)
	t.once.Do(func() { t.sm.remove(t.ID()) })
	return err
}

// sessionConfig maps pipeline settings to a session config.
func sessionConfig(p config.PipelineConfig) session.Config {
	return session.Config{
		SampleRate: p.SampleRate,
		Channels:   p.Channels,
		Language:   p.Language,
		InputAudio: p.AudioInput(),
		Output:     session.OutputMode(p.Output),
		Capacity:   p.BufferSize,
		Generate: generate.Config{
			SystemPrompt:     p.SystemPrompt,
			Temperature:      p.Temperature,
			MaxTokens:        p.MaxTokens,
			ToolTimeout:      p.ToolTimeout,
			MaxToolRounds:    p.MaxToolRounds,
			MaxContextTokens: p.MaxContextTokens,
		},
		Aggregate: aggregate.Config{
			MaxRunes: p.Aggregation.MaxRunes,
			MaxAge:   p.Aggregation.MaxAge,
		},
		Voice:        tts.VoiceProfile{ID: p.Voice.VoiceID, SpeedFactor: p.Voice.SpeedFactor},
		ErrorPhrase:  p.ErrorPhrase,
		DebugObserve: p.Debug.Observe,
	}
}
