// Package kirana assembles the conversation core into one engine: a
// backend provider, a tool registry, remote tool sessions, and a dispatch
// loop per conversation session.
package kirana

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kirana/pkg/conversation"
	"github.com/harunnryd/kirana/pkg/dispatch"
	"github.com/harunnryd/kirana/pkg/llm"
	"github.com/harunnryd/kirana/pkg/logging"
	"github.com/harunnryd/kirana/pkg/metrics"
	"github.com/harunnryd/kirana/pkg/observers"
	"github.com/harunnryd/kirana/pkg/redact"
	"github.com/harunnryd/kirana/pkg/remote"
	"github.com/harunnryd/kirana/pkg/resilience"
	"github.com/harunnryd/kirana/pkg/tool"
)

type Engine struct {
	cfg      Config
	backend     llm.Backend
	tools       *tool.Registry
	remotes     []*remote.Session
	breaker     *resilience.CircuitBreaker
	asyncObs    *metrics.AsyncObserver
	timeline    *observers.TimelineObserver
	metricsFile *os.File
	log         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	state *conversation.State
	loop  *dispatch.Loop
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Backend bypasses the provider registry when set.
	Backend llm.Backend
	// Tools seeds the registry; nil starts empty.
	Tools *tool.Registry
	// Extra observers appended to the builtin ones.
	Observers []metrics.Observer
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	log := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	slog.SetDefault(log)
	redact.SetEnabled(cfg.Privacy.RedactArgs)

	slog.Info("kirana_init",
		"environment", cfg.Environment,
		"backend_provider", cfg.Backend.Provider,
		"backend_model", cfg.Backend.Model,
		"remotes", len(cfg.Remotes),
	)

	obsList := []metrics.Observer{observers.NewLoggerObserver(slog.Default())}
	obsList = append(obsList, opts.Observers...)
	var timelineObs *observers.TimelineObserver
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		timelineObs = observers.NewTimelineObserver(dir)
		obsList = append(obsList, timelineObs)
	}
	var metricsFile *os.File
	if path := strings.TrimSpace(cfg.Observability.MetricsPath); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		metricsFile = f
		obsList = append(obsList, metrics.NewJSONLObserver(f))
	}
	asyncObs := metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)

	backend := opts.Backend
	if backend == nil {
		providers := opts.Providers
		if providers == nil {
			providers = NewProviderRegistry()
		}
		built, err := providers.BuildBackend(ctx, cfg.Backend.Provider, cfg)
		if err != nil {
			asyncObs.Close()
			if metricsFile != nil {
				_ = metricsFile.Close()
			}
			return nil, err
		}
		backend = built
	}

	tools := opts.Tools
	if tools == nil {
		tools = tool.NewRegistry()
	}

	remotes := make([]*remote.Session, 0, len(cfg.Remotes))
	for _, rc := range cfg.Remotes {
		remotes = append(remotes, remote.NewSession(rc.Name, rc.Transport))
	}

	return &Engine{
		cfg:         cfg,
		backend:     backend,
		tools:       tools,
		remotes:     remotes,
		breaker:     resilience.NewCircuitBreaker(0, 0),
		asyncObs:    asyncObs,
		timeline:    timelineObs,
		metricsFile: metricsFile,
		log:         logging.NewComponentLogger(log, "engine"),
		sessions:    make(map[string]*session),
	}, nil
}

// RegisterTool adds or replaces a local tool.
func (e *Engine) RegisterTool(name, description string, schema tool.Schema, handler tool.Handler) error {
	return e.tools.RegisterEntry(tool.Entry{
		Name:        name,
		Description: description,
		Schema:      schema,
		Handler:     handler,
	})
}

// BindRemotes connects every configured remote server and registers its
// tools. Returns the bound tool names grouped by remote name.
func (e *Engine) BindRemotes(ctx context.Context) (map[string][]string, error) {
	bound := make(map[string][]string, len(e.remotes))
	for _, session := range e.remotes {
		names, err := remote.Bind(ctx, e.tools, session)
		if err != nil {
			return bound, fmt.Errorf("bind remote %s: %w", session.Name(), err)
		}
		bound[session.Name()] = names
		e.log.Info("remote_bound", "remote", session.Name(), "tools", len(names))
	}
	return bound, nil
}

// BindRemote attaches one remote tool server ad hoc and registers its
// tools. The new session lease applies to sessions started afterward.
func (e *Engine) BindRemote(ctx context.Context, name, transport string) ([]string, error) {
	session := remote.NewSession(name, transport)
	names, err := remote.Bind(ctx, e.tools, session)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("bind remote %s: %w", name, err)
	}
	e.mu.Lock()
	e.remotes = append(e.remotes, session)
	e.mu.Unlock()
	e.log.Info("remote_bound", "remote", name, "tools", len(names))
	return names, nil
}

// StartSession creates a fresh conversation session and returns its id.
func (e *Engine) StartSession() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", fmt.Errorf("engine is closed")
	}
	state := conversation.NewState()
	scoped := make([]dispatch.Scoped, len(e.remotes))
	for i, r := range e.remotes {
		scoped[i] = r
	}
	loop := dispatch.New(e.backend, e.tools, state, dispatch.Options{
		MaxSteps:        e.cfg.Dispatch.MaxSteps,
		ToolConcurrency: e.cfg.Tools.Concurrency,
		ToolTimeout:     e.cfg.Tools.Timeout(),
		Retry:           resilience.NewRetryPolicy(e.cfg.Backend.Retries, e.cfg.Backend.RetryBackoff()),
		Breaker:         e.breaker,
		System:          e.cfg.BasePrompt,
		Generation: llm.Options{
			Temperature:     e.cfg.Dispatch.Temperature,
			MaxOutputTokens: e.cfg.Dispatch.MaxOutputTokens,
			StopSequences:   e.cfg.Dispatch.StopSequences,
		},
		Scoped:   scoped,
		Observer: e.asyncObs,
		Logger:   logging.NewComponentLogger(e.log, "dispatch"),
	})
	e.sessions[state.ID()] = &session{state: state, loop: loop}
	e.log.Info("session_started", "session_id", state.ID())
	return state.ID(), nil
}

// Send drives one user message through the session's dispatch loop.
func (e *Engine) Send(ctx context.Context, sessionID, content string) (dispatch.Result, error) {
	return e.SendParts(ctx, sessionID, conversation.TextPart(content))
}

// SendParts is Send for multi-part turns, e.g. text plus an image.
func (e *Engine) SendParts(ctx context.Context, sessionID string, parts ...conversation.Part) (dispatch.Result, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return dispatch.Result{}, err
	}
	started := time.Now()
	res, err := sess.loop.Send(ctx, parts...)
	if err != nil {
		return dispatch.Result{}, err
	}
	e.log.Info("exchange_done",
		"session_id", sessionID,
		"steps", res.Steps,
		"total_tokens", res.Usage.TotalTokens,
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
	return res, nil
}

// History returns the session's turn history in creation order.
func (e *Engine) History(sessionID string) ([]conversation.Turn, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.state.Turns(), nil
}

// SessionState reports where the session's dispatch loop currently is.
func (e *Engine) SessionState(sessionID string) (dispatch.State, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return dispatch.StateIdle, err
	}
	return sess.loop.State(), nil
}

// ResetSession clears a session's history. Fails while an exchange is in
// flight.
func (e *Engine) ResetSession(sessionID string) error {
	sess, err := e.session(sessionID)
	if err != nil {
		return err
	}
	return sess.state.Reset()
}

// EndSession drops a session. In-flight exchanges finish on their own.
func (e *Engine) EndSession(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
}

func (e *Engine) session(id string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown session: %s", id)
	}
	return sess, nil
}

// Close tears down remote sessions and flushes observers.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	remotes := make([]*remote.Session, len(e.remotes))
	copy(remotes, e.remotes)
	e.mu.Unlock()

	var firstErr error
	for _, r := range remotes {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if closer, ok := e.backend.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.asyncObs.Close()
	if e.timeline != nil {
		if err := e.timeline.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.metricsFile != nil {
		if err := e.metricsFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
