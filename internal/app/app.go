// Package app wires the Murmux subsystems into a running server.
//
// The App struct owns the server lifecycle: New assembles the session
// manager and the HTTP surface (probes, metrics, the WebSocket session
// endpoint), Run binds the listener and serves until the context is
// cancelled, and Shutdown drains live sessions in order.
//
// For testing, inject doubles via functional options (WithManager,
// WithMetrics, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/murmux/murmux/internal/config"
	"github.com/murmux/murmux/internal/health"
	"github.com/murmux/murmux/internal/observe"
	"github.com/murmux/murmux/internal/session"
	"github.com/murmux/murmux/internal/turn"
	"github.com/murmux/murmux/pkg/transport"
	"github.com/murmux/murmux/pkg/vad"
)

// acceptDrainTimeout bounds how long Run waits for in-flight probe and
// metrics requests once the listener stops accepting. Voice sessions ride
// hijacked connections and are drained separately by Shutdown.
const acceptDrainTimeout = 5 * time.Second

// errAtCapacity is reported by the readiness capacity check while the
// session cap is reached.
var errAtCapacity = errors.New("session cap reached")

// App owns the server lifecycle around the voice pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	log      *slog.Logger
	metrics  *observe.Metrics
	logLevel *slog.LevelVar

	manager *session.Manager
	gate    *health.Gate
	handler http.Handler
	srv     *http.Server

	mu   sync.Mutex
	addr string

	stopOnce sync.Once
}

// Option is a functional option for [New]. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the application logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMetrics sets the metrics instruments. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithManager injects a session manager instead of creating one from the
// config.
func WithManager(m *session.Manager) Option {
	return func(a *App) { a.manager = m }
}

// WithLogLevelVar hands the app the level var behind the process logger so
// configuration reloads can adjust verbosity at runtime.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New assembles the server from a validated config and constructed providers.
// It performs no I/O; the listener is bound by [App.Run].
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		gate:      &health.Gate{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Providers ─────────────────────────────────────────────────────
	if providers == nil || providers.ASR == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, errors.New("app: asr, llm and tts providers are all required")
	}

	// ── 2. Session manager ───────────────────────────────────────────────
	if a.manager == nil {
		a.manager = session.NewManager(sessionConfig(cfg, providers),
			session.WithMaxSessions(cfg.Server.MaxSessions),
			session.WithManagerLogger(a.log),
			session.WithManagerMetrics(a.metrics),
		)
	}

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.buildHandler()

	return a, nil
}

// buildHandler assembles the HTTP mux: probes, Prometheus scrape, and the
// WebSocket session endpoint, all behind the tracing middleware.
func (a *App) buildHandler() http.Handler {
	checks := health.New(
		a.gate.Checker("accepting"),
		health.Checker{Name: "capacity", Check: func(context.Context) error {
			if a.manager.AtCapacity() {
				return errAtCapacity
			}
			return nil
		}},
	)

	mux := http.NewServeMux()
	checks.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/session", a.handleSession)

	return observe.Middleware(a.metrics)(mux)
}

// handleSession upgrades the request and runs a full voice session on it.
// The handler blocks for the session's lifetime; admission failures are
// reflected to the peer by the manager, so nothing is written here.
func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r)
	if err != nil {
		a.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	_ = a.manager.Serve(r.Context(), conn)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run binds the configured listener and serves until ctx is cancelled or the
// server fails. On cancellation it flips readiness off and stops accepting;
// live sessions are left to [App.Shutdown]. Returns ctx.Err() after a clean
// stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
	}

	a.mu.Lock()
	a.addr = ln.Addr().String()
	a.srv = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.mu.Unlock()

	a.gate.Set(true)
	a.log.Info("server listening",
		"addr", ln.Addr().String(),
		"tls", a.cfg.Server.TLS != nil,
		"max_sessions", a.cfg.Server.MaxSessions,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if t := a.cfg.Server.TLS; t != nil {
			err = a.srv.ServeTLS(ln, t.CertFile, t.KeyFile)
		} else {
			err = a.srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.gate.Set(false)

		drainCtx, cancel := context.WithTimeout(context.Background(), acceptDrainTimeout)
		defer cancel()
		if err := a.srv.Shutdown(drainCtx); err != nil {
			return fmt.Errorf("app: stop accepting: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Addr returns the bound listen address once Run has opened the listener and
// "" before that. Useful when the configured address picks a random port.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Handler exposes the assembled HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains live sessions, bounded by ctx. Call after Run returns; it
// is safe to call any number of times.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.gate.Set(false)
		a.log.Info("shutting down", "active_sessions", a.manager.Count())

		if err := a.manager.CloseAll(ctx); err != nil {
			a.log.Warn("session drain incomplete", "err", err)
			shutdownErr = err
			return
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Configuration reload ────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable subset of a configuration change.
// Log level and session cap take effect immediately; prompt and detector
// tuning apply to sessions admitted after the call. Intended as the
// [config.Watcher] change callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.MaxSessionsChanged {
		a.manager.SetMaxSessions(d.NewMaxSessions)
		a.log.Info("session cap changed", "max_sessions", d.NewMaxSessions)
	}
	if d.SystemPromptChanged || d.VADChanged {
		a.manager.UpdateConfig(sessionConfig(new, a.providers))
		a.log.Info("pipeline tuning changed, applies to new sessions")
	}
}

// sessionConfig translates the YAML configuration into the pipeline
// configuration shared by every admitted connection.
func sessionConfig(cfg *config.Config, p *Providers) session.Config {
	return session.Config{
		Format:        cfg.Audio.Format(),
		FrameDuration: cfg.Audio.FrameDuration(),
		VAD: vad.Config{
			FrameDuration:      cfg.Audio.FrameDuration(),
			Threshold:          cfg.VAD.Threshold,
			SmoothingWindow:    cfg.VAD.SmoothingWindow,
			MinSpeechDuration:  cfg.VAD.MinSpeech(),
			MaxSilenceDuration: cfg.VAD.MaxSilence(),
			WatchdogInterval:   cfg.VAD.Watchdog(),
		},
		SilencePadding: cfg.VAD.SilencePadding(),
		PlaybackTick:   cfg.Playback.Tick(),
		Providers:      turn.Providers{ASR: p.ASR, LLM: p.LLM, TTS: p.TTS},
		TurnOptions: []turn.Option{
			turn.WithSystemPrompt(cfg.Turn.SystemPrompt),
			turn.WithMaxHistoryTurns(cfg.Turn.MaxHistoryTurns),
			turn.WithTimeouts(turn.Timeouts{
				ASR:           cfg.Turn.ASRTimeout.Duration(),
				LLM:           cfg.Turn.LLMTimeout.Duration(),
				LLMFirstToken: cfg.Turn.LLMFirstTokenTimeout.Duration(),
				TTS:           cfg.Turn.TTSTimeout.Duration(),
			}),
		},
	}
}
