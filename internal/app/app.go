// Package app wires the chatbot subsystems into a running server.
//
// The App struct owns the full lifecycle: New opens the store, seeds agents
// and builds the query service and HTTP API, Run serves until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithVerifier, ...). When an option is not provided, New creates real
// implementations from the config.
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

	"github.com/sadam-codes/chatbot-builder/internal/auth"
	"github.com/sadam-codes/chatbot-builder/internal/config"
	"github.com/sadam-codes/chatbot-builder/internal/health"
	"github.com/sadam-codes/chatbot-builder/internal/httpapi"
	"github.com/sadam-codes/chatbot-builder/internal/observe"
	"github.com/sadam-codes/chatbot-builder/internal/query"
	"github.com/sadam-codes/chatbot-builder/internal/store"
	"github.com/sadam-codes/chatbot-builder/pkg/provider/llm"
	"github.com/sadam-codes/chatbot-builder/pkg/provider/stt"
	"github.com/sadam-codes/chatbot-builder/pkg/provider/tts"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	metricsPath              = "/metrics"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store          store.Store
	verifier       auth.Verifier
	metrics        *observe.Metrics
	metricsHandler http.Handler
	svc            *query.Service
	api            *httpapi.Server
	server         *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening one from config. The caller
// keeps ownership: Shutdown does not close it.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithVerifier injects a token verifier instead of building a JWT verifier
// from auth.jwt_secret.
func WithVerifier(v auth.Verifier) Option {
	return func(a *App) { a.verifier = v }
}

// WithMetrics injects the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at /metrics when metrics are
// enabled. Defaults to the Prometheus default gatherer.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: store connection and
// migrations, agent seeding, verifier setup, query service and HTTP API
// construction.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Agents ────────────────────────────────────────────────────────
	if err := a.seedAgents(ctx); err != nil {
		return nil, fmt.Errorf("app: seed agents: %w", err)
	}

	// ── 3. Auth ──────────────────────────────────────────────────────────
	if err := a.initVerifier(); err != nil {
		return nil, fmt.Errorf("app: init auth: %w", err)
	}

	// ── 4. Query service ─────────────────────────────────────────────────
	if err := a.initService(); err != nil {
		return nil, fmt.Errorf("app: init query service: %w", err)
	}

	// ── 5. HTTP API ──────────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens PostgreSQL when a DSN is configured and falls back to the
// in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		slog.Warn("no database configured, using in-memory store")
		a.store = store.NewMemStore()
		return nil
	}

	pg, err := store.Open(ctx, dsn, store.OpenOptions{
		MaxConns:       a.cfg.Database.MaxConns,
		SkipMigrations: a.cfg.Database.SkipMigrations,
	})
	if err != nil {
		return err
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// seedAgents upserts every agent declared in the config.
func (a *App) seedAgents(ctx context.Context) error {
	for _, ac := range a.cfg.Agents {
		ag := &store.Agent{
			ID:           ac.ID,
			Name:         ac.Name,
			Model:        ac.Model,
			Role:         ac.Role,
			Instructions: ac.Instructions,
			OwnerID:      ac.Owner,
		}
		if err := a.store.PutAgent(ctx, ag); err != nil {
			return fmt.Errorf("agent %q: %w", ac.Name, err)
		}
		slog.Info("seeded agent", "id", ac.ID, "name", ac.Name, "owner", ac.Owner)
	}
	return nil
}

func (a *App) initVerifier() error {
	if a.verifier != nil {
		return nil
	}
	if a.cfg.Auth.JWTSecret == "" {
		// Only the public routes stay usable.
		a.verifier = auth.VerifierFunc(func(context.Context, string) (string, error) {
			return "", auth.ErrUnauthenticated
		})
		return nil
	}
	v, err := auth.NewJWTVerifier(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	a.verifier = v
	return nil
}

func (a *App) initService() error {
	opts := []query.Option{
		query.WithSettings(QuerySettings(a.cfg)),
		query.WithMetrics(a.metrics),
	}
	if a.providers.STT != nil {
		opts = append(opts, query.WithSTT(a.providers.STT))
	}
	if a.providers.TTS != nil {
		opts = append(opts, query.WithTTS(a.providers.TTS))
	}
	svc, err := query.New(a.providers.LLM, a.store, a.store, opts...)
	if err != nil {
		return err
	}
	a.svc = svc
	return nil
}

// initServer builds the API and mounts the operational endpoints next to it.
func (a *App) initServer() {
	opts := []httpapi.Option{
		httpapi.WithBasePath(a.cfg.Server.BasePath),
		httpapi.WithCORSOrigins(a.cfg.Server.CORSOrigins),
		httpapi.WithMaxUploadBytes(a.cfg.Server.MaxUploadBytes),
		httpapi.WithSpeech(SpeechSettings(a.cfg)),
		httpapi.WithMetrics(a.metrics),
	}
	if a.providers.TTS != nil {
		opts = append(opts, httpapi.WithTTS(a.providers.TTS))
	}
	a.api = httpapi.New(a.svc, a.verifier, opts...)

	mux := a.api.Mux()
	health.New(
		health.PingChecker("store", a.store),
		health.ConfiguredChecker("providers", map[string]bool{"llm": a.providers.LLM != nil}),
	).Register(mux)
	if a.cfg.Observe.MetricsEnabled {
		h := a.metricsHandler
		if h == nil {
			h = observe.MetricsHandler(nil)
		}
		mux.Handle("GET "+metricsPath, h)
	}

	rht := a.cfg.Server.ReadHeaderTimeout
	if rht <= 0 {
		rht = defaultReadHeaderTimeout
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: rht,
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled,
// then returns ctx.Err(). A listener or serve failure is returned
// immediately.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		tls := a.cfg.Server.TLS
		var err error
		if tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", ln.Addr().String(), "base_path", a.cfg.Server.BasePath,
		"agents", len(a.cfg.Agents), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of next. Changes that need a
// restart are logged and ignored. The log level is owned by the caller.
func (a *App) Reload(next *config.Config) {
	d := config.Diff(a.cfg, next)
	if d.QueryChanged || d.SpeechChanged {
		// The voice profile lives in the query settings.
		a.svc.SetSettings(QuerySettings(next))
		slog.Info("query settings reloaded")
	}
	if d.SpeechChanged {
		a.api.SetSpeech(SpeechSettings(next))
		slog.Info("speech settings reloaded")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
	a.cfg = next
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, waiting for in-flight requests, then runs
// the closers in order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// QuerySettings converts the query and voice config into service settings.
func QuerySettings(cfg *config.Config) query.Settings {
	q := cfg.Query
	return query.Settings{
		HistoryLimit:        q.HistoryLimit,
		SingleShotMaxTokens: q.SingleShotMaxTokens,
		StreamMaxTokens:     q.StreamMaxTokens,
		Temperature:         q.Temperature,
		StreamIdleTimeout:   q.StreamIdleTimeout,
		FallbackAnswer:      q.FallbackAnswer,
		EmptyAnswer:         q.EmptyAnswer,
		Voice:               configVoiceProfile(cfg.Speech.Voice),
	}
}

// SpeechSettings converts the speech config into API settings.
func SpeechSettings(cfg *config.Config) httpapi.SpeechSettings {
	return httpapi.SpeechSettings{
		Concurrency:        cfg.Speech.Concurrency,
		SynthesisTimeout:   cfg.Speech.SynthesisTimeout,
		PlaybackAckTimeout: cfg.Speech.PlaybackAckTimeout,
	}
}

// configVoiceProfile converts a config.VoiceConfig to tts.VoiceProfile.
func configVoiceProfile(vc config.VoiceConfig) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:          vc.VoiceID,
		SpeedFactor: vc.SpeedFactor,
	}
}
