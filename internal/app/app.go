// Package app wires all leadline subsystems into a running call server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the call gateway and admin endpoints until the
// context ends, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithLeadStore, WithScheduler, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/askjohngeorge/leadline/internal/config"
	"github.com/askjohngeorge/leadline/internal/flow"
	"github.com/askjohngeorge/leadline/internal/gateway"
	"github.com/askjohngeorge/leadline/internal/health"
	"github.com/askjohngeorge/leadline/internal/knowledge"
	"github.com/askjohngeorge/leadline/internal/lead"
	"github.com/askjohngeorge/leadline/internal/mcp"
	"github.com/askjohngeorge/leadline/internal/mcp/mcphost"
	"github.com/askjohngeorge/leadline/internal/observe"
	"github.com/askjohngeorge/leadline/internal/report"
	"github.com/askjohngeorge/leadline/internal/resilience"
	"github.com/askjohngeorge/leadline/internal/schedule"
	"github.com/askjohngeorge/leadline/internal/transcript/llmcorrect"
	"github.com/askjohngeorge/leadline/pkg/provider/embeddings"
	"github.com/askjohngeorge/leadline/pkg/provider/llm"
	"github.com/askjohngeorge/leadline/pkg/provider/stt"
	"github.com/askjohngeorge/leadline/pkg/provider/tts"
	"github.com/askjohngeorge/leadline/pkg/provider/vad"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	Classifier llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
	VAD        vad.Engine
}

// App owns all subsystem lifetimes and serves the leadline call gateway.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	classifier llm.Provider
	leads      lead.Store
	searcher   knowledge.Searcher
	scheduler  schedule.Scheduler
	mcpHost    mcp.Host
	flowCfg    *flow.Config
	reports    *report.Generator
	metrics    *observe.Metrics
	checks     *health.Handler
	sessions   *SessionManager
	calls      *gateway.Server

	httpSrv  *http.Server
	adminSrv *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLeadStore injects a lead store instead of creating one from config.
func WithLeadStore(s lead.Store) Option {
	return func(a *App) { a.leads = s }
}

// WithScheduler injects a calendar client instead of creating one from config.
func WithScheduler(s schedule.Scheduler) Option {
	return func(a *App) { a.scheduler = s }
}

// WithSearcher injects a knowledge searcher instead of creating one from config.
func WithSearcher(s knowledge.Searcher) Option {
	return func(a *App) { a.searcher = s }
}

// WithMCPHost injects an MCP host instead of creating one from config.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.mcpHost = h }
}

// WithMetrics injects a metrics bundle instead of the default no-op set.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithFlowConfig injects a parsed flow instead of loading cfg.Flow.Path.
func WithFlowConfig(fc *flow.Config) Option {
	return func(a *App) { a.flowCfg = fc }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: flow loading, store
// connection, MCP server registration, and gateway assembly. The app is ready
// to serve as soon as New returns.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default().With("component", "app"),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.checkProviders(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Flow definition ───────────────────────────────────────────────
	if a.flowCfg == nil {
		fc, err := flow.Load(cfg.Flow.Path)
		if err != nil {
			return nil, fmt.Errorf("app: load flow: %w", err)
		}
		a.flowCfg = fc
	}

	// ── 2. Lead store ────────────────────────────────────────────────────
	var checkers []health.Checker
	if a.leads == nil {
		store, checker, err := a.initLeads(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: init lead store: %w", err)
		}
		a.leads = store
		if checker != nil {
			checkers = append(checkers, *checker)
		}
	}

	// ── 3. Knowledge base ────────────────────────────────────────────────
	if a.searcher == nil && cfg.Knowledge.Enabled {
		if err := a.initKnowledge(ctx); err != nil {
			return nil, fmt.Errorf("app: init knowledge: %w", err)
		}
	}

	// ── 4. Scheduler ─────────────────────────────────────────────────────
	if a.scheduler == nil && cfg.Schedule.Enabled() {
		cal, err := schedule.NewCalCom(schedule.CalComConfig{
			BaseURL:         cfg.Schedule.BaseURL,
			APIKey:          cfg.Schedule.APIKey,
			EventTypeID:     cfg.Schedule.EventTypeID,
			DisplayTimezone: cfg.Schedule.Timezone,
		}, schedule.WithLogger(a.log), schedule.WithMetrics(a.metrics))
		if err != nil {
			return nil, fmt.Errorf("app: init scheduler: %w", err)
		}
		a.scheduler = cal
	}

	// ── 5. MCP host ──────────────────────────────────────────────────────
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	// ── 6. Classifier with fallback ──────────────────────────────────────
	a.classifier = a.buildClassifier()

	// ── 7. Post-call reports ─────────────────────────────────────────────
	vocab := make([]string, 0, len(cfg.Agent.Keywords))
	for _, k := range cfg.Agent.Keywords {
		vocab = append(vocab, k.Keyword)
	}
	a.reports = report.NewGenerator(a.leads, providers.LLM, a.log,
		report.WithCorrector(llmcorrect.New(providers.LLM), vocab))

	// ── 8. Health, sessions, gateway ─────────────────────────────────────
	a.checks = health.New(checkers...)

	a.calls = gateway.NewServer(func(ctx context.Context, callID string, conn *gateway.Conn) error {
		return a.sessions.HandleCall(ctx, callID, conn)
	}, a.log, gateway.WithMetrics(a.metrics))

	wire, codec := a.calls.WireFormat()
	a.sessions = NewSessionManager(sessionDeps{
		cfg:        cfg,
		flowCfg:    a.flowCfg,
		llm:        providers.LLM,
		classifier: a.classifier,
		sttProv:    providers.STT,
		ttsProv:    providers.TTS,
		vadEngine:  providers.VAD,
		leads:      a.leads,
		scheduler:  a.scheduler,
		searcher:   a.searcher,
		mcpHost:    a.mcpHost,
		reports:    a.reports,
		metrics:    a.metrics,
		wire:       wire,
		wireCodec:  codec,
		log:        a.log,
	})

	return a, nil
}

// checkProviders validates the provider slots the pipeline cannot run
// without. Classifier and Embeddings are optional.
func (a *App) checkProviders() error {
	if a.providers == nil {
		return errors.New("providers are required")
	}
	switch {
	case a.providers.LLM == nil:
		return errors.New("an llm provider is required")
	case a.providers.STT == nil:
		return errors.New("an stt provider is required")
	case a.providers.TTS == nil:
		return errors.New("a tts provider is required")
	case a.providers.VAD == nil:
		return errors.New("a vad engine is required")
	}
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initLeads connects the configured lead store. Postgres when a DSN is set,
// in-memory otherwise. The returned checker probes the database for /readyz.
func (a *App) initLeads(ctx context.Context) (lead.Store, *health.Checker, error) {
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		a.log.Info("using in-memory lead store")
		return lead.NewMemStore(), nil, nil
	}

	store, err := lead.NewPostgresStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	a.log.Info("connected lead store")
	return store, &health.Checker{Name: "lead-store", Check: store.Ping}, nil
}

// initKnowledge connects the vector store behind service questions. Requires
// an embeddings provider and the Postgres DSN from storage config.
func (a *App) initKnowledge(ctx context.Context) error {
	if a.providers.Embeddings == nil {
		return errors.New("knowledge base requires an embeddings provider")
	}
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		return errors.New("knowledge base requires storage.postgres_dsn")
	}

	store, err := knowledge.NewPostgresStore(ctx, dsn, a.cfg.Knowledge.EmbeddingDimensions, a.providers.Embeddings)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	a.searcher = store
	a.log.Info("connected knowledge base")
	return nil
}

// initMCP connects the configured tool servers. A server that fails to
// register is logged and skipped; a dead tool server must not take call
// handling down with it.
func (a *App) initMCP(ctx context.Context) error {
	if a.mcpHost == nil {
		if len(a.cfg.MCP.Servers) == 0 {
			return nil
		}
		host := mcphost.New(a.log)
		a.mcpHost = host
		a.closers = append(a.closers, host.Close)
	}

	for _, srv := range a.cfg.MCP.Servers {
		err := a.mcpHost.RegisterServer(ctx, mcp.ServerConfig{
			Name:        srv.Name,
			Transport:   srv.Transport,
			Command:     srv.Command,
			URL:         srv.URL,
			BearerToken: srv.BearerToken,
			Env:         srv.Env,
		})
		if err != nil {
			a.log.Warn("mcp server registration failed, continuing without it",
				"name", srv.Name, "error", err)
			continue
		}
		a.log.Info("registered mcp server", "name", srv.Name)
	}
	return nil
}

// buildClassifier wraps the completeness model in a circuit-breaking
// fallback chain. When a dedicated classifier entry is configured, the
// conversation model backs it up; either way a dead classifier degrades the
// pipeline to its idle timeout rather than stalling turns.
func (a *App) buildClassifier() llm.Provider {
	entry := a.cfg.Providers.ClassifierEntry()
	primary := a.providers.Classifier
	if primary == nil {
		primary = a.providers.LLM
	}

	fb := resilience.NewLLMFallback(primary, entry.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Name: "classifier"},
	})
	if a.providers.Classifier != nil {
		fb.AddFallback(a.cfg.Providers.LLM.Name, a.providers.LLM)
	}
	return fb
}

// ApplyConfig applies the hot-reloadable parts of a newly loaded config.
// Running calls keep the settings they started with; new calls pick up the
// agent changes and, when flow.path moved, the reloaded flow. Everything
// else still needs a restart.
func (a *App) ApplyConfig(old, cfg *config.Config) {
	d := config.Diff(old, cfg)

	var fc *flow.Config
	if d.FlowChanged {
		loaded, err := flow.Load(cfg.Flow.Path)
		if err != nil {
			a.log.Warn("flow reload failed, keeping the running flow",
				"path", cfg.Flow.Path, "error", err)
		} else {
			fc = loaded
			a.log.Info("conversation flow reloaded", "path", cfg.Flow.Path)
		}
	}

	a.sessions.UpdateConfig(cfg, fc)
	if d.AgentChanged {
		a.log.Info("agent settings updated for new calls",
			"voice", d.Agent.VoiceChanged,
			"temperature", d.Agent.TemperatureChanged,
			"keywords", d.Agent.KeywordsChanged,
			"language", d.Agent.LanguageChanged)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the call gateway (and admin endpoints when configured) until ctx
// is cancelled or a listener fails. It always returns a non-nil error; after
// a clean shutdown that error is ctx's cause.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	mux := http.NewServeMux()
	mux.Handle("/call", a.calls)
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("app: gateway listener: %w", err)
		}
	}()

	if addr := a.cfg.Server.AdminAddr; addr != "" {
		admin := http.NewServeMux()
		a.checks.Register(admin)
		admin.Handle("GET /metrics", promhttp.Handler())
		a.adminSrv = &http.Server{
			Addr:              addr,
			Handler:           admin,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := a.adminSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("app: admin listener: %w", err)
			}
		}()
	}

	a.sessions.Start(ctx)
	a.log.Info("leadline running",
		"addr", a.cfg.Server.ListenAddr,
		"admin", a.cfg.Server.AdminAddr,
		"tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains and tears down all subsystems in reverse-init order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "active_calls", a.sessions.Count())

		// Stop routing new calls here, then stop accepting.
		a.checks.Drain()
		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				a.log.Warn("gateway listener shutdown", "error", err)
			}
		}

		// Let in-flight calls finish their paperwork.
		a.sessions.CloseAll(ctx)
		if err := a.calls.Wait(ctx); err != nil {
			a.log.Warn("calls still draining at deadline", "error", err)
		}

		if a.adminSrv != nil {
			if err := a.adminSrv.Shutdown(ctx); err != nil {
				a.log.Warn("admin listener shutdown", "error", err)
			}
		}

		// Run closers in reverse-init order.
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
