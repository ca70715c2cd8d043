// Package dualcommit is the public API for embedding the Dual Commit
// governance gate.
//
//	app, err := dualcommit.New(ctx,
//	    dualcommit.WithVersion(version),
//	    dualcommit.WithLogger(logger),
//	    dualcommit.WithHook(myAuditHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the reverse. Public types
// (Decision, ProposalEvent) are standalone structs; the conversions live
// here because this is the only file that sees both sides.
package dualcommit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/dualcommit/api"
	"github.com/ashita-ai/dualcommit/internal/auth"
	"github.com/ashita-ai/dualcommit/internal/config"
	"github.com/ashita-ai/dualcommit/internal/mcp"
	"github.com/ashita-ai/dualcommit/internal/monitor"
	"github.com/ashita-ai/dualcommit/internal/notify"
	"github.com/ashita-ai/dualcommit/internal/ratelimit"
	"github.com/ashita-ai/dualcommit/internal/server"
	"github.com/ashita-ai/dualcommit/internal/service/governance"
	"github.com/ashita-ai/dualcommit/internal/telemetry"
)

// App is the gate server lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	rt           *governance.Runtime
	srv          *server.Server
	mon          *monitor.Monitor // nil when the monitor is disabled
	hooks        *notify.Dispatcher
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, opens the state store and commit ledger, and
// wires every subsystem. It does not start goroutines or accept
// connections; call Run.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.policyPath != "" {
		cfg.PolicyPath = o.policyPath
	}

	logger.Info("dualcommit starting", "version", version, "port", cfg.Port, "ledger", cfg.LedgerBackend)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	metrics, err := telemetry.NewGateMetrics()
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	var hooks []notify.Hook
	if cfg.WebhookURL != "" {
		hooks = append(hooks, notify.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret))
		logger.Info("webhook: enabled", "url", cfg.WebhookURL)
	}
	for _, h := range o.hooks {
		hooks = append(hooks, hookAdapter{h})
	}
	dispatcher := notify.NewDispatcher(logger, cfg.HookTimeout, hooks...)

	gopts := governance.OptionsFromConfig(cfg)
	gopts.Version = version
	gopts.Hooks = dispatcher
	gopts.Metrics = metrics
	rt, err := governance.Open(ctx, gopts, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		rt.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}
	if cfg.JWTPrivateKeyPath == "" {
		logger.Warn("auth: no JWT key pair configured, tokens will not survive a restart")
	}

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Service:             rt.Service,
		JWTMgr:              jwtMgr,
		Principals:          rt.Policy,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcp.New(rt.Service, logger, version).MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		Middlewares:         middlewares,
	})

	app := &App{
		cfg:          cfg,
		rt:           rt,
		srv:          srv,
		hooks:        dispatcher,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}

	if cfg.MonitorEnabled {
		app.mon, err = monitor.New(rt.Backend, monitor.Config{
			Threshold: cfg.MonitorThreshold,
			Interval:  cfg.MonitorInterval,
			LogPath:   cfg.ViolationLogPath,
		}, logger, monitor.WithObserver(rt.Service.ObserveViolations))
		if err != nil {
			app.close()
			return nil, err
		}
	}
	return app, nil
}

// Handler returns the root HTTP handler, for tests and custom listeners.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run serves HTTP and runs the monitor until ctx is cancelled or the
// server fails, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	monCtx, stopMonitor := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if a.mon != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.mon.Run(monCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	// Stop taking requests first; in-flight handlers may still dispatch
	// hooks, which are drained after.
	a.logger.Info("dualcommit shutting down")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	stopMonitor()
	wg.Wait()
	a.close()
	a.logger.Info("dualcommit stopped")
	return runErr
}

func (a *App) close() {
	a.hooks.Wait()
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	a.rt.Close()
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// hookAdapter exposes a public Hook as a notify.Hook.
type hookAdapter struct{ h Hook }

func (a hookAdapter) OnDecision(ctx context.Context, ev notify.DecisionEvent) error {
	d := Decision{
		RequestID: ev.Request.RequestID,
		ModType:   ev.Request.ModType.String(),
		Target:    ev.Request.Target,
		NewValue:  ev.Request.NewValue,
		Authority: string(ev.Request.Authority),
		Type:      ev.Decision.Type.String(),
		Code:      string(ev.Decision.Code),
		Reason:    ev.Decision.Reason,
		Approved:  ev.Decision.Approved,
		Sequence:  ev.Sequence,
		DecidedAt: ev.Decision.DecidedAt,
	}
	if ev.Resolution != nil {
		d.Resolution = string(ev.Resolution.Action)
		d.ResolutionReason = ev.Resolution.Reason
	}
	return a.h.OnDecision(ctx, d)
}

func (a hookAdapter) OnProposal(ctx context.Context, ev notify.ProposalEvent) error {
	return a.h.OnProposal(ctx, ProposalEvent{
		Kind:          string(ev.Kind),
		CommitID:      ev.CommitID,
		Title:         ev.Title,
		Proposer:      ev.Proposer,
		Reason:        ev.Reason,
		MatchedCommit: ev.MatchedCommit,
		At:            ev.At,
	})
}
