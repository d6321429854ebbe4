package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/gatekeep/internal/approval"
	"github.com/basket/gatekeep/internal/audit"
	"github.com/basket/gatekeep/internal/bus"
	"github.com/basket/gatekeep/internal/confidence"
	"github.com/basket/gatekeep/internal/config"
	"github.com/basket/gatekeep/internal/coordinator"
	"github.com/basket/gatekeep/internal/engine"
	"github.com/basket/gatekeep/internal/failures"
	"github.com/basket/gatekeep/internal/memory"
	otelPkg "github.com/basket/gatekeep/internal/otel"
	"github.com/basket/gatekeep/internal/persistence"
	"github.com/basket/gatekeep/internal/plan"
	"github.com/basket/gatekeep/internal/policy"
	"github.com/basket/gatekeep/internal/router"
	"github.com/basket/gatekeep/internal/telemetry"
	"github.com/basket/gatekeep/internal/tools"
)

// app is every gate component wired against one home directory.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	bus      *bus.Bus
	provider *otelPkg.Provider
	metrics  *otelPkg.Metrics
	store    *persistence.Store
	policy   *policy.LivePolicy
	creds    *approval.Credentials
	issuer   *approval.Issuer
	scores   *confidence.Engine
	gate     *memory.Gate
	memories *memory.Store
	ledger   *failures.Ledger
	audit    *audit.Logger
	registry *tools.Registry
	executor *coordinator.Executor
	router   *router.Router
	engine   *engine.Engine

	closers []func() error
}

type openOptions struct {
	// daemon mirrors logs to stdout when stdout is not a terminal.
	daemon bool
}

func loadConfig(g *globals) (config.Config, error) {
	home := strings.TrimSpace(g.home)
	if home == "" {
		home = config.HomeDir()
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return cfg, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, nil
}

func openApp(ctx context.Context, g *globals, opts openOptions) (a *app, err error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a = &app{cfg: cfg, bus: bus.New()}
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	mirror := g.verbose || (opts.daemon && !isatty.IsTerminal(os.Stdout.Fd()))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, telemetry.Options{Level: cfg.LogLevel, Mirror: mirror})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a.closers = append(a.closers, closer.Close)
	a.logger = logger
	slog.SetDefault(logger)

	a.provider, err = otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
		Version:     Version,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.provider.Shutdown(context.Background()) })
	a.metrics, err = otelPkg.NewMetrics(a.provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.store, err = persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	initial, err := policy.Load(cfg.PolicyPath())
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	a.policy = policy.NewLivePolicy(initial, cfg.PolicyPath())
	if err := a.store.RecordPolicyVersion(ctx, a.policy.PolicyVersion(), a.policy.PolicyVersion(), "startup"); err != nil {
		logger.Warn("record policy version failed", "error", err)
	}

	var created bool
	a.creds, created, err = approval.LoadOrCreateCredentials(cfg.CredentialsPath(), cfg.AdminUser, cfg.AdminPassword)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	if created {
		logger.Info("credentials created", "path", cfg.CredentialsPath(), "user", a.creds.Username)
	}
	a.issuer, err = approval.NewIssuer(a.creds.Secret(), a.policy, approval.Options{
		TTL:     cfg.ApprovalTTL(),
		Logger:  logger,
		Bus:     a.bus,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, err
	}

	a.scores = confidence.NewEngine(a.store, confidence.Options{
		DecayEnabled: cfg.Confidence.DecayEnabled,
		DecayRate:    cfg.Confidence.DecayRate,
		Logger:       logger,
		Bus:          a.bus,
	})

	memPolicy, err := memory.LoadPolicy(cfg.MemoryPolicyPath())
	if err != nil {
		return nil, err
	}
	a.gate = memory.NewGate(a.store, memory.Options{
		Policy:  memPolicy,
		Logger:  logger,
		Bus:     a.bus,
		Metrics: a.metrics,
	})
	a.memories = memory.NewStore(a.gate)

	a.ledger, err = failures.NewLedger(cfg.FailuresDir(), failures.Options{Logger: logger, Bus: a.bus, Metrics: a.metrics})
	if err != nil {
		return nil, err
	}
	a.audit, err = audit.New(cfg.HomeDir, audit.Options{Sink: a.store, Logger: logger})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.audit.Close)

	a.registry = tools.NewRegistry()
	for _, c := range []tools.Capability{tools.NewSystem(Version, a.status), tools.NewMemory(a.gate)} {
		if err := a.registry.Register(c); err != nil {
			return nil, err
		}
	}
	a.executor = coordinator.NewExecutor(a.registry, a.issuer, coordinator.Options{
		StepTimeout: cfg.StepTimeout(),
		Logger:      logger,
		Bus:         a.bus,
		Metrics:     a.metrics,
		Tracer:      a.provider.Tracer,
	})

	templates, err := plan.LoadTemplates(cfg.Plans, a.registry.Known)
	if err != nil {
		return nil, fmt.Errorf("plan templates: %w", err)
	}
	a.router = router.New(a.scores, router.Options{Logger: logger})
	a.engine, err = engine.New(engine.Options{
		Router:    a.router,
		Policy:    a.policy,
		Approver:  a.issuer,
		Runner:    a.executor,
		Ledger:    a.ledger,
		Audit:     a.audit,
		Memory:    a.gate,
		Templates: templates,
		Logger:    logger,
		Metrics:   a.metrics,
		Tracer:    a.provider.Tracer,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// status backs the system.status capability.
func (a *app) status(ctx context.Context) (map[string]any, error) {
	schema, err := a.store.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := a.gate.ListProposals(ctx, memory.ProposalFilter{Status: persistence.ProposalPending})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"policy_version":    a.policy.PolicyVersion(),
		"schema_version":    schema,
		"pending_proposals": len(pending),
		"ledger_skipped":    a.ledger.Skipped(),
		"audit_denies":      a.audit.DenyCount(),
		"config":            a.cfg.Fingerprint(),
	}, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
