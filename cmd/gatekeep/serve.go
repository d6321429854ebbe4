package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/basket/gatekeep/internal/bus"
	"github.com/basket/gatekeep/internal/config"
	"github.com/basket/gatekeep/internal/cron"
	"github.com/basket/gatekeep/internal/failures"
	"github.com/basket/gatekeep/internal/memory"
	"github.com/basket/gatekeep/internal/policy"
)

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the failure report scheduler and policy watcher until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := openApp(ctx, g, openOptions{daemon: true})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	logger := a.logger
	logger.Info("startup phase", "phase", "serve", "home", a.cfg.HomeDir, "config", a.cfg.Fingerprint())

	sched := cron.NewScheduler(cron.Config{Logger: logger})
	if a.cfg.Reports.Enabled {
		job := cron.ReportJob(a.cfg.Reports.Schedule, a.ledger, a.cfg.ReportsDir(), a.cfg.Reports.WindowDays, logger)
		if err := sched.Add(job); err != nil {
			return fmt.Errorf("schedule failure report: %w", err)
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	watcher := config.NewWatcher(a.cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}

	failuresSub := a.bus.Subscribe(bus.TopicFailureRecorded)
	defer func() {
		if n := failuresSub.Dropped(); n > 0 {
			logger.Warn("failure notifications dropped", "count", n)
		}
		a.bus.Unsubscribe(failuresSub)
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown requested")
			a.logMetrics()
			return nil
		case ev, ok := <-failuresSub.Ch():
			if !ok {
				return nil
			}
			if fe, ok := ev.Payload.(bus.FailureEvent); ok && (fe.Severity == failures.SeverityHigh || fe.Severity == failures.SeverityCritical) {
				logger.Warn("high severity failure", "event_id", fe.EventID, "domain", fe.Domain, "severity", fe.Severity)
			}
		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			a.reload(ctx, ev.Path)
		}
	}
}

// reload applies a changed file. A file that fails to parse leaves the
// previous settings in force.
func (a *app) reload(ctx context.Context, path string) {
	logger := a.logger
	switch filepath.Base(path) {
	case filepath.Base(a.cfg.PolicyPath()):
		before := a.policy.PolicyVersion()
		if err := policy.ReloadFromFile(a.policy, a.cfg.PolicyPath()); err != nil {
			logger.Error("policy reload failed; keeping previous policy", "error", err, "policy_version", before)
			return
		}
		after := a.policy.PolicyVersion()
		if after == before {
			return
		}
		if err := a.store.RecordPolicyVersion(ctx, after, after, "reload"); err != nil {
			logger.Warn("record policy version failed", "error", err)
		}
		a.bus.Publish(bus.TopicPolicyReloaded, after)
		logger.Info("policy reloaded", "from", before, "to", after)
	case filepath.Base(a.cfg.MemoryPolicyPath()):
		p, err := memory.LoadPolicy(a.cfg.MemoryPolicyPath())
		if err != nil {
			logger.Error("memory policy reload failed; keeping previous policy", "error", err)
			return
		}
		a.gate.SetPolicy(p)
		logger.Info("memory policy reloaded", "secret_patterns", len(p.SecretPatterns))
	default:
		cfg, err := config.LoadFrom(a.cfg.HomeDir)
		if err != nil {
			logger.Error("config reload failed", "error", err)
			return
		}
		if cfg.Fingerprint() != a.cfg.Fingerprint() {
			logger.Warn("config.yaml changed; restart to apply", "config", cfg.Fingerprint())
		}
	}
}

// logMetrics writes the in-process counters once, so a daemon run leaves a
// summary in the log even without an exporter.
func (a *app) logMetrics() {
	points, err := a.provider.Snapshot(context.Background())
	if err != nil {
		a.logger.Warn("metrics snapshot failed", "error", err)
		return
	}
	for _, p := range points {
		a.logger.Info("metric", "name", p.Name, "value", p.Value)
	}
}
