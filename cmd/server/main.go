// Command server runs the code execution service.
//
// main only assembles dependencies: configuration, logger, metrics, the
// Docker runtime, the workspace provisioner, the language registry and the
// supervisor, and hands them to the HTTP server. All behaviour lives in the
// internal packages.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/sakif/code-executor/internal/config"
	"github.com/sakif/code-executor/internal/executor"
	"github.com/sakif/code-executor/internal/executor/docker"
	"github.com/sakif/code-executor/internal/language"
	"github.com/sakif/code-executor/internal/metrics"
	"github.com/sakif/code-executor/internal/server"
	"github.com/sakif/code-executor/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	m := metrics.New()

	registry, err := language.Load(cfg.LanguagesFile)
	if err != nil {
		return err
	}

	rt, err := docker.New(docker.DefaultConfig(), logger, m)
	if err != nil {
		return err
	}

	// A daemon that is down at startup is not fatal: jobs fail with
	// RuntimeUnavailable until it comes back.
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rt.Ping(pingCtx); err != nil {
		logger.Warn("docker daemon is not reachable, /execute will return errors until it is",
			slog.String("error", err.Error()),
		)
	} else if cfg.PullImages {
		if err := rt.PullImages(context.Background(), registry.Images()); err != nil {
			logger.Warn("pre-pulling images failed", slog.String("error", err.Error()))
		}
	}
	cancel()

	stager, err := workspace.NewProvisioner(cfg.WorkspaceDir, cfg.WorkspaceDaemonDir, logger, m)
	if err != nil {
		return err
	}

	supCfg := executor.DefaultConfig()
	supCfg.Limits = cfg.Limits
	supCfg.Strategy = cfg.Strategy

	sup, err := executor.NewSupervisor(rt, stager, registry, supCfg, logger, m)
	if err != nil {
		return err
	}

	// Any unit older than two timeouts plus the operation budget has lost
	// its supervisor.
	reaper := docker.NewReaper(rt, cfg.ReaperInterval, 2*cfg.Limits.Timeout+supCfg.OperationBudget)

	srv, err := server.New(server.Config{
		Port:              cfg.Port,
		Secret:            cfg.Secret,
		Languages:         registry.Keys(),
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		RequestTimeout:    cfg.RequestTimeout,
	}, logger, sup, m)
	if err != nil {
		return err
	}

	reaper.Start()
	srv.OnShutdown(func() {
		if err := rt.Close(); err != nil {
			logger.Warn("closing docker client failed", slog.String("error", err.Error()))
		}
	})
	// Hooks run in reverse: stop the reaper, let abandoned jobs finish
	// their cleanup, then close the client they clean up through.
	srv.OnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), supCfg.OperationBudget+cfg.Limits.Timeout)
		defer cancel()
		if err := sup.Drain(ctx); err != nil {
			logger.Warn("shutting down with jobs still running, the reaper removes their units on next start",
				slog.String("error", err.Error()),
			)
		}
	})
	srv.OnShutdown(reaper.Stop)

	logger.Info("executor configured",
		slog.String("strategy", string(cfg.Strategy)),
		slog.Duration("timeout", cfg.Limits.Timeout),
		slog.Int64("memory_bytes", cfg.Limits.MemoryBytes),
		slog.Int64("nano_cpus", cfg.Limits.NanoCPUs),
	)
	return srv.Start()
}
