// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// comfysched is a single-node ComfyUI job scheduler: it watches a
// processing directory for declarative job configurations, queues
// them in an embedded store and drives ComfyUI one job at a time.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/comfysched/internal/api"
	"github.com/ManuGH/comfysched/internal/comfy"
	"github.com/ManuGH/comfysched/internal/config"
	"github.com/ManuGH/comfysched/internal/daemon"
	"github.com/ManuGH/comfysched/internal/executor"
	"github.com/ManuGH/comfysched/internal/jobs"
	xlog "github.com/ManuGH/comfysched/internal/log"
	"github.com/ManuGH/comfysched/internal/monitor"
	"github.com/ManuGH/comfysched/internal/store"
	"github.com/ManuGH/comfysched/internal/version"
	"github.com/ManuGH/comfysched/internal/workflow"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "config.yaml", "path to config file (YAML)")
	workerID := flag.String("worker-id", "", "executor worker identity (generated when empty)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("comfysched %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	resolved := config.ResolvePath(*configPath)
	cfg, err := config.Load(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	xlog.Configure(xlog.Config{Level: cfg.LogLevel, Service: "comfysched"})
	logger := xlog.Base()
	logger.Info().
		Str("version", version.Version).
		Str("config", resolved).
		Str(xlog.FieldBaseURL, cfg.ComfyUI.APIBaseURL).
		Msg("starting")

	if err := run(cfg, *workerID); err != nil {
		logger.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, workerID string) error {
	for _, dir := range []string{cfg.Paths.JobsProcessing, cfg.Paths.JobsFinished} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	st, err := store.New(cfg.Paths.Database)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	catalog, err := workflow.LoadCatalog(cfg.Paths.WorkflowCatalog)
	if err != nil {
		return err
	}

	defaults := jobs.Defaults{
		Priority:   cfg.DefaultPriority,
		RetryLimit: cfg.RetryLimit,
	}

	mon := monitor.New(cfg.Paths.JobsProcessing, st, catalog, defaults, cfg.PollInterval())
	exec := executor.New(executor.Config{
		Store:          st,
		Catalog:        catalog,
		Client:         comfy.NewClient(cfg.ComfyUI.APIBaseURL),
		ProcessingRoot: cfg.Paths.JobsProcessing,
		FinishedRoot:   cfg.Paths.JobsFinished,
		WorkerID:       workerID,
		PollInterval:   cfg.PollInterval(),
		Lease:          cfg.Lease(),
		Timeout:        cfg.Timeout(),
	})
	srv := api.New(st)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := daemon.NewApp(xlog.WithComponent("daemon"), mon, exec, cfg.Listen, srv.Handler())
	return app.Run(ctx)
}
