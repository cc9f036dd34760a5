// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package daemon owns the long-lived runtime lifecycle: the monitor
// and executor loops plus the control API server.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/comfysched/internal/executor"
	"github.com/ManuGH/comfysched/internal/monitor"
)

// shutdownGrace bounds how long the API server drains on shutdown.
const shutdownGrace = 10 * time.Second

// App composes the scheduler's three long-lived components around the
// shared job store.
type App struct {
	logger   zerolog.Logger
	monitor  *monitor.Monitor
	executor *executor.Executor
	listen   string
	handler  http.Handler
}

// NewApp creates the runtime orchestrator.
func NewApp(logger zerolog.Logger, mon *monitor.Monitor, exec *executor.Executor, listen string, handler http.Handler) *App {
	return &App{
		logger:   logger,
		monitor:  mon,
		executor: exec,
		listen:   listen,
		handler:  handler,
	}
}

// Run starts all subsystems and blocks until ctx is cancelled or a
// fatal error occurs. Monitor and executor stop via ctx; the HTTP
// server drains with a bounded grace period.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().Str("event", "monitor.start").Msg("monitor loop starting")
		return a.monitor.Run(ctx)
	})

	g.Go(func() error {
		a.logger.Info().Str("event", "executor.start").Msg("executor loop starting")
		return a.executor.Run(ctx)
	})

	srv := &http.Server{
		Addr:              a.listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info().Str("event", "api.start").Str("listen", a.listen).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
