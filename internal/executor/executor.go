// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package executor drains the job queue: it leases one job at a time,
// binds its inputs into the workflow template, drives ComfyUI and
// records the outcome.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/comfysched/internal/comfy"
	"github.com/ManuGH/comfysched/internal/fsutil"
	"github.com/ManuGH/comfysched/internal/jobs"
	"github.com/ManuGH/comfysched/internal/log"
	"github.com/ManuGH/comfysched/internal/metrics"
	"github.com/ManuGH/comfysched/internal/store"
	"github.com/ManuGH/comfysched/internal/workflow"
)

// Executor is one worker loop. A single-GPU deployment runs exactly
// one; additional workers are safe but ComfyUI serializes their jobs.
type Executor struct {
	st             *store.Store
	catalog        *workflow.Catalog
	client         *comfy.Client
	processingRoot string
	finishedRoot   string
	workerID       string
	interval       time.Duration
	lease          time.Duration
	timeout        time.Duration
	logger         zerolog.Logger
}

// Config wires an executor.
type Config struct {
	Store          *store.Store
	Catalog        *workflow.Catalog
	Client         *comfy.Client
	ProcessingRoot string
	FinishedRoot   string
	WorkerID       string
	PollInterval   time.Duration
	Lease          time.Duration
	Timeout        time.Duration
}

// New creates an executor. An empty WorkerID gets a generated one.
func New(cfg Config) *Executor {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	return &Executor{
		st:             cfg.Store,
		catalog:        cfg.Catalog,
		client:         cfg.Client,
		processingRoot: cfg.ProcessingRoot,
		finishedRoot:   cfg.FinishedRoot,
		workerID:       workerID,
		interval:       cfg.PollInterval,
		lease:          cfg.Lease,
		timeout:        cfg.Timeout,
		logger:         log.WithComponent("executor").With().Str(log.FieldWorkerID, workerID).Logger(),
	}
}

// Run blocks until ctx is cancelled. Each iteration recovers orphans,
// leases at most one job and executes it end to end. Store errors are
// fatal to the loop; job errors are converted to retry accounting.
func (e *Executor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		recovered, err := e.st.RecoverOrphans(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("executor: %w", err)
		}
		if recovered > 0 {
			metrics.OrphansRecoveredTotal.Add(float64(recovered))
			e.logger.Warn().
				Int64("count", recovered).
				Str(log.FieldEvent, "executor.orphans_recovered").
				Msg("expired leases returned to pending")
		}

		job, err := e.st.LeaseNext(ctx, e.workerID, e.lease)
		if err != nil {
			return fmt.Errorf("executor: %w", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.interval):
			}
			continue
		}

		e.runJob(ctx, job)
	}
}

// runJob executes one leased job and records its terminal state. All
// failures during execution become complete(success=false); only the
// store call itself can surface an error, which is logged and left to
// orphan recovery.
func (e *Executor) runJob(ctx context.Context, job *jobs.Job) {
	logger := e.logger.With().
		Str(log.FieldConfigName, job.ConfigName).
		Str(log.FieldJobType, job.Type.String()).
		Int64(log.FieldJobID, job.ID).
		Logger()
	logger.Info().Str(log.FieldEvent, "executor.start").Int("run_count", job.RunCount).Msg("job leased")

	metadata, runErr := e.execute(ctx, job, logger)

	if runErr != nil {
		metrics.JobsCompletedTotal.WithLabelValues(resultLabel(job)).Inc()
		logger.Error().
			Err(runErr).
			Str(log.FieldEvent, "executor.failed").
			Str("category", string(jobs.CategoryOf(runErr))).
			Msg("job attempt failed")
		if err := e.st.Complete(ctx, job.ID, false, store.CompleteUpdates{ErrorTrace: runErr.Error()}); err != nil {
			logger.Error().Err(err).Msg("recording failure state failed")
		}
		return
	}

	if err := e.st.Complete(ctx, job.ID, true, store.CompleteUpdates{Metadata: metadata}); err != nil {
		logger.Error().Err(err).Msg("recording done state failed")
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues("done").Inc()
	if job.StartTime != nil {
		metrics.JobDurationSeconds.WithLabelValues(job.Type.String()).
			Observe(time.Since(*job.StartTime).Seconds())
	}
	logger.Info().Str(log.FieldEvent, "executor.done").Msg("job completed")

	// The move runs after the terminal transition and only if the file
	// still exists, so a crash here leaves a done row and a file that
	// the next success re-moves.
	if err := e.moveToFinished(job.ConfigName); err != nil {
		logger.Warn().Err(err).Msg("moving config to finished failed")
	}
}

func resultLabel(job *jobs.Job) string {
	if job.RetriesAttempted+1 < job.RetryLimit {
		return "retry"
	}
	return "failed"
}

// execute runs the job end to end and returns the success metadata.
func (e *Executor) execute(ctx context.Context, job *jobs.Job, logger zerolog.Logger) ([]byte, error) {
	path, err := e.locateConfig(job)
	if err != nil {
		return nil, err
	}

	doc, err := jobs.LoadDocument(path)
	if err != nil {
		return nil, err
	}
	if err := jobs.ValidateDocument(doc, e.catalog); err != nil {
		return nil, err
	}

	tplPath, ok := e.catalog.TemplatePath(doc.WorkflowID)
	if !ok {
		return nil, jobs.ValidationError("unknown workflow %q", doc.WorkflowID)
	}
	tpl, err := workflow.LoadTemplate(tplPath)
	if err != nil {
		return nil, jobs.TerminalError("load template: %v", err)
	}

	bound, err := workflow.Bind(tpl, doc.Inputs, doc.Outputs.FilePath)
	if err != nil {
		return nil, err
	}

	clientID := uuid.NewString()
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	promptID, err := e.client.Submit(runCtx, bound, clientID)
	if err != nil {
		metrics.SubmitErrorsTotal.Inc()
		return nil, err
	}
	logger.Info().
		Str(log.FieldEvent, "executor.submitted").
		Str(log.FieldPromptID, promptID).
		Str(log.FieldWorkflowID, doc.WorkflowID).
		Msg("prompt submitted")

	result, err := e.client.AwaitCompletion(runCtx, clientID, promptID, e.timeout)
	if err != nil {
		return nil, err
	}

	saved, totalBytes, err := persistOutputs(result.Outputs, doc.Outputs.FilePath)
	if err != nil {
		return nil, err
	}

	metadata, err := json.Marshal(map[string]any{
		"saved": saved,
		"bytes": totalBytes,
		"count": len(saved),
	})
	if err != nil {
		return nil, jobs.TerminalError("encode metadata: %v", err)
	}
	return metadata, nil
}

// locateConfig finds the configuration file for a leased job. Search
// order: processing root, lowercase type subdir, uppercase type
// subdir, then the same three spots under the finished root (a retry
// of a previously moved file).
func (e *Executor) locateConfig(job *jobs.Job) (string, error) {
	candidates := []string{
		filepath.Join(e.processingRoot, job.ConfigName),
		filepath.Join(e.processingRoot, job.Type.Subdir(), job.ConfigName),
		filepath.Join(e.processingRoot, job.Type.String(), job.ConfigName),
		filepath.Join(e.finishedRoot, job.ConfigName),
		filepath.Join(e.finishedRoot, job.Type.Subdir(), job.ConfigName),
		filepath.Join(e.finishedRoot, job.Type.String(), job.ConfigName),
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", jobs.TerminalError("config file %s not found under %s or %s", job.ConfigName, e.processingRoot, e.finishedRoot)
}

// moveToFinished mirrors the file's position under the finished root.
// A file already moved (or deleted) is not an error.
func (e *Executor) moveToFinished(configName string) error {
	var src string
	err := filepath.Walk(e.processingRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() && info.Name() == configName {
			src = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil || src == "" {
		return nil // already moved, nothing to do
	}

	rel, err := filepath.Rel(e.processingRoot, src)
	if err != nil {
		return err
	}
	dst, err := fsutil.ConfineRelPath(e.finishedRoot, rel)
	if err != nil {
		return err
	}
	return fsutil.MoveFile(src, dst)
}
