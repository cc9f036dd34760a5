// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package monitor discovers job configuration files under the
// processing root and hands them to the job store.
package monitor

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ManuGH/comfysched/internal/jobs"
	"github.com/ManuGH/comfysched/internal/log"
	"github.com/ManuGH/comfysched/internal/metrics"
	"github.com/ManuGH/comfysched/internal/store"
	"github.com/ManuGH/comfysched/internal/workflow"
)

// ingestDelay spaces out store writes when a burst of files appears.
const ingestDelay = 25 * time.Millisecond

// Monitor scans the processing directory tree on a poll cadence and
// upserts valid configurations. A best-effort fsnotify watcher wakes
// the loop early when files land; polling remains the correctness
// mechanism.
type Monitor struct {
	root     string
	st       *store.Store
	catalog  *workflow.Catalog
	defaults jobs.Defaults
	interval time.Duration
	logger   zerolog.Logger

	// seen maps absolute path to the mtime at last ingest attempt.
	// A file edited after rejection is picked up again.
	seen map[string]time.Time
}

// New creates a monitor over the processing root.
func New(root string, st *store.Store, catalog *workflow.Catalog, defaults jobs.Defaults, interval time.Duration) *Monitor {
	return &Monitor{
		root:     root,
		st:       st,
		catalog:  catalog,
		defaults: defaults,
		interval: interval,
		logger:   log.WithComponent("monitor"),
		seen:     map[string]time.Time{},
	}
}

// Run blocks until ctx is cancelled, scanning every poll interval or
// sooner when the watcher reports a new file.
func (m *Monitor) Run(ctx context.Context) error {
	wake := m.startWatcher(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.ScanOnce(ctx)
		case <-wake:
			m.ScanOnce(ctx)
		}
	}
}

// startWatcher wires fsnotify create/write events under the root into
// a wakeup channel. Failure to start the watcher is non-fatal.
func (m *Monitor) startWatcher(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn().Err(err).Str(log.FieldEvent, "monitor.watcher_failed").Msg("fsnotify unavailable, polling only")
		return wake
	}
	if err := watcher.Add(m.root); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldEvent, "monitor.watcher_failed").Msg("cannot watch processing root, polling only")
		_ = watcher.Close()
		return wake
	}
	// Watch existing per-type subdirectories too; new ones are picked
	// up by the next poll.
	entries, _ := os.ReadDir(m.root)
	for _, e := range entries {
		if e.IsDir() {
			_ = watcher.Add(filepath.Join(m.root, e.Name()))
		}
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn().Err(err).Msg("fsnotify watcher error")
			}
		}
	}()
	return wake
}

// ScanOnce walks the tree once. It returns the number of accepted and
// rejected files of this iteration.
func (m *Monitor) ScanOnce(ctx context.Context) (accepted, rejected int) {
	found := map[string]time.Time{}

	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep walking
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		found[path] = info.ModTime()
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Str(log.FieldPath, m.root).Msg("scan failed")
		return 0, 0
	}

	// Files that vanished between scans are forgotten.
	for path := range m.seen {
		if _, ok := found[path]; !ok {
			delete(m.seen, path)
		}
	}

	for path, mtime := range found {
		if ctx.Err() != nil {
			return accepted, rejected
		}
		if prev, ok := m.seen[path]; ok && prev.Equal(mtime) {
			continue
		}
		m.seen[path] = mtime

		id, err := m.processFile(ctx, path)
		if err != nil {
			rejected++
			metrics.IngestTotal.WithLabelValues("rejected").Inc()
			m.logger.Warn().
				Err(err).
				Str(log.FieldEvent, "monitor.rejected").
				Str(log.FieldPath, path).
				Msg("configuration rejected")
			continue
		}
		accepted++
		metrics.IngestTotal.WithLabelValues("accepted").Inc()
		m.logger.Info().
			Str(log.FieldEvent, "monitor.accepted").
			Str(log.FieldPath, path).
			Int64(log.FieldJobID, id).
			Msg("configuration ingested")

		select {
		case <-ctx.Done():
			return accepted, rejected
		case <-time.After(ingestDelay):
		}
	}
	return accepted, rejected
}

// processFile validates one configuration file and upserts it.
func (m *Monitor) processFile(ctx context.Context, path string) (int64, error) {
	parsed, err := jobs.ParseFilename(path)
	if err != nil {
		return 0, err
	}

	doc, err := jobs.LoadDocument(path)
	if err != nil {
		return 0, err
	}
	if err := jobs.ValidateDocument(doc, m.catalog); err != nil {
		return 0, err
	}
	if doc.JobType != parsed.Type.String() {
		return 0, jobs.ValidationError("filename type %s does not match config job_type %s", parsed.Type, doc.JobType)
	}
	doc.Normalize(m.defaults)

	return m.st.Upsert(ctx, store.UpsertParams{
		ConfigName: filepath.Base(path),
		Type:       parsed.Type,
		WorkflowID: doc.WorkflowID,
		Priority:   *doc.Priority,
		RetryLimit: *doc.RetryLimit,
	})
}
