package monitor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/comfysched/internal/jobs"
	"github.com/ManuGH/comfysched/internal/monitor"
	"github.com/ManuGH/comfysched/internal/store"
	"github.com/ManuGH/comfysched/internal/workflow"
)

const templateJSON = `{
	"31": {"class_type": "KSampler", "inputs": {"seed": 0, "steps": 4}},
	"45": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}},
	"60": {"class_type": "SaveImage", "inputs": {"filename_prefix": "ComfyUI"}}
}`

const validConfig = `
job_type: T2I
workflow_id: flux-dev
priority: 80
inputs:
  45_text: hello
  31_seed: 7
outputs:
  file_path: /out/a.png
`

type fixture struct {
	root    string
	st      *store.Store
	mon     *monitor.Monitor
	catalog *workflow.Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	tplPath := filepath.Join(dir, "flux.json")
	require.NoError(t, os.WriteFile(tplPath, []byte(templateJSON), 0o600))
	catPath := filepath.Join(dir, "workflows.yaml")
	require.NoError(t, os.WriteFile(catPath, []byte("flux-dev:\n  template_path: flux.json\n  required_inputs: [prompt, seed]\n"), 0o600))
	catalog, err := workflow.LoadCatalog(catPath)
	require.NoError(t, err)

	st, err := store.New(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	root := filepath.Join(dir, "processing")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "t2i"), 0o750))

	mon := monitor.New(root, st, catalog, jobs.Defaults{Priority: 50, RetryLimit: 2}, 50*time.Millisecond)
	return &fixture{root: root, st: st, mon: mon, catalog: catalog}
}

func TestScanOnce_AcceptsValidFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := filepath.Join(f.root, "t2i", "T2I_20250809150000_1_a.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))

	accepted, rejected := f.mon.ScanOnce(ctx)
	assert.Equal(t, 1, accepted)
	assert.Zero(t, rejected)

	j, err := f.st.GetByConfigName(ctx, "T2I_20250809150000_1_a.yaml")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, j.Status)
	assert.Equal(t, 80, j.Priority)
	assert.Equal(t, "flux-dev", j.WorkflowID)
	assert.Equal(t, 2, j.RetryLimit)
}

func TestScanOnce_SkipsAlreadySeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := filepath.Join(f.root, "T2I_20250809150000_1_a.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))

	accepted, _ := f.mon.ScanOnce(ctx)
	assert.Equal(t, 1, accepted)

	accepted, rejected := f.mon.ScanOnce(ctx)
	assert.Zero(t, accepted)
	assert.Zero(t, rejected)
}

func TestScanOnce_RejectsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		content string
	}{
		{"BADTYPE_x_1_a.yaml", validConfig},
		{"T2I_x_1_bad_workflow.yaml", "job_type: T2I\nworkflow_id: nope\ninputs: {45_text: a, 31_seed: 1}\noutputs: {file_path: /out/a.png}\n"},
		{"T2I_x_1_missing_inputs.yaml", "job_type: T2I\nworkflow_id: flux-dev\ninputs: {45_text: a}\noutputs: {file_path: /out/a.png}\n"},
		{"T2I_x_1_type_mismatch.yaml", "job_type: SPEECH\nworkflow_id: flux-dev\ninputs: {45_text: a, 31_seed: 1}\noutputs: {file_path: /out/a.png}\n"},
		{"T2I_x_1_not_yaml.yaml", "::not yaml::{"},
	}
	for _, tt := range tests {
		require.NoError(t, os.WriteFile(filepath.Join(f.root, tt.name), []byte(tt.content), 0o600))
	}

	accepted, rejected := f.mon.ScanOnce(ctx)
	assert.Zero(t, accepted)
	assert.Equal(t, len(tests), rejected)

	rows, err := f.st.ListByStatus(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, rows, "rejected files must not reach the store")

	// Rejected files remain on disk.
	for _, tt := range tests {
		_, err := os.Stat(filepath.Join(f.root, tt.name))
		assert.NoError(t, err)
	}
}

func TestScanOnce_RetriesEditedFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := filepath.Join(f.root, "T2I_20250809150000_1_a.yaml")
	require.NoError(t, os.WriteFile(path, []byte("job_type: T2I\nworkflow_id: nope\ninputs: {}\noutputs: {file_path: /o.png}\n"), 0o600))

	_, rejected := f.mon.ScanOnce(ctx)
	assert.Equal(t, 1, rejected)

	// Fixing the file bumps its mtime; the next scan re-validates it.
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	accepted, rejected := f.mon.ScanOnce(ctx)
	assert.Equal(t, 1, accepted)
	assert.Zero(t, rejected)
}

func TestScanOnce_ForgetsVanishedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := filepath.Join(f.root, "T2I_20250809150000_1_a.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))
	accepted, _ := f.mon.ScanOnce(ctx)
	require.Equal(t, 1, accepted)

	require.NoError(t, os.Remove(path))
	f.mon.ScanOnce(ctx)

	// Re-appearing file is ingested again (upsert is idempotent).
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))
	accepted, _ = f.mon.ScanOnce(ctx)
	assert.Equal(t, 1, accepted)
}

func TestRun_PicksUpDroppedFile(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.mon.Run(ctx)
	}()

	path := filepath.Join(f.root, "t2i", "T2I_20250809150001_1_b.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))

	require.Eventually(t, func() bool {
		_, err := f.st.GetByConfigName(context.Background(), "T2I_20250809150001_1_b.yaml")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
