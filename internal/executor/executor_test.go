package executor_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/comfysched/internal/comfy"
	"github.com/ManuGH/comfysched/internal/executor"
	"github.com/ManuGH/comfysched/internal/jobs"
	"github.com/ManuGH/comfysched/internal/store"
	"github.com/ManuGH/comfysched/internal/workflow"
)

const templateJSON = `{
	"31": {"class_type": "KSampler", "inputs": {"seed": 0, "steps": 4}},
	"45": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}},
	"60": {"class_type": "SaveImage", "inputs": {"filename_prefix": "ComfyUI"}}
}`

// comfyStub serves POST /prompt and a /ws channel that completes every
// prompt after emitting one binary output frame.
type comfyStub struct {
	failSubmits bool
}

func (c *comfyStub) handler() http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		if c.failSubmits {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-1"})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		payload := append(make([]byte, 8), []byte("imagebytes")...)
		_ = conn.WriteMessage(websocket.BinaryMessage, payload)
		_ = conn.WriteJSON(map[string]any{
			"type": "executing",
			"data": map[string]any{"prompt_id": "p-1", "node": nil},
		})
		time.Sleep(100 * time.Millisecond)
	})
	return mux
}

type fixture struct {
	st         *store.Store
	exec       *executor.Executor
	processing string
	finished   string
	outDir     string
}

func newFixture(t *testing.T, stub *comfyStub) *fixture {
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

	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	processing := filepath.Join(dir, "processing")
	finished := filepath.Join(dir, "finished")
	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(filepath.Join(processing, "t2i"), 0o750))
	require.NoError(t, os.MkdirAll(finished, 0o750))

	exec := executor.New(executor.Config{
		Store:          st,
		Catalog:        catalog,
		Client:         comfy.NewClient(srv.URL),
		ProcessingRoot: processing,
		FinishedRoot:   finished,
		WorkerID:       "test-worker",
		PollInterval:   20 * time.Millisecond,
		Lease:          time.Minute,
		Timeout:        5 * time.Second,
	})
	return &fixture{st: st, exec: exec, processing: processing, finished: finished, outDir: outDir}
}

func (f *fixture) dropJob(t *testing.T, name, subdir string, retryLimit int) {
	t.Helper()
	content := fmt.Sprintf(`
job_type: T2I
workflow_id: flux-dev
inputs:
  45_text: hello
  31_seed: 7
outputs:
  file_path: %s
`, filepath.Join(f.outDir, "render.png"))

	dst := filepath.Join(f.processing, subdir, name)
	require.NoError(t, os.WriteFile(dst, []byte(content), 0o600))

	_, err := f.st.Upsert(context.Background(), store.UpsertParams{
		ConfigName: name,
		Type:       jobs.TypeT2I,
		WorkflowID: "flux-dev",
		Priority:   50,
		RetryLimit: retryLimit,
	})
	require.NoError(t, err)
}

// runUntil drives the executor loop until cond holds.
func runUntil(t *testing.T, exec *executor.Executor, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = exec.Run(ctx)
	}()

	require.Eventually(t, cond, 10*time.Second, 25*time.Millisecond)
	cancel()
	<-done
}

func TestExecutor_SuccessEndToEnd(t *testing.T) {
	f := newFixture(t, &comfyStub{})
	f.dropJob(t, "T2I_20250809150000_1_a.yaml", "t2i", 2)

	runUntil(t, f.exec, func() bool {
		j, err := f.st.GetByConfigName(context.Background(), "T2I_20250809150000_1_a.yaml")
		return err == nil && j.Status == jobs.StatusDone
	})

	j, err := f.st.GetByConfigName(context.Background(), "T2I_20250809150000_1_a.yaml")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, j.Status)
	assert.Empty(t, j.WorkerID)
	assert.Nil(t, j.LeaseExpiresAt)

	var meta struct {
		Saved []string `json:"saved"`
		Bytes int      `json:"bytes"`
		Count int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(j.Metadata, &meta))
	assert.Equal(t, 1, meta.Count)
	assert.Equal(t, len("imagebytes"), meta.Bytes)

	// Output artifact written.
	data, err := os.ReadFile(filepath.Join(f.outDir, "render.png"))
	require.NoError(t, err)
	assert.Equal(t, "imagebytes", string(data))

	// Config file moved to the mirrored finished path.
	_, err = os.Stat(filepath.Join(f.processing, "t2i", "T2I_20250809150000_1_a.yaml"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(f.finished, "t2i", "T2I_20250809150000_1_a.yaml"))
	assert.NoError(t, err)
}

func TestExecutor_FailureRetryAccounting(t *testing.T) {
	f := newFixture(t, &comfyStub{failSubmits: true})
	f.dropJob(t, "T2I_20250809150000_1_a.yaml", "t2i", 2)

	runUntil(t, f.exec, func() bool {
		j, err := f.st.GetByConfigName(context.Background(), "T2I_20250809150000_1_a.yaml")
		return err == nil && j.Status == jobs.StatusFailed
	})

	j, err := f.st.GetByConfigName(context.Background(), "T2I_20250809150000_1_a.yaml")
	require.NoError(t, err)
	assert.Equal(t, 2, j.RetriesAttempted)
	assert.Contains(t, j.ErrorTrace, "submit")

	// Failed jobs keep their config in processing/ for future retries.
	_, err = os.Stat(filepath.Join(f.processing, "t2i", "T2I_20250809150000_1_a.yaml"))
	assert.NoError(t, err)
}

func TestExecutor_MissingConfigFails(t *testing.T) {
	f := newFixture(t, &comfyStub{})

	_, err := f.st.Upsert(context.Background(), store.UpsertParams{
		ConfigName: "T2I_20250809150000_1_ghost.yaml",
		Type:       jobs.TypeT2I,
		WorkflowID: "flux-dev",
		Priority:   50,
		RetryLimit: 1,
	})
	require.NoError(t, err)

	runUntil(t, f.exec, func() bool {
		j, err := f.st.GetByConfigName(context.Background(), "T2I_20250809150000_1_ghost.yaml")
		return err == nil && j.Status == jobs.StatusFailed
	})

	j, err := f.st.GetByConfigName(context.Background(), "T2I_20250809150000_1_ghost.yaml")
	require.NoError(t, err)
	assert.Contains(t, j.ErrorTrace, "not found")
}

func TestExecutor_FindsConfigAtRootAndFinished(t *testing.T) {
	f := newFixture(t, &comfyStub{})

	// Config at the processing root rather than the type subdir.
	f.dropJob(t, "T2I_20250809150000_1_root.yaml", "", 2)

	runUntil(t, f.exec, func() bool {
		j, err := f.st.GetByConfigName(context.Background(), "T2I_20250809150000_1_root.yaml")
		return err == nil && j.Status == jobs.StatusDone
	})

	// A done file re-activated later is found under finished/.
	_, err := os.Stat(filepath.Join(f.finished, "T2I_20250809150000_1_root.yaml"))
	assert.NoError(t, err)
}

func TestExecutor_PriorityOrder(t *testing.T) {
	f := newFixture(t, &comfyStub{})
	f.dropJob(t, "T2I_20250809150000_1_a.yaml", "t2i", 2)
	f.dropJob(t, "T2I_20250809150001_1_b.yaml", "t2i", 2)
	require.NoError(t, f.st.SetPriority(context.Background(), "T2I_20250809150001_1_b.yaml", 10))

	runUntil(t, f.exec, func() bool {
		b, err := f.st.GetByConfigName(context.Background(), "T2I_20250809150001_1_b.yaml")
		return err == nil && b.Status == jobs.StatusDone
	})

	b, err := f.st.GetByConfigName(context.Background(), "T2I_20250809150001_1_b.yaml")
	require.NoError(t, err)
	a, err := f.st.GetByConfigName(context.Background(), "T2I_20250809150000_1_a.yaml")
	require.NoError(t, err)

	// b (priority 10) must start no later than a (priority 50).
	require.NotNil(t, b.StartTime)
	if a.StartTime != nil {
		assert.False(t, a.StartTime.Before(*b.StartTime))
	}
}
