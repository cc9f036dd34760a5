package jobs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/comfysched/internal/jobs"
)

type fakeCatalog map[string][]string

func (f fakeCatalog) RequiredInputs(id string) ([]string, bool) {
	req, ok := f[id]
	return req, ok
}

func validDoc() *jobs.Document {
	return &jobs.Document{
		JobType:    "T2I",
		WorkflowID: "flux-dev",
		Inputs: map[string]any{
			"45_text":  "hello",
			"31_seed":  7,
			"31_steps": 20,
		},
		Outputs: jobs.Outputs{FilePath: "/out/img.png"},
	}
}

func TestValidateDocument_OK(t *testing.T) {
	catalog := fakeCatalog{"flux-dev": {"prompt", "seed", "steps"}}
	require.NoError(t, jobs.ValidateDocument(validDoc(), catalog))
}

func TestValidateDocument_PromptSatisfiedByTextSuffix(t *testing.T) {
	catalog := fakeCatalog{"wf": {"prompt"}}
	doc := validDoc()
	doc.WorkflowID = "wf"
	doc.Inputs = map[string]any{"45_text": "hello"}
	require.NoError(t, jobs.ValidateDocument(doc, catalog))
}

func TestValidateDocument_NodeQualifiedSuffix(t *testing.T) {
	catalog := fakeCatalog{"wf": {"seed"}}
	doc := validDoc()
	doc.WorkflowID = "wf"
	doc.Inputs = map[string]any{"31_seed": 7}
	require.NoError(t, jobs.ValidateDocument(doc, catalog))
}

func TestValidateDocument_MissingInputsNamed(t *testing.T) {
	catalog := fakeCatalog{"flux-dev": {"prompt", "seed", "steps"}}
	doc := validDoc()
	doc.Inputs = map[string]any{"45_text": "hello"}

	err := jobs.ValidateDocument(doc, catalog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required inputs")
	assert.Contains(t, err.Error(), "seed")
	assert.Contains(t, err.Error(), "steps")
	assert.NotContains(t, err.Error(), "prompt")
}

func TestValidateDocument_Rejections(t *testing.T) {
	catalog := fakeCatalog{"flux-dev": {"prompt"}}

	tests := []struct {
		name   string
		mutate func(*jobs.Document)
		detail string
	}{
		{"missing job_type", func(d *jobs.Document) { d.JobType = "" }, "job_type"},
		{"unknown job_type", func(d *jobs.Document) { d.JobType = "VIDEO" }, "job type"},
		{"missing workflow_id", func(d *jobs.Document) { d.WorkflowID = "" }, "workflow_id"},
		{"unknown workflow", func(d *jobs.Document) { d.WorkflowID = "nope" }, "unknown workflow"},
		{"missing inputs", func(d *jobs.Document) { d.Inputs = nil }, "inputs"},
		{"missing output path", func(d *jobs.Document) { d.Outputs.FilePath = "" }, "outputs.file_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validDoc()
			tt.mutate(doc)
			err := jobs.ValidateDocument(doc, catalog)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.detail)
			assert.Equal(t, jobs.CategoryValidation, jobs.CategoryOf(err))
		})
	}
}

func TestDocument_Normalize(t *testing.T) {
	def := jobs.Defaults{Priority: 50, RetryLimit: 2}

	doc := &jobs.Document{}
	doc.Normalize(def)
	assert.Equal(t, 50, *doc.Priority)
	assert.Equal(t, 2, *doc.RetryLimit)

	low := -5
	doc = &jobs.Document{Priority: &low}
	doc.Normalize(def)
	assert.Equal(t, jobs.PriorityMin, *doc.Priority)

	high := 4000
	doc = &jobs.Document{Priority: &high}
	doc.Normalize(def)
	assert.Equal(t, jobs.PriorityMax, *doc.Priority)
}

func TestParseDocument_PreservesExtraKeys(t *testing.T) {
	raw := []byte(`
job_type: T2I
workflow_id: flux-dev
inputs:
  45_text: hello
outputs:
  file_path: /out/a.png
producer_hint: audiobook-stage-7
`)
	doc, err := jobs.ParseDocument(raw)
	require.NoError(t, err)
	assert.Equal(t, "audiobook-stage-7", doc.Extra["producer_hint"])
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, 1, jobs.ClampPriority(0))
	assert.Equal(t, 1, jobs.ClampPriority(-10))
	assert.Equal(t, 999, jobs.ClampPriority(1000))
	assert.Equal(t, 500, jobs.ClampPriority(500))
}
