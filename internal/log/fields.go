// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID  = "request_id"
	FieldConfigName = "config_name"
	FieldJobID      = "job_id"
	FieldWorkerID   = "worker_id"
	FieldPromptID   = "prompt_id"
	FieldWorkflowID = "workflow_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldJobType   = "job_type"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"

	// Path fields
	FieldPath    = "path"
	FieldBaseURL = "base_url"
)
