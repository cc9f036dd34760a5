// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package jobs

import (
	"sort"
	"strings"
)

// RequirementSource answers which logical inputs a workflow declares.
// Implemented by workflow.Catalog; decoupled here so validation does
// not depend on how the catalog is loaded.
type RequirementSource interface {
	RequiredInputs(workflowID string) ([]string, bool)
}

// ValidateDocument checks a parsed configuration against the schema
// rules and the workflow catalog. All violations are validation-class
// errors; the document is not modified.
func ValidateDocument(doc *Document, catalog RequirementSource) error {
	if doc.JobType == "" {
		return ValidationError("config missing job_type")
	}
	if _, err := ParseType(doc.JobType); err != nil {
		return ValidationError("config job_type: %v", err)
	}

	if doc.WorkflowID == "" {
		return ValidationError("config missing workflow_id")
	}
	required, ok := catalog.RequiredInputs(doc.WorkflowID)
	if !ok {
		return ValidationError("unknown workflow %q", doc.WorkflowID)
	}

	if doc.Inputs == nil {
		return ValidationError("config missing inputs")
	}
	if doc.Outputs.FilePath == "" {
		return ValidationError("config missing outputs.file_path")
	}

	if missing := missingInputs(required, doc.Inputs); len(missing) > 0 {
		return ValidationError("missing required inputs: %s", strings.Join(missing, ", "))
	}
	return nil
}

// missingInputs returns the required logical names not satisfied by
// the input map. A name is satisfied by an exact key, by any
// node-qualified key ending in "_<name>", or, for the special name
// "prompt", by any key ending in "_text".
func missingInputs(required []string, inputs map[string]any) []string {
	var missing []string
	for _, name := range required {
		if inputSatisfied(name, inputs) {
			continue
		}
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return missing
}

func inputSatisfied(name string, inputs map[string]any) bool {
	if _, ok := inputs[name]; ok {
		return true
	}
	suffix := "_" + name
	for key := range inputs {
		if strings.HasSuffix(key, suffix) {
			return true
		}
		if name == "prompt" && strings.HasSuffix(key, "_text") {
			return true
		}
	}
	return false
}
