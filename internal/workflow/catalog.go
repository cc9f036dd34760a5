// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package workflow loads the static workflow catalog and binds job
// inputs into ComfyUI template graphs.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Entry describes one workflow template in the catalog.
type Entry struct {
	TemplatePath   string   `yaml:"template_path"`
	RequiredInputs []string `yaml:"required_inputs"`
}

// Catalog maps workflow ids to their templates. Immutable once loaded.
type Catalog struct {
	baseDir string
	entries map[string]Entry
}

// LoadCatalog reads the catalog document at path. Entries missing a
// template path or the required-inputs list fail the load; workflows
// are process-wide static, so a bad catalog is a startup error.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied catalog path
	if err != nil {
		return nil, fmt.Errorf("read workflow catalog: %w", err)
	}

	var raw map[string]Entry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse workflow catalog %s: %w", path, err)
	}

	for id, e := range raw {
		if e.TemplatePath == "" {
			return nil, fmt.Errorf("workflow %q: missing template_path", id)
		}
		if e.RequiredInputs == nil {
			return nil, fmt.Errorf("workflow %q: missing required_inputs", id)
		}
	}

	return &Catalog{baseDir: filepath.Dir(path), entries: raw}, nil
}

// RequiredInputs implements jobs.RequirementSource.
func (c *Catalog) RequiredInputs(workflowID string) ([]string, bool) {
	e, ok := c.entries[workflowID]
	if !ok {
		return nil, false
	}
	return e.RequiredInputs, true
}

// TemplatePath resolves the template document path for a workflow.
// Relative paths are resolved against the catalog's directory.
func (c *Catalog) TemplatePath(workflowID string) (string, bool) {
	e, ok := c.entries[workflowID]
	if !ok {
		return "", false
	}
	if filepath.IsAbs(e.TemplatePath) {
		return e.TemplatePath, true
	}
	return filepath.Join(c.baseDir, e.TemplatePath), true
}

// IDs returns the known workflow ids in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
