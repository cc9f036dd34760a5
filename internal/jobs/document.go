// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package jobs

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk declarative job configuration. Keys outside
// the known set are preserved in Extra but not interpreted.
type Document struct {
	JobType    string         `yaml:"job_type"`
	WorkflowID string         `yaml:"workflow_id"`
	Priority   *int           `yaml:"priority,omitempty"`
	RetryLimit *int           `yaml:"retry_limit,omitempty"`
	Inputs     map[string]any `yaml:"inputs"`
	Outputs    Outputs        `yaml:"outputs"`
	Extra      map[string]any `yaml:",inline"`
}

// Outputs carries the destination hint for generated artifacts.
type Outputs struct {
	FilePath string `yaml:"file_path"`
}

// LoadDocument reads and parses a configuration file.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the confined processing tree
	if err != nil {
		return nil, TransientError("read config %s: %v", path, err)
	}
	return ParseDocument(data)
}

// ParseDocument parses a configuration document from raw YAML.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, ValidationError("parse config: %v", err)
	}
	return &doc, nil
}

// Defaults are the normalization fallbacks applied to a document.
type Defaults struct {
	Priority   int
	RetryLimit int
}

// Normalize fills absent priority and retry_limit from defaults and
// clamps priority into bounds. The document is modified in place.
func (d *Document) Normalize(def Defaults) {
	if d.Priority == nil {
		p := def.Priority
		d.Priority = &p
	}
	clamped := ClampPriority(*d.Priority)
	d.Priority = &clamped

	if d.RetryLimit == nil {
		r := def.RetryLimit
		d.RetryLimit = &r
	}
}
