// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Node is one vertex of a ComfyUI workflow graph.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Template is a ComfyUI prompt graph keyed by node id.
type Template map[string]*Node

// LoadTemplate reads and parses a workflow template JSON document.
func LoadTemplate(path string) (Template, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path resolved via the catalog
	if err != nil {
		return nil, fmt.Errorf("read workflow template: %w", err)
	}
	var tpl Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parse workflow template %s: %w", path, err)
	}
	for id, node := range tpl {
		if node == nil {
			return nil, fmt.Errorf("workflow template %s: node %s is null", path, id)
		}
		if node.Inputs == nil {
			node.Inputs = map[string]any{}
		}
	}
	return tpl, nil
}

// Clone deep-copies the template so per-job binding never mutates the
// loaded graph.
func (t Template) Clone() Template {
	out := make(Template, len(t))
	for id, node := range t {
		inputs := make(map[string]any, len(node.Inputs))
		for k, v := range node.Inputs {
			inputs[k] = v
		}
		out[id] = &Node{ClassType: node.ClassType, Inputs: inputs, Meta: node.Meta}
	}
	return out
}

// SaveImageNodes returns the ids of nodes whose class type belongs to
// the SaveImage family, in undefined order.
func (t Template) SaveImageNodes() []string {
	var ids []string
	for id, node := range t {
		if strings.HasPrefix(node.ClassType, "SaveImage") {
			ids = append(ids, id)
		}
	}
	return ids
}
