// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package workflow

import (
	"path/filepath"
	"strings"

	"github.com/ManuGH/comfysched/internal/jobs"
)

// Bind writes job inputs into a clone of the template and applies the
// output filename prefix to SaveImage-family nodes.
//
// Input keys come in two forms. A node-qualified key "<node>_<param>"
// (split on the first underscore) addresses one slot of the graph and
// is written when the node and parameter both exist. A bare logical
// name (e.g. "prompt") carries no addressing information and is left
// to its node-qualified equivalent, which validation guarantees is
// present.
func Bind(tpl Template, inputs map[string]any, outputPath string) (Template, error) {
	bound := tpl.Clone()

	writes := 0
	for key, value := range inputs {
		nodeID, param, ok := strings.Cut(key, "_")
		if !ok {
			continue // logical name, satisfied via a qualified key
		}
		node, exists := bound[nodeID]
		if !exists {
			continue
		}
		if _, exists := node.Inputs[param]; !exists {
			continue
		}
		node.Inputs[param] = value
		writes++
	}
	if writes == 0 && len(inputs) > 0 {
		return nil, jobs.ValidationError("no input key matched a workflow node")
	}

	if outputPath != "" {
		stem := strings.TrimSuffix(filepath.Base(outputPath), filepath.Ext(outputPath))
		for _, id := range bound.SaveImageNodes() {
			bound[id].Inputs["filename_prefix"] = stem
		}
	}

	return bound, nil
}
