// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/ManuGH/comfysched/internal/jobs"
)

// persistOutputs writes the collected payloads to the destination
// derived from outputs.file_path. A single payload takes the path
// verbatim; additional payloads get numbered siblings. Writes are
// atomic so consumers never observe partial artifacts, and retries
// overwrite previous attempts.
func persistOutputs(payloads [][]byte, filePath string) ([]string, int, error) {
	if len(payloads) == 0 {
		return []string{}, 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o750); err != nil {
		return nil, 0, jobs.TerminalError("create output dir: %v", err)
	}

	ext := filepath.Ext(filePath)
	stem := strings.TrimSuffix(filePath, ext)

	saved := make([]string, 0, len(payloads))
	total := 0
	for i, payload := range payloads {
		dst := filePath
		if i > 0 {
			dst = fmt.Sprintf("%s_%02d%s", stem, i, ext)
		}
		if err := renameio.WriteFile(dst, payload, 0o640); err != nil {
			return nil, 0, jobs.TransientError("write output %s: %v", dst, err)
		}
		saved = append(saved, dst)
		total += len(payload)
	}
	return saved, total, nil
}
