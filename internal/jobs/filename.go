// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package jobs

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Filename convention: TYPE_IDENTIFIER_INDEX_JOBNAME.yaml
//
// TYPE is one of the job type enum values, IDENTIFIER is a 14-digit
// timestamp or an alphanumeric token, INDEX is an integer and JOBNAME
// is an arbitrary alphanumeric/underscore string. Parse and Format
// are inverses for any valid tuple.

var (
	identifierRe = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	jobnameRe    = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// ParsedName is the decomposition of a configuration filename.
type ParsedName struct {
	Type       Type
	Identifier string
	Index      int
	JobName    string
}

// ParseFilename decomposes the basename of a configuration file.
// The extension must be .yaml or .yml.
func ParseFilename(name string) (ParsedName, error) {
	base := filepath.Base(name)
	ext := strings.ToLower(filepath.Ext(base))
	if ext != ".yaml" && ext != ".yml" {
		return ParsedName{}, ValidationError("filename %q: extension must be .yaml or .yml", base)
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	parts := strings.Split(stem, "_")
	if len(parts) < 4 {
		return ParsedName{}, ValidationError("filename %q: want TYPE_IDENTIFIER_INDEX_JOBNAME, got %d segments", base, len(parts))
	}

	typ, err := ParseType(parts[0])
	if err != nil {
		return ParsedName{}, ValidationError("filename %q: %v", base, err)
	}

	identifier := parts[1]
	if !identifierRe.MatchString(identifier) {
		return ParsedName{}, ValidationError("filename %q: identifier %q is not alphanumeric", base, identifier)
	}

	index, err := strconv.Atoi(parts[2])
	if err != nil {
		return ParsedName{}, ValidationError("filename %q: index %q is not an integer", base, parts[2])
	}

	jobname := strings.Join(parts[3:], "_")
	if !jobnameRe.MatchString(jobname) {
		return ParsedName{}, ValidationError("filename %q: jobname %q contains characters outside [A-Za-z0-9_]", base, jobname)
	}

	return ParsedName{Type: typ, Identifier: identifier, Index: index, JobName: jobname}, nil
}

// FormatFilename is the constructive inverse of ParseFilename.
func FormatFilename(p ParsedName) string {
	return fmt.Sprintf("%s_%s_%d_%s.yaml", p.Type, p.Identifier, p.Index, p.JobName)
}
