// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package jobs

import (
	"errors"
	"fmt"
)

// Category classifies a failure for retry-policy purposes.
type Category string

const (
	// CategoryValidation marks rejections at ingest or bind time:
	// malformed filenames, schema violations, unknown workflows.
	CategoryValidation Category = "validation"
	// CategoryTransient marks failures worth retrying: connection
	// refused, WebSocket disconnects, submission timeouts.
	CategoryTransient Category = "transient"
	// CategoryTerminal marks failures that exhaust or bypass retries.
	CategoryTerminal Category = "terminal"
	// CategoryOrphan marks leases reclaimed after executor death.
	CategoryOrphan Category = "orphan"
)

// Error pairs an underlying error with its retry category. Every
// executor I/O boundary returns one so the loop can account retries
// without inspecting error strings.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ValidationError wraps err as a validation failure.
func ValidationError(format string, args ...any) *Error {
	return &Error{Category: CategoryValidation, Err: fmt.Errorf(format, args...)}
}

// TransientError wraps err as a retryable failure.
func TransientError(format string, args ...any) *Error {
	return &Error{Category: CategoryTransient, Err: fmt.Errorf(format, args...)}
}

// TerminalError wraps err as a non-retryable failure.
func TerminalError(format string, args ...any) *Error {
	return &Error{Category: CategoryTerminal, Err: fmt.Errorf(format, args...)}
}

// CategoryOf extracts the category from err, defaulting to transient
// so unclassified failures stay subject to the retry budget.
func CategoryOf(err error) Category {
	var je *Error
	if errors.As(err, &je) {
		return je.Category
	}
	return CategoryTransient
}
