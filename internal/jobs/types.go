// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package jobs defines the scheduler's job model: types, statuses,
// the filename convention and the on-disk configuration document.
package jobs

import (
	"fmt"
	"time"
)

// Type identifies the generation family a job belongs to.
type Type string

const (
	TypeT2I    Type = "T2I"
	TypeT2V    Type = "T2V"
	TypeSpeech Type = "SPEECH"
	TypeAudio  Type = "AUDIO"
	Type3D     Type = "3D"
)

// typeSubdirs is the single conversion table from job type to the
// per-type subdirectory under the processing and finished roots.
var typeSubdirs = map[Type]string{
	TypeT2I:    "t2i",
	TypeT2V:    "t2v",
	TypeSpeech: "speech",
	TypeAudio:  "audio",
	Type3D:     "3d",
}

// ParseType validates a raw string against the known job types.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := typeSubdirs[t]; !ok {
		return "", fmt.Errorf("unknown job type %q", s)
	}
	return t, nil
}

// Valid reports whether t is one of the known job types.
func (t Type) Valid() bool {
	_, ok := typeSubdirs[t]
	return ok
}

// Subdir returns the lowercase per-type subdirectory name.
func (t Type) Subdir() string {
	return typeSubdirs[t]
}

func (t Type) String() string { return string(t) }

// AllTypes returns the known job types in stable order.
func AllTypes() []Type {
	return []Type{TypeT2I, TypeT2V, TypeSpeech, TypeAudio, Type3D}
}

// Status is the lifecycle state of a job row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// ParseStatus validates a raw string against the known statuses.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusDone, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether the status ends scheduling for the row.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

func (s Status) String() string { return string(s) }

// Priority bounds. Lower values run sooner.
const (
	PriorityMin = 1
	PriorityMax = 999
)

// ClampPriority confines p to [PriorityMin, PriorityMax].
// Out-of-range priorities are clamped, never rejected.
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// Job is one row in the store: the scheduling state of a single
// configuration file, keyed by ConfigName.
type Job struct {
	ID               int64
	ConfigName       string
	Type             Type
	WorkflowID       string
	Priority         int
	Status           Status
	RunCount         int
	RetriesAttempted int
	RetryLimit       int
	StartTime        *time.Time
	EndTime          *time.Time
	DurationSeconds  float64
	ErrorTrace       string
	Metadata         []byte // opaque success payload
	WorkerID         string // empty when unleased
	LeaseExpiresAt   *time.Time
}

// Leased reports whether the row currently carries a lease.
func (j *Job) Leased() bool {
	return j.WorkerID != "" && j.LeaseExpiresAt != nil
}
