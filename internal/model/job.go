// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"fmt"
	"regexp"
	"time"
)

// JobState is the lifecycle of a submitted job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobAssigned  JobState = "assigned"
	JobRunning   JobState = "running"
	JobCanceling JobState = "canceling"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCanceled  JobState = "canceled"
)

// IsTerminal reports whether no further transition is possible from s (I3).
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCanceled:
		return true
	}
	return false
}

// JobMode controls client-heartbeat semantics.
type JobMode string

const (
	ModeActive   JobMode = "active"
	ModeDetached JobMode = "detached"
)

// FailureKind is a stable tag recorded in Job.FailureKind.
type FailureKind string

const (
	FailureWorkerLost       FailureKind = "worker_lost"
	FailureHeartbeatLost    FailureKind = "heartbeat_lost"
	FailureNoEligibleWorker FailureKind = "no_eligible_worker"
	FailureClientDisconnect FailureKind = "client_disconnected"
)

var variableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ArgvTokenKind discriminates the two shapes an argv token may take.
type ArgvTokenKind string

const (
	TokenLiteral ArgvTokenKind = "literal"
	TokenVar     ArgvTokenKind = "var"
)

// ArgvToken is one element of a Job's argv. Exactly one of Value or
// (Variable, Subpath) is meaningful, selected by Kind.
type ArgvToken struct {
	Kind     ArgvTokenKind `json:"kind"`
	Value    string        `json:"value,omitempty"`
	Variable string        `json:"variable,omitempty"`
	Subpath  string        `json:"subpath,omitempty"`
}

// Validate checks wire-format shape only: it never inspects Subpath content,
// per the path-blindness invariant (I6) — subpaths are opaque to the Coordinator.
func (t ArgvToken) Validate() error {
	switch t.Kind {
	case TokenLiteral:
		return nil
	case TokenVar:
		if !variableNamePattern.MatchString(t.Variable) {
			return fmt.Errorf("invalid variable name %q", t.Variable)
		}
		return nil
	default:
		return fmt.Errorf("unknown argv token kind %q", t.Kind)
	}
}

// RequiredVariables derives the set of distinct variable names referenced by argv.
func RequiredVariables(argv []ArgvToken) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range argv {
		if t.Kind != TokenVar {
			continue
		}
		if _, ok := seen[t.Variable]; ok {
			continue
		}
		seen[t.Variable] = struct{}{}
		out = append(out, t.Variable)
	}
	return out
}

// Job is the storage row for one submitted encode job.
type Job struct {
	JobID               string
	SubmitterID         string
	AssigneeID          string // empty when unassigned
	State               JobState
	Binary              string
	Argv                []ArgvToken
	RequiredVariables   []string
	Mode                JobMode
	CreatedAt           time.Time
	AssignedAt          time.Time
	StartedAt           time.Time
	EndedAt             time.Time
	StateEnteredAt      time.Time
	HeartbeatIntervalS  int
	LastHeartbeatAt     time.Time
	LastClientHeartbeat time.Time
	ExitCode            *int
	FailureKind         FailureKind
	TransportChoice     string
}

// A worker's running-job count is tracked at the Worker level
// (Worker.RunningJobIDs), not here; Job carries only its own state.

// Log sequence numbers are assigned by the store's JobAppendLog, which owns
// sequencing.
