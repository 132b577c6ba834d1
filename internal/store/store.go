// Copyright 2025 The Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists runs, steps, approvals, citations, and run events
// as an append-only log with indexed access. Step appends are transactional:
// a step is fully committed with its outcome or not at all.
package store

import (
	"context"
	"encoding/json"
	"time"

	looerrors "github.com/loomctl/loom/pkg/errors"
)

// RunStatus is a run's lifecycle state.
type RunStatus string

const (
	StatusQueued            RunStatus = "queued"
	StatusRunning           RunStatus = "running"
	StatusPausedForApproval RunStatus = "paused_for_approval"
	StatusSucceeded         RunStatus = "succeeded"
	StatusFailed            RunStatus = "failed"
	StatusCancelled         RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal runs are sealed.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// transitions is the allowed status graph. No state reverts.
var transitions = map[RunStatus][]RunStatus{
	StatusQueued:            {StatusRunning, StatusCancelled},
	StatusRunning:           {StatusPausedForApproval, StatusSucceeded, StatusFailed, StatusCancelled},
	StatusPausedForApproval: {StatusRunning, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from → to is an allowed move.
func CanTransition(from, to RunStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StopReason is the machine-readable reason attached to a terminal status.
type StopReason string

const (
	ReasonWallBudgetExhausted StopReason = "wall_budget_exhausted"
	ReasonCostBudgetExhausted StopReason = "cost_budget_exhausted"
	ReasonCriticStuck         StopReason = "critic_stuck"
	ReasonPlanExhausted       StopReason = "plan_exhausted"
	ReasonStepBudgetReached   StopReason = "step_budget_reached"
	ReasonApprovalRejected    StopReason = "approval_rejected"
	ReasonToolUnreachable     StopReason = "tool_unreachable"
	ReasonCrashRecovery       StopReason = "crash_recovery"
	ReasonCancelled           StopReason = "cancelled"
	ReasonStepFailed          StopReason = "step_failed"
)

// Budgets caps a run's resource consumption. Zero values mean unlimited.
type Budgets struct {
	MaxSteps  int     `json:"max_steps,omitempty"`
	MaxWallMS int64   `json:"max_wall_ms,omitempty"`
	MaxCost   float64 `json:"max_cost,omitempty"`
}

// MaxWall returns the wall budget as a duration.
func (b Budgets) MaxWall() time.Duration {
	return time.Duration(b.MaxWallMS) * time.Millisecond
}

// Totals accumulates what a run has consumed so far.
type Totals struct {
	Steps  int     `json:"steps"`
	Cost   float64 `json:"cost"`
	WallMS int64   `json:"wall_ms"`
}

// Run is the persistent record of one run.
type Run struct {
	RunID     string
	Submitter string

	// Plan is the submitted plan or prompt, verbatim.
	Plan json.RawMessage

	// AllowTools is the per-run allowlist; empty means any tool.
	AllowTools []string

	Status  RunStatus
	Reason  StopReason
	Budgets Budgets
	Totals  Totals

	SubmittedAt time.Time
	EndedAt     *time.Time
}

// Attempt is one dispatch attempt inside a step record.
type Attempt struct {
	Number     int       `json:"number"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Step is one committed step. Steps are appended already finalized and
// never mutated afterwards.
type Step struct {
	StepID  string
	RunID   string
	Ordinal int

	ServerID string
	ToolName string

	Input  json.RawMessage
	Output json.RawMessage

	// Error and ErrorKind are set when the step failed.
	Error     string
	ErrorKind string

	StartedAt  time.Time
	FinishedAt *time.Time

	// Attempts counts dispatch attempts; AttemptLog has one sub-entry per
	// attempt, in order.
	Attempts   int
	AttemptLog []Attempt

	Cost         float64
	ArtefactRefs []string
}

// Decision is the resolution state of an approval.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Approval gates a sensitive step on a human decision.
type Approval struct {
	ApprovalID string
	RunID      string
	StepID     string

	// QualifiedName is the gated tool; the executor re-dispatches it after
	// an approved resolution.
	QualifiedName string

	Reason      string
	RequestedAt time.Time
	ResolvedAt  *time.Time
	Decision    Decision
}

// Citation binds a claim in step output to its supporting source.
type Citation struct {
	CitationID  string
	RunID       string
	StepID      string
	ArtefactID  string
	ExternalRef string
	Locator     string
}

// Event is one persisted run event, keyed by a per-run monotonic sequence
// so subscribers can resume from a (run_id, sequence) cursor.
type Event struct {
	RunID    string
	Sequence int64
	At       time.Time
	Kind     string
	Payload  json.RawMessage
}

// Store is the durable run log.
type Store interface {
	// CreateRun persists a new run in its initial status.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun returns the run or NotFound.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// UpdateRunStatus moves the run through the status graph. Fails with
	// AlreadyTerminal when the run is sealed and with Internal on a move
	// the graph forbids. Terminal moves set endedAt.
	UpdateRunStatus(ctx context.Context, runID string, to RunStatus, reason StopReason, endedAt *time.Time) error

	// UpdateRunTotals replaces the run's accumulated totals.
	UpdateRunTotals(ctx context.Context, runID string, totals Totals) error

	// NonTerminalRuns lists runs whose last durable status is not terminal.
	NonTerminalRuns(ctx context.Context) ([]*Run, error)

	// AppendStep commits one finalized step and its citations atomically.
	// The ordinal must be exactly one past the run's last committed step.
	AppendStep(ctx context.Context, step *Step, citations []*Citation) error

	// Steps returns the run's steps in ordinal order.
	Steps(ctx context.Context, runID string) ([]*Step, error)

	// Citations returns the run's citations in commit order.
	Citations(ctx context.Context, runID string) ([]*Citation, error)

	// CreateApproval persists a pending approval.
	CreateApproval(ctx context.Context, approval *Approval) error

	// ResolveApproval records the decision. Fails with NotFound for an
	// unknown id and AlreadyResolved for a second resolution.
	ResolveApproval(ctx context.Context, approvalID string, decision Decision, at time.Time) (*Approval, error)

	// PendingApprovals lists a run's unresolved approvals.
	PendingApprovals(ctx context.Context, runID string) ([]*Approval, error)

	// AppendEvent persists one run event for cursor replay.
	AppendEvent(ctx context.Context, event *Event) error

	// EventsSince returns a run's events with sequence greater than after,
	// in sequence order.
	EventsSince(ctx context.Context, runID string, after int64) ([]*Event, error)

	// Close releases the store.
	Close() error
}

// notFound builds the store's NotFound error.
func notFound(resource, id string) error {
	return &looerrors.StateError{
		Kind:     looerrors.KindNotFound,
		Resource: resource,
		ID:       id,
	}
}
