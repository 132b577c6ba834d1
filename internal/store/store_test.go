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

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	looerrors "github.com/loomctl/loom/pkg/errors"
)

// backends runs the conformance suite against every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "loom.db"),
		WAL:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func newRun(runID string) *Run {
	return &Run{
		RunID:       runID,
		Submitter:   "tester",
		Plan:        json.RawMessage(`{"steps":[]}`),
		Status:      StatusQueued,
		Budgets:     Budgets{MaxSteps: 10, MaxWallMS: 60000, MaxCost: 5},
		SubmittedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func finishedStep(runID string, ordinal int) *Step {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Step{
		StepID:     runID + "-s" + string(rune('0'+ordinal)),
		RunID:      runID,
		Ordinal:    ordinal,
		ServerID:   "scholar",
		ToolName:   "search",
		Input:      json.RawMessage(`{"query":"x"}`),
		Output:     json.RawMessage(`{"hits":1}`),
		StartedAt:  now,
		FinishedAt: &now,
		Attempts:   1,
		AttemptLog: []Attempt{{Number: 1, StartedAt: now, FinishedAt: now}},
		Cost:       0.5,
	}
}

func TestRunLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.CreateRun(ctx, newRun("r1")))

			got, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, StatusQueued, got.Status)
			assert.Equal(t, 10, got.Budgets.MaxSteps)
			assert.JSONEq(t, `{"steps":[]}`, string(got.Plan))

			require.NoError(t, s.UpdateRunStatus(ctx, "r1", StatusRunning, "", nil))
			ended := time.Now().UTC()
			require.NoError(t, s.UpdateRunStatus(ctx, "r1", StatusSucceeded, ReasonPlanExhausted, &ended))

			got, err = s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, StatusSucceeded, got.Status)
			assert.Equal(t, ReasonPlanExhausted, got.Reason)
			require.NotNil(t, got.EndedAt)
		})
	}
}

func TestGetRun_NotFound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetRun(context.Background(), "ghost")
			require.Error(t, err)
			assert.Equal(t, looerrors.KindNotFound, looerrors.KindOf(err))
		})
	}
}

func TestUpdateRunStatus_TerminalIsSealed(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateRun(ctx, newRun("r1")))
			require.NoError(t, s.UpdateRunStatus(ctx, "r1", StatusCancelled, ReasonCancelled, nil))

			err := s.UpdateRunStatus(ctx, "r1", StatusRunning, "", nil)
			require.Error(t, err)
			assert.Equal(t, looerrors.KindAlreadyTerminal, looerrors.KindOf(err))
		})
	}
}

func TestUpdateRunStatus_ForbiddenTransition(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateRun(ctx, newRun("r1")))

			// queued -> paused_for_approval skips running.
			err := s.UpdateRunStatus(ctx, "r1", StatusPausedForApproval, "", nil)
			require.Error(t, err)
			assert.Equal(t, looerrors.KindInternal, looerrors.KindOf(err))
		})
	}
}

func TestAppendStep_DenseOrdinals(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateRun(ctx, newRun("r1")))

			require.NoError(t, s.AppendStep(ctx, finishedStep("r1", 1), nil))
			require.NoError(t, s.AppendStep(ctx, finishedStep("r1", 2), nil))

			// A gap is rejected.
			err := s.AppendStep(ctx, finishedStep("r1", 4), nil)
			require.Error(t, err)

			// A duplicate ordinal is rejected.
			err = s.AppendStep(ctx, finishedStep("r1", 2), nil)
			require.Error(t, err)

			steps, err := s.Steps(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, steps, 2)
			for i, step := range steps {
				assert.Equal(t, i+1, step.Ordinal)
			}
		})
	}
}

func TestAppendStep_RoundTripsRecord(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateRun(ctx, newRun("r1")))

			step := finishedStep("r1", 1)
			step.Error = "corpus is rebuilding"
			step.ErrorKind = "tool"
			step.Output = nil
			step.Attempts = 3
			now := time.Now().UTC().Truncate(time.Millisecond)
			step.AttemptLog = []Attempt{
				{Number: 1, Error: "broken pipe", StartedAt: now, FinishedAt: now},
				{Number: 2, Error: "broken pipe", StartedAt: now, FinishedAt: now},
				{Number: 3, Error: "corpus is rebuilding", StartedAt: now, FinishedAt: now},
			}
			step.ArtefactRefs = []string{"sha256:abc"}
			require.NoError(t, s.AppendStep(ctx, step, nil))

			steps, err := s.Steps(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, steps, 1)
			got := steps[0]
			assert.Equal(t, "corpus is rebuilding", got.Error)
			assert.Equal(t, "tool", got.ErrorKind)
			assert.Empty(t, got.Output)
			assert.Equal(t, 3, got.Attempts)
			require.Len(t, got.AttemptLog, 3)
			assert.Equal(t, "broken pipe", got.AttemptLog[0].Error)
			assert.Equal(t, []string{"sha256:abc"}, got.ArtefactRefs)
		})
	}
}

func TestAppendStep_CitationsCommitAtomically(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateRun(ctx, newRun("r1")))

			citations := []*Citation{
				{CitationID: "c1", RunID: "r1", StepID: "r1-s1", ArtefactID: "sha256:abc", Locator: "p.3"},
				{CitationID: "c2", RunID: "r1", StepID: "r1-s1", ExternalRef: "doi:10.1/xyz", Locator: "fig.2"},
			}
			require.NoError(t, s.AppendStep(ctx, finishedStep("r1", 1), citations))

			got, err := s.Citations(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "sha256:abc", got[0].ArtefactID)
			assert.Equal(t, "doi:10.1/xyz", got[1].ExternalRef)
		})
	}
}

func TestApprovals_ResolveAtMostOnce(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateRun(ctx, newRun("r1")))

			approval := &Approval{
				ApprovalID:    "a1",
				RunID:         "r1",
				QualifiedName: "scholar.publish",
				Reason:        "sensitive tool",
				RequestedAt:   time.Now().UTC(),
			}
			require.NoError(t, s.CreateApproval(ctx, approval))

			pending, err := s.PendingApprovals(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, DecisionPending, pending[0].Decision)

			resolved, err := s.ResolveApproval(ctx, "a1", DecisionApproved, time.Now().UTC())
			require.NoError(t, err)
			assert.Equal(t, DecisionApproved, resolved.Decision)
			require.NotNil(t, resolved.ResolvedAt)

			_, err = s.ResolveApproval(ctx, "a1", DecisionRejected, time.Now().UTC())
			require.Error(t, err)
			assert.Equal(t, looerrors.KindAlreadyResolved, looerrors.KindOf(err))

			_, err = s.ResolveApproval(ctx, "ghost", DecisionApproved, time.Now().UTC())
			require.Error(t, err)
			assert.Equal(t, looerrors.KindNotFound, looerrors.KindOf(err))

			pending, err = s.PendingApprovals(ctx, "r1")
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestNonTerminalRuns(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateRun(ctx, newRun("r1")))
			require.NoError(t, s.CreateRun(ctx, newRun("r2")))
			require.NoError(t, s.CreateRun(ctx, newRun("r3")))
			require.NoError(t, s.UpdateRunStatus(ctx, "r2", StatusCancelled, ReasonCancelled, nil))

			open, err := s.NonTerminalRuns(ctx)
			require.NoError(t, err)
			ids := make([]string, len(open))
			for i, run := range open {
				ids[i] = run.RunID
			}
			assert.ElementsMatch(t, []string{"r1", "r3"}, ids)
		})
	}
}

func TestEvents_CursorReplay(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateRun(ctx, newRun("r1")))

			for seq := int64(1); seq <= 4; seq++ {
				require.NoError(t, s.AppendEvent(ctx, &Event{
					RunID:    "r1",
					Sequence: seq,
					At:       time.Now().UTC(),
					Kind:     "step_finished",
					Payload:  json.RawMessage(`{"ordinal":1}`),
				}))
			}

			events, err := s.EventsSince(ctx, "r1", 2)
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, int64(3), events[0].Sequence)
			assert.Equal(t, int64(4), events[1].Sequence)

			all, err := s.EventsSince(ctx, "r1", 0)
			require.NoError(t, err)
			assert.Len(t, all, 4)
		})
	}
}

func TestTotals_ReplayMatchesPersisted(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateRun(ctx, newRun("r1")))

			var totals Totals
			for ordinal := 1; ordinal <= 3; ordinal++ {
				step := finishedStep("r1", ordinal)
				require.NoError(t, s.AppendStep(ctx, step, nil))
				totals.Steps++
				totals.Cost += step.Cost
			}
			require.NoError(t, s.UpdateRunTotals(ctx, "r1", totals))

			run, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)

			steps, err := s.Steps(ctx, "r1")
			require.NoError(t, err)
			var replayed Totals
			for _, step := range steps {
				replayed.Steps++
				replayed.Cost += step.Cost
			}
			assert.Equal(t, run.Totals.Steps, replayed.Steps)
			assert.InDelta(t, run.Totals.Cost, replayed.Cost, 1e-9)
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusSucceeded, false},
		{StatusRunning, StatusPausedForApproval, true},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusPausedForApproval, StatusRunning, true},
		{StatusPausedForApproval, StatusFailed, true},
		{StatusPausedForApproval, StatusCancelled, true},
		{StatusSucceeded, StatusRunning, false},
		{StatusFailed, StatusCancelled, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}
