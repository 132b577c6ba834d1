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
	"fmt"
	"sort"
	"sync"
	"time"

	looerrors "github.com/loomctl/loom/pkg/errors"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
// Runs do not survive a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	steps     map[string][]*Step
	approvals map[string]*Approval
	citations map[string][]*Citation
	events    map[string][]*Event
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		steps:     make(map[string][]*Step),
		approvals: make(map[string]*Approval),
		citations: make(map[string][]*Citation),
		events:    make(map[string][]*Event),
	}
}

// CreateRun implements Store.
func (m *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; exists {
		return looerrors.Internal(fmt.Sprintf("run %s already exists", run.RunID), nil)
	}
	copied := *run
	m.runs[run.RunID] = &copied
	return nil
}

// GetRun implements Store.
func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, notFound("run", runID)
	}
	copied := *run
	return &copied, nil
}

// UpdateRunStatus implements Store.
func (m *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, to RunStatus, reason StopReason, endedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return notFound("run", runID)
	}
	if run.Status.Terminal() {
		return &looerrors.StateError{
			Kind:     looerrors.KindAlreadyTerminal,
			Resource: "run",
			ID:       runID,
		}
	}
	if !CanTransition(run.Status, to) {
		return looerrors.Internal(
			fmt.Sprintf("run %s: forbidden transition %s -> %s", runID, run.Status, to), nil)
	}
	run.Status = to
	run.Reason = reason
	run.EndedAt = endedAt
	return nil
}

// UpdateRunTotals implements Store.
func (m *MemoryStore) UpdateRunTotals(ctx context.Context, runID string, totals Totals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return notFound("run", runID)
	}
	run.Totals = totals
	return nil
}

// NonTerminalRuns implements Store.
func (m *MemoryStore) NonTerminalRuns(ctx context.Context) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Run
	for _, run := range m.runs {
		if !run.Status.Terminal() {
			copied := *run
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

// AppendStep implements Store.
func (m *MemoryStore) AppendStep(ctx context.Context, step *Step, citations []*Citation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[step.RunID]; !ok {
		return notFound("run", step.RunID)
	}
	existing := m.steps[step.RunID]
	if want := len(existing) + 1; step.Ordinal != want {
		return looerrors.Internal(
			fmt.Sprintf("run %s: step ordinal %d, want %d", step.RunID, step.Ordinal, want), nil)
	}
	copied := *step
	m.steps[step.RunID] = append(existing, &copied)
	for _, c := range citations {
		cc := *c
		m.citations[step.RunID] = append(m.citations[step.RunID], &cc)
	}
	return nil
}

// Steps implements Store.
func (m *MemoryStore) Steps(ctx context.Context, runID string) ([]*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps := m.steps[runID]
	out := make([]*Step, len(steps))
	for i, s := range steps {
		copied := *s
		out[i] = &copied
	}
	return out, nil
}

// Citations implements Store.
func (m *MemoryStore) Citations(ctx context.Context, runID string) ([]*Citation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	citations := m.citations[runID]
	out := make([]*Citation, len(citations))
	for i, c := range citations {
		copied := *c
		out[i] = &copied
	}
	return out, nil
}

// CreateApproval implements Store.
func (m *MemoryStore) CreateApproval(ctx context.Context, approval *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.approvals[approval.ApprovalID]; exists {
		return looerrors.Internal(fmt.Sprintf("approval %s already exists", approval.ApprovalID), nil)
	}
	copied := *approval
	if copied.Decision == "" {
		copied.Decision = DecisionPending
	}
	m.approvals[approval.ApprovalID] = &copied
	return nil
}

// ResolveApproval implements Store.
func (m *MemoryStore) ResolveApproval(ctx context.Context, approvalID string, decision Decision, at time.Time) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	approval, ok := m.approvals[approvalID]
	if !ok {
		return nil, notFound("approval", approvalID)
	}
	if approval.Decision != DecisionPending {
		return nil, &looerrors.StateError{
			Kind:     looerrors.KindAlreadyResolved,
			Resource: "approval",
			ID:       approvalID,
		}
	}
	approval.Decision = decision
	approval.ResolvedAt = &at
	copied := *approval
	return &copied, nil
}

// PendingApprovals implements Store.
func (m *MemoryStore) PendingApprovals(ctx context.Context, runID string) ([]*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Approval
	for _, approval := range m.approvals {
		if approval.RunID == runID && approval.Decision == DecisionPending {
			copied := *approval
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// AppendEvent implements Store.
func (m *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *event
	m.events[event.RunID] = append(m.events[event.RunID], &copied)
	return nil
}

// EventsSince implements Store.
func (m *MemoryStore) EventsSince(ctx context.Context, runID string, after int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, event := range m.events[runID] {
		if event.Sequence > after {
			copied := *event
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
