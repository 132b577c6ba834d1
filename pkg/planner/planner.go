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

// Package planner defines the planning contracts the run executor drives.
// A Planner proposes ordered steps from the submitted plan and the run's
// progress; a Critic checks each proposed step's minimum contracts before
// any side-effecting call. Implementations must be stateless; per-run
// state lives in the executor and the run store.
package planner

import (
	"context"
	"encoding/json"
)

// ProposedStep is one step the planner wants executed next.
type ProposedStep struct {
	// QualifiedName is "<server_id>.<tool_name>".
	QualifiedName string `json:"tool"`

	// Input is the tool's argument object.
	Input json.RawMessage `json:"input,omitempty"`

	// Requires lists ordinals of prior steps this step builds on. The
	// critic refuses the step when a required step is missing or errored.
	Requires []int `json:"requires,omitempty"`
}

// StepOutcome summarizes one committed step for the planner.
type StepOutcome struct {
	Ordinal       int
	QualifiedName string
	Output        json.RawMessage
	Error         string
	Cost          float64
	ArtefactRefs  []string
}

// PlanInput is what the executor hands the planner each iteration.
type PlanInput struct {
	RunID string

	// Plan is the submitted plan or prompt, verbatim.
	Plan json.RawMessage

	// Completed holds the run's committed steps in ordinal order.
	Completed []StepOutcome

	// AvailableTools lists the qualified names callable right now.
	AvailableTools []string
}

// Planner proposes the next ordered steps of a run. An empty proposal
// means the planner has no further work; the executor terminates the run
// with plan_exhausted once proposals stay empty.
type Planner interface {
	PlanNext(ctx context.Context, input PlanInput) ([]ProposedStep, error)
}

// Critique is the critic's verdict on one proposed step. Code is stable
// per failure class so the executor can detect a stuck planner.
type Critique struct {
	OK     bool
	Code   string
	Reason string
}

// Critic checks a proposed step's minimum contracts before dispatch.
type Critic interface {
	Review(ctx context.Context, step ProposedStep, input PlanInput) Critique
}
