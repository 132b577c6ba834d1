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

package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// staticPlan is the declarative plan document the StaticPlanner consumes.
type staticPlan struct {
	Steps []ProposedStep `json:"steps"`
}

// StaticPlanner replays a declarative plan document: each iteration it
// proposes the steps not yet committed, in order. It never extends the
// plan dynamically.
type StaticPlanner struct{}

var _ Planner = (*StaticPlanner)(nil)

// PlanNext implements Planner.
func (p *StaticPlanner) PlanNext(ctx context.Context, input PlanInput) ([]ProposedStep, error) {
	var plan staticPlan
	if err := json.Unmarshal(input.Plan, &plan); err != nil {
		return nil, fmt.Errorf("static plan does not parse: %w", err)
	}
	done := len(input.Completed)
	if done >= len(plan.Steps) {
		return nil, nil
	}
	return plan.Steps[done:], nil
}

// ContractCritic enforces the minimum step contracts: the tool must be a
// well-formed qualified name available right now, and every required
// prior step must exist and have succeeded.
type ContractCritic struct{}

var _ Critic = (*ContractCritic)(nil)

// Critique codes emitted by ContractCritic.
const (
	CodeBadToolName     = "bad_tool_name"
	CodeUnknownTool     = "unknown_tool"
	CodeMissingRequired = "missing_required_step"
	CodeRequiredErrored = "required_step_errored"
)

// Review implements Critic.
func (c *ContractCritic) Review(ctx context.Context, step ProposedStep, input PlanInput) Critique {
	serverID, toolName, found := strings.Cut(step.QualifiedName, ".")
	if !found || serverID == "" || toolName == "" {
		return Critique{
			Code:   CodeBadToolName,
			Reason: fmt.Sprintf("%q is not <server_id>.<tool_name>", step.QualifiedName),
		}
	}

	if len(input.AvailableTools) > 0 {
		known := false
		for _, name := range input.AvailableTools {
			if name == step.QualifiedName {
				known = true
				break
			}
		}
		if !known {
			return Critique{
				Code:   CodeUnknownTool,
				Reason: fmt.Sprintf("%s is not offered by any ready server", step.QualifiedName),
			}
		}
	}

	for _, ordinal := range step.Requires {
		if ordinal < 1 || ordinal > len(input.Completed) {
			return Critique{
				Code:   CodeMissingRequired,
				Reason: fmt.Sprintf("required step %d has not run", ordinal),
			}
		}
		if prior := input.Completed[ordinal-1]; prior.Error != "" {
			return Critique{
				Code:   CodeRequiredErrored,
				Reason: fmt.Sprintf("required step %d failed: %s", ordinal, prior.Error),
			}
		}
	}

	return Critique{OK: true}
}
