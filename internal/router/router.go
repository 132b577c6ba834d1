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

// Package router turns a caller's request into exactly one dispatched RPC
// call, or a typed failure before any call is made. It validates arguments
// against cached schemas and enforces the policy gate; retries belong to
// the executor.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/metrics"
	"github.com/loomctl/loom/internal/protocol"
	"github.com/loomctl/loom/internal/registry"
	looerrors "github.com/loomctl/loom/pkg/errors"
)

// Dispatcher places a validated call on a server's live session. The
// connection manager implements it.
type Dispatcher interface {
	CallTool(ctx context.Context, serverID, tool string, arguments json.RawMessage, deadline time.Duration) (json.RawMessage, error)
}

// RunContext carries the per-run state the policy gate consults.
type RunContext struct {
	RunID string

	// AllowTools, when non-empty, restricts the run to the listed
	// qualified names.
	AllowTools []string

	// RemainingWall is the run's unconsumed wall budget; zero or negative
	// means exhausted. A negative sentinel is never passed by the executor.
	RemainingWall time.Duration

	// RemainingCost is the run's unconsumed cost budget. Only enforced
	// when CostBudgeted is set (a zero budget means unlimited).
	RemainingCost float64
	CostBudgeted  bool

	// Approved holds qualified names whose approval gate has been resolved
	// in this run.
	Approved map[string]bool
}

// Request is one routing request.
type Request struct {
	QualifiedName string
	Arguments     json.RawMessage
	Run           RunContext
}

// Router resolves, validates, gates, and dispatches tool calls. Stateless
// except for the per-server rate-limit buckets.
type Router struct {
	reg        *registry.Registry
	dispatcher Dispatcher
	logger     *slog.Logger

	defaultCallTimeout time.Duration
	limiters           map[string]*rate.Limiter
	policies           map[string]config.PolicyConfig
}

// New builds a router over the registry and dispatcher. One token bucket
// is created per configured server.
func New(cfg *config.Config, reg *registry.Registry, dispatcher Dispatcher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		reg:                reg,
		dispatcher:         dispatcher,
		logger:             log.WithComponent(logger, "router"),
		defaultCallTimeout: cfg.Sessions.CallTimeout(),
		limiters:           make(map[string]*rate.Limiter, len(cfg.Servers)),
		policies:           make(map[string]config.PolicyConfig, len(cfg.Servers)),
	}
	if r.defaultCallTimeout <= 0 {
		r.defaultCallTimeout = 30 * time.Second
	}
	for _, sc := range cfg.Servers {
		r.policies[sc.ServerID] = sc.Policy
		if sc.Policy.Rate.TokensPerSecond > 0 {
			burst := sc.Policy.Rate.Burst
			if burst <= 0 {
				burst = 1
			}
			r.limiters[sc.ServerID] = rate.NewLimiter(rate.Limit(sc.Policy.Rate.TokensPerSecond), burst)
		}
	}
	return r
}

// Dispatch resolves and validates the request, applies the policy gate,
// and places exactly one call. Every failure before the call is a typed
// routing or policy error; the router never retries.
func (r *Router) Dispatch(ctx context.Context, req Request) (*protocol.ToolResultEnvelope, error) {
	serverID, toolName, err := splitQualifiedName(req.QualifiedName)
	if err != nil {
		return nil, err
	}

	entry, err := r.reg.Available(serverID)
	if err != nil {
		return nil, err
	}
	tool, ok := entry.Tool(toolName)
	if !ok {
		return nil, &looerrors.RoutingError{
			Kind:          looerrors.KindUnknownTool,
			QualifiedName: req.QualifiedName,
		}
	}

	if err := validateArguments(tool, req.QualifiedName, req.Arguments); err != nil {
		return nil, err
	}
	if err := r.applyPolicy(serverID, req); err != nil {
		return nil, err
	}

	deadline := r.defaultCallTimeout
	if req.Run.RemainingWall > 0 && req.Run.RemainingWall < deadline {
		deadline = req.Run.RemainingWall
	}

	start := time.Now()
	raw, err := r.dispatcher.CallTool(ctx, serverID, toolName, req.Arguments, deadline)
	if err != nil {
		metrics.ToolCallObserved(serverID, "error", time.Since(start))
		return nil, classifyCallError(serverID, toolName, err)
	}
	metrics.ToolCallObserved(serverID, "ok", time.Since(start))

	envelope := protocol.ParseToolResult(raw)
	return &envelope, nil
}

// splitQualifiedName parses "<server_id>.<tool_name>".
func splitQualifiedName(qualified string) (string, string, error) {
	serverID, toolName, found := strings.Cut(qualified, ".")
	if !found || serverID == "" || toolName == "" {
		return "", "", &looerrors.RoutingError{
			Kind:          looerrors.KindBadToolName,
			QualifiedName: qualified,
			Detail:        "want <server_id>.<tool_name>",
		}
	}
	return serverID, toolName, nil
}

// validateArguments checks the arguments against the tool's cached input
// schema. The failure carries a pointer to the first violating field.
func validateArguments(tool *registry.Tool, qualified string, arguments json.RawMessage) error {
	if tool.InputSchema == nil {
		return nil
	}
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(arguments, &decoded); err != nil {
		return &looerrors.RoutingError{
			Kind:          looerrors.KindInvalidArguments,
			QualifiedName: qualified,
			Detail:        "arguments are not valid JSON",
		}
	}
	if err := tool.InputSchema.Validate(decoded); err != nil {
		path, detail := firstViolation(err)
		return &looerrors.RoutingError{
			Kind:          looerrors.KindInvalidArguments,
			QualifiedName: qualified,
			Path:          path,
			Detail:        detail,
		}
	}
	return nil
}

// firstViolation digs to the first leaf cause of a validation error and
// returns its JSON pointer and message.
func firstViolation(err error) (string, string) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "", err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	pointer := "/" + strings.Join(verr.InstanceLocation, "/")
	if len(verr.InstanceLocation) == 0 {
		pointer = ""
	}
	return pointer, verr.Error()
}

// applyPolicy runs the policy gate. Order: deny list (deny wins), server
// allowlist, run allowlist, rate limit, budget guard, approval gate.
func (r *Router) applyPolicy(serverID string, req Request) error {
	policy := r.policies[serverID]
	qualified := req.QualifiedName

	if contains(policy.DenyTools, qualified) {
		return &looerrors.PolicyError{
			Kind:   looerrors.KindPolicyDenied,
			Rule:   "deny_tools",
			Detail: qualified + " is denied for this server",
		}
	}
	if len(policy.AllowTools) > 0 && !contains(policy.AllowTools, qualified) {
		return &looerrors.PolicyError{
			Kind:   looerrors.KindPolicyDenied,
			Rule:   "allow_tools",
			Detail: qualified + " is not in the server allowlist",
		}
	}
	if len(req.Run.AllowTools) > 0 && !contains(req.Run.AllowTools, qualified) {
		return &looerrors.PolicyError{
			Kind:   looerrors.KindPolicyDenied,
			Rule:   "run_allowlist",
			Detail: qualified + " is not allowed for this run",
		}
	}

	if limiter := r.limiters[serverID]; limiter != nil && !limiter.Allow() {
		return &looerrors.PolicyError{
			Kind:   looerrors.KindPolicyDenied,
			Rule:   "rate",
			Detail: fmt.Sprintf("rate limit exceeded for %s", serverID),
		}
	}

	if req.Run.RemainingWall <= 0 {
		return &looerrors.PolicyError{
			Kind:   looerrors.KindBudgetExceeded,
			Rule:   "max_wall_ms",
			Detail: "run wall budget exhausted",
		}
	}
	if req.Run.CostBudgeted && req.Run.RemainingCost <= 0 {
		return &looerrors.PolicyError{
			Kind:   looerrors.KindBudgetExceeded,
			Rule:   "max_cost",
			Detail: "run cost budget exhausted",
		}
	}

	if contains(policy.RequiresApproval, qualified) && !req.Run.Approved[qualified] {
		return &looerrors.PolicyError{
			Kind:   looerrors.KindRequiresApproval,
			Rule:   "requires_approval",
			Detail: qualified + " requires approval",
		}
	}
	return nil
}

// classifyCallError maps a session-level failure to the taxonomy. JSON-RPC
// errors from the tool become ToolError with the code preserved; everything
// else passes through unchanged.
func classifyCallError(serverID, tool string, err error) error {
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	return &looerrors.ToolError{
		ServerID:  serverID,
		Tool:      tool,
		Code:      rpcErr.Code,
		Message:   rpcErr.Message,
		Data:      rpcErr.Data,
		Retriable: toolErrorRetriable(rpcErr),
	}
}

// toolErrorRetriable honours the tool's own marking: an error whose data
// carries {"retriable": true} may be retried by the executor.
func toolErrorRetriable(rpcErr *protocol.Error) bool {
	if len(rpcErr.Data) == 0 {
		return false
	}
	var marker struct {
		Retriable bool `json:"retriable"`
	}
	if err := json.Unmarshal(rpcErr.Data, &marker); err != nil {
		return false
	}
	return marker.Retriable
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
