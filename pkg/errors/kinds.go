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

// Package errors defines the closed error taxonomy of the coordination core.
// Every failure that crosses a component boundary carries a stable Kind so
// callers can branch on category without string matching.
package errors

// Kind is a stable, machine-readable error category.
type Kind string

const (
	// Transport errors: the connection could not be made or was lost.

	// KindTransportUnavailable means the remote could not be reached within
	// the configured connect deadline.
	KindTransportUnavailable Kind = "transport_unavailable"
	// KindTransportBroken means an established connection failed.
	KindTransportBroken Kind = "transport_broken"

	// Protocol errors: a well-formed conversation broken by the peer or time.

	// KindProtocolViolation means the peer sent a malformed or unexpected frame.
	KindProtocolViolation Kind = "protocol_violation"
	// KindDeadlineExceeded means no response arrived before the call deadline.
	KindDeadlineExceeded Kind = "deadline_exceeded"
	// KindSessionClosed means the session was closed while the call was pending.
	KindSessionClosed Kind = "session_closed"

	// Routing errors: the call cannot be placed.

	// KindBadToolName means the qualified name did not parse as server.tool.
	KindBadToolName Kind = "bad_tool_name"
	// KindUnknownServer means no server with that id is configured.
	KindUnknownServer Kind = "unknown_server"
	// KindUnknownTool means the server does not expose that tool.
	KindUnknownTool Kind = "unknown_tool"
	// KindInvalidArguments means the arguments violate the tool's input schema.
	KindInvalidArguments Kind = "invalid_arguments"
	// KindServerUnavailable means the server exists but is not ready for calls.
	KindServerUnavailable Kind = "server_unavailable"

	// Policy errors: the call is well-formed but not permitted right now.

	// KindPolicyDenied means an allow/deny rule or rate limit rejected the call.
	KindPolicyDenied Kind = "policy_denied"
	// KindBudgetExceeded means the projected call would exceed a run budget.
	KindBudgetExceeded Kind = "budget_exceeded"
	// KindRequiresApproval means the tool is gated on an unresolved approval.
	KindRequiresApproval Kind = "requires_approval"

	// KindTool wraps an error the tool server returned inside JSON-RPC.
	KindTool Kind = "tool_error"

	// State errors: invalid transition requested by the admission surface.

	// KindNotFound means the referenced run or approval does not exist.
	KindNotFound Kind = "not_found"
	// KindAlreadyTerminal means the run already reached a terminal status.
	KindAlreadyTerminal Kind = "already_terminal"
	// KindAlreadyResolved means the approval was resolved before.
	KindAlreadyResolved Kind = "already_resolved"

	// KindCancelled means the operation was aborted by a run-level cancel.
	KindCancelled Kind = "cancelled"

	// KindInternal covers storage failures and invariant violations. Always
	// carries an incident id; never silently swallowed.
	KindInternal Kind = "internal"
)

// Kinder is implemented by every error in this package.
type Kinder interface {
	ErrorKind() Kind
}
