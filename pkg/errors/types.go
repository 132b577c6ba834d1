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

package errors

import (
	"encoding/json"
	"fmt"
)

// TransportError reports a connection that could not be made or was lost.
type TransportError struct {
	// Kind is KindTransportUnavailable or KindTransportBroken.
	Kind Kind

	// Endpoint describes the remote (command line or address).
	Endpoint string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Kind, e.Endpoint, e.Cause)
	}
	return fmt.Sprintf("transport %s: %s", e.Kind, e.Endpoint)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error { return e.Cause }

// ErrorKind implements Kinder.
func (e *TransportError) ErrorKind() Kind { return e.Kind }

// ProtocolError reports a conversation broken by the peer or by time.
type ProtocolError struct {
	// Kind is KindProtocolViolation, KindDeadlineExceeded or KindSessionClosed.
	Kind Kind

	// Detail describes what went wrong on the wire.
	Detail string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("protocol %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("protocol %s", e.Kind)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProtocolError) Unwrap() error { return e.Cause }

// ErrorKind implements Kinder.
func (e *ProtocolError) ErrorKind() Kind { return e.Kind }

// RoutingError reports a call that cannot be placed because it is malformed
// or targets nothing.
type RoutingError struct {
	// Kind is one of the routing kinds.
	Kind Kind

	// QualifiedName is the server.tool name the caller asked for.
	QualifiedName string

	// Path is a JSON pointer into the first violating argument field.
	// Set only for KindInvalidArguments.
	Path string

	// Detail is a human-readable description.
	Detail string
}

// Error implements the error interface.
func (e *RoutingError) Error() string {
	msg := fmt.Sprintf("routing %s: %s", e.Kind, e.QualifiedName)
	if e.Path != "" {
		msg = fmt.Sprintf("%s at %s", msg, e.Path)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}

// ErrorKind implements Kinder.
func (e *RoutingError) ErrorKind() Kind { return e.Kind }

// PolicyError reports a well-formed call that is not permitted in the
// current context. Rule names the rule that triggered.
type PolicyError struct {
	// Kind is KindPolicyDenied, KindBudgetExceeded or KindRequiresApproval.
	Kind Kind

	// Rule identifies the policy rule that triggered (e.g. "allow_tools",
	// "rate", "max_steps").
	Rule string

	// Detail is a human-readable description.
	Detail string
}

// Error implements the error interface.
func (e *PolicyError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("policy %s (%s): %s", e.Kind, e.Rule, e.Detail)
	}
	return fmt.Sprintf("policy %s (%s)", e.Kind, e.Rule)
}

// ErrorKind implements Kinder.
func (e *PolicyError) ErrorKind() Kind { return e.Kind }

// ToolError wraps an error object the tool server returned within JSON-RPC.
// The code is preserved unchanged; retriability is decided by the per-server
// mapping plus the tool's own marking.
type ToolError struct {
	// ServerID identifies the tool server.
	ServerID string

	// Tool is the local tool name on that server.
	Tool string

	// Code is the JSON-RPC error code as returned by the server.
	Code int

	// Message is the server's error message.
	Message string

	// Data is the server's optional error data, verbatim.
	Data json.RawMessage

	// Retriable marks whether the executor may retry this failure.
	Retriable bool
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s.%s failed (%d): %s", e.ServerID, e.Tool, e.Code, e.Message)
}

// ErrorKind implements Kinder.
func (e *ToolError) ErrorKind() Kind { return KindTool }

// StateError reports an invalid state transition requested through the
// admission surface.
type StateError struct {
	// Kind is KindNotFound, KindAlreadyTerminal or KindAlreadyResolved.
	Kind Kind

	// Resource is the entity type ("run", "approval").
	Resource string

	// ID is the identifier the request named.
	ID string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Resource, e.Kind, e.ID)
}

// ErrorKind implements Kinder.
func (e *StateError) ErrorKind() Kind { return e.Kind }

// InternalError reports storage failures, invariant violations and crash
// recovery. The incident id correlates the user-visible failure with logs.
type InternalError struct {
	// IncidentID is a unique id emitted into the structured logs.
	IncidentID string

	// Message is a short description safe to show to callers.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error (incident %s): %s", e.IncidentID, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InternalError) Unwrap() error { return e.Cause }

// ErrorKind implements Kinder.
func (e *InternalError) ErrorKind() Kind { return KindInternal }

// CancelledError reports an operation aborted by a run-level cancel.
type CancelledError struct {
	// Reason names what was cancelled.
	Reason string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cancelled: %s", e.Reason)
	}
	return "cancelled"
}

// ErrorKind implements Kinder.
func (e *CancelledError) ErrorKind() Kind { return KindCancelled }
