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

// Package protocol defines the JSON-RPC 2.0 wire format spoken with tool
// servers, plus the method constants of the tool-server protocol.
package protocol

import (
	"encoding/json"
	"fmt"

	looerrors "github.com/loomctl/loom/pkg/errors"
)

// JSONRPCVersion is the fixed jsonrpc field value.
const JSONRPCVersion = "2.0"

// ProtocolVersion is the tool-server protocol revision this client speaks.
const ProtocolVersion = "2025-03-26"

// Method names of the tool-server protocol. Treated as constants of the
// protocol, not configuration.
const (
	MethodInitialize = "initialize"
	MethodPing       = "ping"
	MethodListTools  = "tools/list"
	MethodCallTool   = "tools/call"

	NotificationInitialized  = "notifications/initialized"
	NotificationCancelled    = "notifications/cancelled"
	NotificationToolsChanged = "notifications/tools/list_changed"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// MessageKind distinguishes the three shapes a frame can take.
type MessageKind int

const (
	// KindInvalid marks a frame that is none of the legal shapes.
	KindInvalid MessageKind = iota
	// KindRequest has both an id and a method.
	KindRequest
	// KindNotification has a method but no id.
	KindNotification
	// KindResponse has an id and either a result or an error.
	KindResponse
)

// Message is one JSON-RPC 2.0 frame. Requests carry ID and Method;
// notifications omit ID; responses carry ID and exactly one of Result
// or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind classifies the frame shape.
func (m *Message) Kind() MessageKind {
	switch {
	case m.Method != "" && len(m.ID) > 0:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case len(m.ID) > 0 && (len(m.Result) > 0 || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// RequestID extracts a numeric request id. The client only ever issues
// numeric ids, so a non-numeric id on a response is a protocol violation.
func (m *Message) RequestID() (int64, bool) {
	var id int64
	if err := json.Unmarshal(m.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

// NewRequest builds a request frame with the given numeric id.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	idRaw, _ := json.Marshal(id)
	return &Message{JSONRPC: JSONRPCVersion, ID: idRaw, Method: method, Params: raw}, nil
}

// NewNotification builds a notification frame (no id, no reply expected).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: JSONRPCVersion, Method: method, Params: raw}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	return raw, nil
}

// Decode parses one frame and rejects malformed shapes with a
// ProtocolViolation.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &looerrors.ProtocolError{
			Kind:   looerrors.KindProtocolViolation,
			Detail: "frame is not valid JSON",
			Cause:  err,
		}
	}
	if msg.JSONRPC != JSONRPCVersion {
		return nil, &looerrors.ProtocolError{
			Kind:   looerrors.KindProtocolViolation,
			Detail: fmt.Sprintf("unsupported jsonrpc version %q", msg.JSONRPC),
		}
	}
	if msg.Kind() == KindInvalid {
		return nil, &looerrors.ProtocolError{
			Kind:   looerrors.KindProtocolViolation,
			Detail: "frame is neither request, notification nor response",
		}
	}
	return &msg, nil
}

// Encode serializes one frame.
func Encode(m *Message) ([]byte, error) {
	if m.JSONRPC == "" {
		m.JSONRPC = JSONRPCVersion
	}
	return json.Marshal(m)
}
