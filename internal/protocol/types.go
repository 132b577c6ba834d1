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

package protocol

import "encoding/json"

// Implementation identifies one end of the session.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsCapability is advertised by servers that expose tools.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities is the feature set a server advertises at initialize.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ClientCapabilities is the feature set the client advertises.
type ClientCapabilities struct{}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
}

// ToolDescriptor describes one tool a server exposes.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ListToolsResult is the server's reply to tools/list.
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// CallToolParams is the payload of a tools/call request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CancelledParams is the payload of the cancellation notification.
type CancelledParams struct {
	RequestID int64  `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// ArtefactPayload is an inline blob a tool produced, carried base64-encoded
// in the result envelope.
type ArtefactPayload struct {
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// CitationPayload binds a claim in the step output to its source. Artefact
// indexes into the envelope's artefact list; -1 means none.
type CitationPayload struct {
	Artefact    int    `json:"artefact,omitempty"`
	ExternalRef string `json:"external_ref,omitempty"`
	Locator     string `json:"locator"`
}

// ToolResultEnvelope is the platform convention for tools/call results:
// the tool's output plus accounting and provenance the executor consumes.
// Tools that return plain JSON are treated as an envelope with only Output
// set and zero cost.
type ToolResultEnvelope struct {
	Output    json.RawMessage   `json:"output,omitempty"`
	Cost      float64           `json:"cost,omitempty"`
	Artefacts []ArtefactPayload `json:"artefacts,omitempty"`
	Citations []CitationPayload `json:"citations,omitempty"`
}

// ParseToolResult interprets a tools/call result as a ToolResultEnvelope.
// A result without the envelope keys is wrapped as bare output.
func ParseToolResult(result json.RawMessage) ToolResultEnvelope {
	var shape struct {
		Output    *json.RawMessage  `json:"output"`
		Cost      *float64          `json:"cost"`
		Artefacts []ArtefactPayload `json:"artefacts"`
		Citations []CitationPayload `json:"citations"`
	}
	if err := json.Unmarshal(result, &shape); err != nil || (shape.Output == nil && shape.Cost == nil && shape.Artefacts == nil && shape.Citations == nil) {
		return ToolResultEnvelope{Output: result}
	}
	env := ToolResultEnvelope{Artefacts: shape.Artefacts, Citations: shape.Citations}
	if shape.Output != nil {
		env.Output = *shape.Output
	}
	if shape.Cost != nil {
		env.Cost = *shape.Cost
	}
	return env
}
