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
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"transport", NewTransportBroken("cmd", nil), KindTransportBroken},
		{"protocol", &ProtocolError{Kind: KindDeadlineExceeded}, KindDeadlineExceeded},
		{"routing", &RoutingError{Kind: KindUnknownTool, QualifiedName: "a.b"}, KindUnknownTool},
		{"policy", &PolicyError{Kind: KindPolicyDenied, Rule: "allow_tools"}, KindPolicyDenied},
		{"tool", &ToolError{ServerID: "s", Tool: "t", Code: -32000}, KindTool},
		{"state", &StateError{Kind: KindAlreadyResolved, Resource: "approval", ID: "x"}, KindAlreadyResolved},
		{"plain error maps to internal", stderrors.New("boom"), KindInternal},
		{"wrapped keeps kind", fmt.Errorf("dispatch: %w", &PolicyError{Kind: KindBudgetExceeded, Rule: "max_cost"}), KindBudgetExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(NewTransportBroken("cmd", nil)))
	assert.True(t, IsRetriable(&ProtocolError{Kind: KindDeadlineExceeded}))
	assert.True(t, IsRetriable(&ToolError{Retriable: true}))
	assert.True(t, IsRetriable(&RoutingError{Kind: KindServerUnavailable}))

	assert.False(t, IsRetriable(nil))
	assert.False(t, IsRetriable(&ToolError{Retriable: false}))
	assert.False(t, IsRetriable(&RoutingError{Kind: KindInvalidArguments}))
	assert.False(t, IsRetriable(&PolicyError{Kind: KindPolicyDenied}))
	assert.False(t, IsRetriable(&ProtocolError{Kind: KindSessionClosed}))
	assert.False(t, IsRetriable(&StateError{Kind: KindNotFound}))
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := NewTransportBroken("127.0.0.1:9301", cause)
	require.ErrorIs(t, err, cause)

	internal := Internal("step append failed", cause)
	require.ErrorIs(t, internal, cause)
	assert.NotEmpty(t, internal.IncidentID)
}

func TestInvalidArgumentsCarriesPath(t *testing.T) {
	err := &RoutingError{
		Kind:          KindInvalidArguments,
		QualifiedName: "scholar.search",
		Path:          "/query/limit",
		Detail:        "expected integer",
	}
	assert.Contains(t, err.Error(), "/query/limit")
	assert.Contains(t, err.Error(), "scholar.search")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "context"))
	assert.NoError(t, Wrapf(nil, "context %d", 1))
}
