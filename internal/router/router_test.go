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

package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/protocol"
	"github.com/loomctl/loom/internal/registry"
	looerrors "github.com/loomctl/loom/pkg/errors"
)

// fakeDispatcher records calls and returns a scripted result.
type fakeDispatcher struct {
	calls    int
	lastTool string
	lastArgs json.RawMessage
	result   json.RawMessage
	err      error
}

func (f *fakeDispatcher) CallTool(ctx context.Context, serverID, tool string, arguments json.RawMessage, deadline time.Duration) (json.RawMessage, error) {
	f.calls++
	f.lastTool = serverID + "." + tool
	f.lastArgs = arguments
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func routerConfig() *config.Config {
	return &config.Config{
		Servers: []config.ServerConfig{
			{
				ServerID:  "scholar",
				Transport: config.TransportSpec{Kind: "stdio", Command: "scholar"},
				Policy: config.PolicyConfig{
					DenyTools:        []string{"scholar.delete_corpus"},
					RequiresApproval: []string{"scholar.publish"},
					Rate:             config.RateConfig{TokensPerSecond: 100, Burst: 2},
				},
			},
		},
		Sessions: config.SessionsConfig{CallTimeoutMS: 5000, FailureThreshold: 3, CooldownMS: 1000},
	}
}

func scholarTools() []protocol.ToolDescriptor {
	return []protocol.ToolDescriptor{
		{
			Name: "search",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"query": {"type": "string"}, "limit": {"type": "integer"}},
				"required": ["query"]
			}`),
		},
		{Name: "publish"},
		{Name: "delete_corpus"},
	}
}

func newTestRouter(t *testing.T, cfg *config.Config, d Dispatcher) (*Router, *registry.Registry) {
	t.Helper()
	reg := registry.New(cfg, nil)
	require.NoError(t, reg.SetReady("scholar", nil, scholarTools()))
	return New(cfg, reg, d, nil), reg
}

func okRun() RunContext {
	return RunContext{RunID: "r1", RemainingWall: time.Minute}
}

func TestDispatch_HappyPath(t *testing.T) {
	d := &fakeDispatcher{result: json.RawMessage(`{"output":{"hits":3},"cost":0.25}`)}
	r, _ := newTestRouter(t, routerConfig(), d)

	env, err := r.Dispatch(context.Background(), Request{
		QualifiedName: "scholar.search",
		Arguments:     json.RawMessage(`{"query":"alloys"}`),
		Run:           okRun(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, d.calls)
	assert.JSONEq(t, `{"hits":3}`, string(env.Output))
	assert.Equal(t, 0.25, env.Cost)
}

func TestDispatch_BadToolName(t *testing.T) {
	d := &fakeDispatcher{}
	r, _ := newTestRouter(t, routerConfig(), d)

	for _, name := range []string{"noseparator", ".tool", "server.", ""} {
		_, err := r.Dispatch(context.Background(), Request{QualifiedName: name, Run: okRun()})
		require.Error(t, err, name)
		assert.Equal(t, looerrors.KindBadToolName, looerrors.KindOf(err), name)
	}
	assert.Zero(t, d.calls, "no call may be placed on a parse failure")
}

func TestDispatch_UnknownServerAndTool(t *testing.T) {
	d := &fakeDispatcher{}
	r, _ := newTestRouter(t, routerConfig(), d)

	_, err := r.Dispatch(context.Background(), Request{QualifiedName: "ghost.search", Run: okRun()})
	assert.Equal(t, looerrors.KindUnknownServer, looerrors.KindOf(err))

	_, err = r.Dispatch(context.Background(), Request{QualifiedName: "scholar.ghost", Run: okRun()})
	assert.Equal(t, looerrors.KindUnknownTool, looerrors.KindOf(err))
	assert.Zero(t, d.calls)
}

func TestDispatch_InvalidArgumentsCarriesPointer(t *testing.T) {
	d := &fakeDispatcher{}
	r, _ := newTestRouter(t, routerConfig(), d)

	_, err := r.Dispatch(context.Background(), Request{
		QualifiedName: "scholar.search",
		Arguments:     json.RawMessage(`{"query":"x","limit":"ten"}`),
		Run:           okRun(),
	})
	require.Error(t, err)
	assert.Equal(t, looerrors.KindInvalidArguments, looerrors.KindOf(err))

	var rerr *looerrors.RoutingError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "/limit", rerr.Path)
	assert.Zero(t, d.calls)
}

func TestDispatch_MissingRequiredArgument(t *testing.T) {
	d := &fakeDispatcher{}
	r, _ := newTestRouter(t, routerConfig(), d)

	_, err := r.Dispatch(context.Background(), Request{
		QualifiedName: "scholar.search",
		Arguments:     json.RawMessage(`{}`),
		Run:           okRun(),
	})
	require.Error(t, err)
	assert.Equal(t, looerrors.KindInvalidArguments, looerrors.KindOf(err))
}

func TestDispatch_DenyWinsOverEverything(t *testing.T) {
	d := &fakeDispatcher{}
	r, _ := newTestRouter(t, routerConfig(), d)

	run := okRun()
	run.AllowTools = []string{"scholar.delete_corpus"}
	_, err := r.Dispatch(context.Background(), Request{QualifiedName: "scholar.delete_corpus", Run: run})
	require.Error(t, err)
	assert.Equal(t, looerrors.KindPolicyDenied, looerrors.KindOf(err))

	var perr *looerrors.PolicyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "deny_tools", perr.Rule)
}

func TestDispatch_RunAllowlist(t *testing.T) {
	d := &fakeDispatcher{result: json.RawMessage(`{}`)}
	r, _ := newTestRouter(t, routerConfig(), d)

	run := okRun()
	run.AllowTools = []string{"scholar.publish"}
	_, err := r.Dispatch(context.Background(), Request{
		QualifiedName: "scholar.search",
		Arguments:     json.RawMessage(`{"query":"x"}`),
		Run:           run,
	})
	require.Error(t, err)
	var perr *looerrors.PolicyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "run_allowlist", perr.Rule)
}

func TestDispatch_RateLimitBurst(t *testing.T) {
	cfg := routerConfig()
	// Burst of 2 with a negligible refill inside the test window.
	cfg.Servers[0].Policy.Rate = config.RateConfig{TokensPerSecond: 0.001, Burst: 2}
	d := &fakeDispatcher{result: json.RawMessage(`{}`)}
	r, _ := newTestRouter(t, cfg, d)

	req := Request{
		QualifiedName: "scholar.search",
		Arguments:     json.RawMessage(`{"query":"x"}`),
		Run:           okRun(),
	}
	for i := 0; i < 2; i++ {
		_, err := r.Dispatch(context.Background(), req)
		require.NoError(t, err, "call %d within burst", i+1)
	}
	_, err := r.Dispatch(context.Background(), req)
	require.Error(t, err)
	var perr *looerrors.PolicyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "rate", perr.Rule)
	assert.Equal(t, looerrors.KindPolicyDenied, looerrors.KindOf(err))
}

func TestDispatch_BudgetGuard(t *testing.T) {
	d := &fakeDispatcher{}
	r, _ := newTestRouter(t, routerConfig(), d)

	run := okRun()
	run.RemainingWall = 0
	_, err := r.Dispatch(context.Background(), Request{
		QualifiedName: "scholar.search",
		Arguments:     json.RawMessage(`{"query":"x"}`),
		Run:           run,
	})
	assert.Equal(t, looerrors.KindBudgetExceeded, looerrors.KindOf(err))

	run = okRun()
	run.CostBudgeted = true
	run.RemainingCost = 0
	_, err = r.Dispatch(context.Background(), Request{
		QualifiedName: "scholar.search",
		Arguments:     json.RawMessage(`{"query":"x"}`),
		Run:           run,
	})
	assert.Equal(t, looerrors.KindBudgetExceeded, looerrors.KindOf(err))
	assert.Zero(t, d.calls)
}

func TestDispatch_ApprovalGate(t *testing.T) {
	d := &fakeDispatcher{result: json.RawMessage(`{}`)}
	r, _ := newTestRouter(t, routerConfig(), d)

	req := Request{QualifiedName: "scholar.publish", Run: okRun()}
	_, err := r.Dispatch(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, looerrors.KindRequiresApproval, looerrors.KindOf(err))
	assert.Zero(t, d.calls)

	req.Run.Approved = map[string]bool{"scholar.publish": true}
	_, err = r.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, d.calls)
}

func TestDispatch_ToolErrorPreservesCode(t *testing.T) {
	d := &fakeDispatcher{err: &protocol.Error{
		Code:    1234,
		Message: "corpus is rebuilding",
		Data:    json.RawMessage(`{"retriable":true}`),
	}}
	r, _ := newTestRouter(t, routerConfig(), d)

	_, err := r.Dispatch(context.Background(), Request{
		QualifiedName: "scholar.search",
		Arguments:     json.RawMessage(`{"query":"x"}`),
		Run:           okRun(),
	})
	require.Error(t, err)

	var terr *looerrors.ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 1234, terr.Code)
	assert.True(t, terr.Retriable)
	assert.True(t, looerrors.IsRetriable(err))
}

func TestDispatch_TransportErrorPassesThrough(t *testing.T) {
	d := &fakeDispatcher{err: looerrors.NewTransportBroken("scholar", nil)}
	r, _ := newTestRouter(t, routerConfig(), d)

	_, err := r.Dispatch(context.Background(), Request{
		QualifiedName: "scholar.search",
		Arguments:     json.RawMessage(`{"query":"x"}`),
		Run:           okRun(),
	})
	require.Error(t, err)
	assert.Equal(t, looerrors.KindTransportBroken, looerrors.KindOf(err))
	assert.True(t, looerrors.IsRetriable(err))
}

func TestDispatch_ServerUnavailableFailsFast(t *testing.T) {
	cfg := routerConfig()
	reg := registry.New(cfg, nil)
	require.NoError(t, reg.SetClosed("scholar"))
	d := &fakeDispatcher{}
	r := New(cfg, reg, d, nil)

	_, err := r.Dispatch(context.Background(), Request{QualifiedName: "scholar.search", Run: okRun()})
	require.Error(t, err)
	assert.Equal(t, looerrors.KindServerUnavailable, looerrors.KindOf(err))
	assert.Zero(t, d.calls)
}

func TestDispatch_BareResultWrappedAsOutput(t *testing.T) {
	d := &fakeDispatcher{result: json.RawMessage(`{"pong":true}`)}
	r, _ := newTestRouter(t, routerConfig(), d)

	env, err := r.Dispatch(context.Background(), Request{
		QualifiedName: "scholar.search",
		Arguments:     json.RawMessage(`{"query":"x"}`),
		Run:           okRun(),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(env.Output))
	assert.Zero(t, env.Cost)
}
