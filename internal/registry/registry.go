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

// Package registry holds the per-server capability cache: the live session
// reference, discovered tool schemas, health, and breaker state. Readers
// observe consistent copy-on-write snapshots; the connection manager is the
// only writer.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sony/gobreaker"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/protocol"
	"github.com/loomctl/loom/internal/session"
	looerrors "github.com/loomctl/loom/pkg/errors"
)

// SessionState is the connection manager's view of a server's session.
type SessionState string

const (
	StateConnecting SessionState = "connecting"
	StateReady      SessionState = "ready"
	StateDegraded   SessionState = "degraded"
	StateClosed     SessionState = "closed"
)

// Tool is one discovered tool with its compiled input schema.
type Tool struct {
	ServerID   string
	Name       string
	Descriptor protocol.ToolDescriptor

	// InputSchema is the compiled validator, nil when the server declared
	// no input schema (all arguments accepted).
	InputSchema *jsonschema.Schema
}

// QualifiedName returns the router-visible name, namespaced by server.
func (t *Tool) QualifiedName() string {
	return t.ServerID + "." + t.Name
}

// ServerEntry is the registry record for one configured server. Entries in
// a snapshot are immutable; writers replace them wholesale.
type ServerEntry struct {
	ServerID string
	Config   config.ServerConfig
	State    SessionState

	// Session is the live session while State is ready or degraded.
	Session *session.Session

	// Tools is keyed by local tool name.
	Tools map[string]*Tool

	LastHeartbeat       time.Time
	ConsecutiveFailures int
}

// Tool looks up a local tool name in the entry's discovered set.
func (e *ServerEntry) Tool(name string) (*Tool, bool) {
	t, ok := e.Tools[name]
	return t, ok
}

// Snapshot is an immutable view of every server entry. Obtained handles
// stay coherent while writers publish new versions.
type Snapshot struct {
	Version uint64
	Servers map[string]*ServerEntry
}

// Server looks up a server entry in the snapshot.
func (s *Snapshot) Server(id string) (*ServerEntry, bool) {
	e, ok := s.Servers[id]
	return e, ok
}

// Registry is the process-wide server and capability cache.
type Registry struct {
	logger *slog.Logger

	writeMu sync.Mutex
	snap    atomic.Pointer[Snapshot]

	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a registry with one entry per configured server, all in the
// connecting state, and a circuit breaker tuned per the session config.
func New(cfg *config.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:   log.WithComponent(logger, "registry"),
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(cfg.Servers)),
	}

	servers := make(map[string]*ServerEntry, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		servers[sc.ServerID] = &ServerEntry{
			ServerID: sc.ServerID,
			Config:   sc,
			State:    StateConnecting,
			Tools:    map[string]*Tool{},
		}
		threshold := uint32(cfg.Sessions.FailureThreshold)
		if threshold == 0 {
			threshold = 3
		}
		r.breakers[sc.ServerID] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        sc.ServerID,
			MaxRequests: 1,
			Timeout:     cfg.Sessions.Cooldown(),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
	}
	r.snap.Store(&Snapshot{Version: 1, Servers: servers})
	return r
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Breaker returns the circuit breaker guarding connection attempts for a
// server. The connection manager records attempt outcomes through it.
func (r *Registry) Breaker(serverID string) *gobreaker.CircuitBreaker {
	return r.breakers[serverID]
}

// Available fails fast when a server cannot take calls right now: unknown
// server, breaker open, or session not ready.
func (r *Registry) Available(serverID string) (*ServerEntry, error) {
	entry, ok := r.Snapshot().Server(serverID)
	if !ok {
		return nil, &looerrors.RoutingError{
			Kind:          looerrors.KindUnknownServer,
			QualifiedName: serverID,
		}
	}
	if cb := r.breakers[serverID]; cb != nil && cb.State() == gobreaker.StateOpen {
		return nil, &looerrors.RoutingError{
			Kind:          looerrors.KindServerUnavailable,
			QualifiedName: serverID,
			Detail:        "breaker open, cooling down",
		}
	}
	if entry.State != StateReady {
		return nil, &looerrors.RoutingError{
			Kind:          looerrors.KindServerUnavailable,
			QualifiedName: serverID,
			Detail:        fmt.Sprintf("session is %s", entry.State),
		}
	}
	return entry, nil
}

// publish replaces one server's entry under a single commit. mutate
// receives a fresh copy of the existing entry.
func (r *Registry) publish(serverID string, mutate func(entry *ServerEntry)) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.snap.Load()
	existing, ok := old.Servers[serverID]
	if !ok {
		return &looerrors.RoutingError{
			Kind:          looerrors.KindUnknownServer,
			QualifiedName: serverID,
		}
	}

	next := *existing
	next.Tools = existing.Tools // shared until mutate replaces it
	mutate(&next)

	servers := make(map[string]*ServerEntry, len(old.Servers))
	for id, e := range old.Servers {
		servers[id] = e
	}
	servers[serverID] = &next
	r.snap.Store(&Snapshot{Version: old.Version + 1, Servers: servers})
	return nil
}

// SetConnecting marks a server as (re)connecting. Schemas are retained
// until the outcome is known.
func (r *Registry) SetConnecting(serverID string) error {
	return r.publish(serverID, func(e *ServerEntry) {
		e.State = StateConnecting
		e.Session = nil
	})
}

// SetReady installs the live session and the discovered tool set under a
// single commit. Tool schemas replace any prior set atomically.
func (r *Registry) SetReady(serverID string, sess *session.Session, tools []protocol.ToolDescriptor) error {
	compiled := make(map[string]*Tool, len(tools))
	for _, desc := range tools {
		tool := &Tool{ServerID: serverID, Name: desc.Name, Descriptor: desc}
		if len(desc.InputSchema) > 0 {
			schema, err := compileSchema(serverID, desc.Name, desc.InputSchema)
			if err != nil {
				r.logger.Warn("tool schema does not compile, skipping tool",
					slog.String("server_id", serverID),
					slog.String("tool", desc.Name),
					slog.Any("error", err),
				)
				continue
			}
			tool.InputSchema = schema
		}
		compiled[desc.Name] = tool
	}

	return r.publish(serverID, func(e *ServerEntry) {
		e.State = StateReady
		e.Session = sess
		e.Tools = compiled
		e.LastHeartbeat = time.Now()
		e.ConsecutiveFailures = 0
	})
}

// SetDegraded records a missed heartbeat interval.
func (r *Registry) SetDegraded(serverID string) error {
	return r.publish(serverID, func(e *ServerEntry) {
		if e.State == StateReady {
			e.State = StateDegraded
		}
		e.ConsecutiveFailures++
	})
}

// SetClosed clears the session and the schema cache.
func (r *Registry) SetClosed(serverID string) error {
	return r.publish(serverID, func(e *ServerEntry) {
		e.State = StateClosed
		e.Session = nil
		e.Tools = map[string]*Tool{}
	})
}

// RecordHeartbeat marks the server healthy as of now.
func (r *Registry) RecordHeartbeat(serverID string, at time.Time) error {
	return r.publish(serverID, func(e *ServerEntry) {
		e.LastHeartbeat = at
		e.ConsecutiveFailures = 0
		if e.State == StateDegraded {
			e.State = StateReady
		}
	})
}

// QualifiedTools lists every callable tool across ready servers, for
// surfacing the catalogue to planners.
func (r *Registry) QualifiedTools() []*Tool {
	snap := r.Snapshot()
	var out []*Tool
	for _, entry := range snap.Servers {
		if entry.State != StateReady {
			continue
		}
		for _, tool := range entry.Tools {
			out = append(out, tool)
		}
	}
	return out
}

// QualifiedToolNames is QualifiedTools reduced to sorted qualified names.
func (r *Registry) QualifiedToolNames() []string {
	tools := r.QualifiedTools()
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.QualifiedName())
	}
	sort.Strings(names)
	return names
}

// compileSchema turns a raw JSON schema document into a validator.
func compileSchema(serverID, tool string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("loom://%s/%s/input", serverID, tool)
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
