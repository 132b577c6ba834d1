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

// Package conn owns session lifecycles: one worker per configured server
// handles connect, capability discovery, heartbeats, reconnect with
// exponential backoff, breaker cooldown, and graceful shutdown.
package conn

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/metrics"
	"github.com/loomctl/loom/internal/protocol"
	"github.com/loomctl/loom/internal/registry"
	"github.com/loomctl/loom/internal/session"
	"github.com/loomctl/loom/internal/transport"
	looerrors "github.com/loomctl/loom/pkg/errors"
)

// dialFunc opens a transport; swapped out in tests.
type dialFunc func(ctx context.Context, spec config.TransportSpec) (transport.Transport, error)

// serverWorker tracks one server's reconnect loop.
type serverWorker struct {
	cfg config.ServerConfig

	// restartCh forces a reconnect; stopCh ends the worker.
	restartCh chan struct{}
	stopCh    chan struct{}

	mu       sync.Mutex
	attempts int
	session  *session.Session
}

// Manager supervises every configured server connection.
type Manager struct {
	cfg      *config.Config
	reg      *registry.Registry
	logger   *slog.Logger
	dial     dialFunc
	sessions config.SessionsConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*serverWorker
	stopped bool
	grace   time.Duration
}

// NewManager builds a manager over the given registry. Start launches the
// per-server workers.
func NewManager(cfg *config.Config, reg *registry.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		reg:      reg,
		logger:   log.WithComponent(logger, "conn"),
		sessions: cfg.Sessions,
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]*serverWorker, len(cfg.Servers)),
	}
	dialer := &transport.Dialer{
		ConnectDeadline: config.Duration(cfg.Sessions.ConnectDeadline()),
		HighWater:       cfg.Sessions.OutboundHighWater,
		Logger:          logger,
	}
	m.dial = dialer.Dial
	return m
}

// Start launches one worker per configured server.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sc := range m.cfg.Servers {
		if _, exists := m.workers[sc.ServerID]; exists {
			continue
		}
		w := &serverWorker{
			cfg:       sc,
			restartCh: make(chan struct{}, 1),
			stopCh:    make(chan struct{}),
		}
		m.workers[sc.ServerID] = w
		m.wg.Add(1)
		go m.runWorker(w)
	}
}

// Restart forces a reconnect of one server. Non-blocking; a restart
// already in flight absorbs the signal.
func (m *Manager) Restart(serverID string) error {
	m.mu.Lock()
	w, ok := m.workers[serverID]
	m.mu.Unlock()
	if !ok {
		return &looerrors.RoutingError{Kind: looerrors.KindUnknownServer, QualifiedName: serverID}
	}
	select {
	case w.restartCh <- struct{}{}:
	default:
	}
	return nil
}

// CallTool dispatches one tools/call through the server's live session.
// Fails fast with ServerUnavailable when the session is not ready or the
// breaker is open.
func (m *Manager) CallTool(ctx context.Context, serverID, tool string, arguments json.RawMessage, deadline time.Duration) (json.RawMessage, error) {
	entry, err := m.reg.Available(serverID)
	if err != nil {
		return nil, err
	}
	sess := entry.Session
	if sess == nil {
		return nil, &looerrors.RoutingError{
			Kind:          looerrors.KindServerUnavailable,
			QualifiedName: serverID,
			Detail:        "no live session",
		}
	}
	return sess.Call(ctx, protocol.MethodCallTool, protocol.CallToolParams{
		Name:      tool,
		Arguments: arguments,
	}, deadline)
}

// DrainAndStop stops every worker. Each live session stops taking new
// calls, gets up to grace for its in-flight calls, and is severed only
// then; calls that outlive the grace fail with SessionClosed. Safe to
// call more than once.
func (m *Manager) DrainAndStop(grace time.Duration) {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		m.grace = grace
		for _, w := range m.workers {
			close(w.stopCh)
		}
	}
	m.mu.Unlock()

	// Workers drain their own sessions on the stop path; the manager
	// context falls only after every session is closed, so the grace is
	// never cut short by it.
	m.wg.Wait()
	m.cancel()
}

// stopGrace returns the grace DrainAndStop was called with, falling back
// to the configured drain grace.
func (m *Manager) stopGrace() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grace > 0 {
		return m.grace
	}
	return m.sessions.DrainGrace()
}

// runWorker is the reconnect loop for one server.
func (m *Manager) runWorker(w *serverWorker) {
	defer m.wg.Done()

	serverID := w.cfg.ServerID
	logger := log.WithServer(m.logger, serverID)

	for {
		_ = m.reg.SetConnecting(serverID)

		sess, err := m.connect(w)
		if err != nil {
			w.mu.Lock()
			w.attempts++
			attempts := w.attempts
			w.mu.Unlock()

			delay := m.backoff(attempts)
			logger.Warn("connect failed, backing off",
				slog.Any("error", err),
				slog.Int("attempt", attempts),
				slog.Duration("backoff", delay),
			)
			metrics.SessionFailure(serverID)
			_ = m.reg.SetClosed(serverID)

			select {
			case <-time.After(delay):
				continue
			case <-w.stopCh:
				return
			case <-m.ctx.Done():
				return
			}
		}

		w.mu.Lock()
		w.session = sess
		w.mu.Unlock()
		readyAt := time.Now()
		logger.Info("server session ready")
		metrics.SessionReady(true)

		// Heartbeat until the session dies or we are told to move on.
		reason := m.superviseSession(w, sess)

		if reason == supervisionStop {
			sess.Drain(m.stopGrace())
		}
		w.mu.Lock()
		w.session = nil
		w.mu.Unlock()
		sess.Close(nil)
		_ = m.reg.SetClosed(serverID)
		metrics.SessionReady(false)
		if reason == supervisionFailure {
			metrics.SessionFailure(serverID)
		}

		switch reason {
		case supervisionStop:
			return
		case supervisionRestart:
			logger.Info("restarting server session")
			continue
		case supervisionFailure:
			// A session that stayed ready long enough resets the attempt
			// counter so the next outage starts from the base delay.
			if time.Since(readyAt) >= m.sessions.Stabilization() {
				w.mu.Lock()
				w.attempts = 0
				w.mu.Unlock()
			}
			logger.Warn("server session lost, cooling down",
				slog.Duration("cooldown", m.sessions.Cooldown()))
			select {
			case <-time.After(m.sessions.Cooldown()):
			case <-w.stopCh:
				return
			case <-m.ctx.Done():
				return
			}
		}
	}
}

// connect opens the transport, runs the handshake and discovery, and
// publishes the result, all gated by the server's breaker.
func (m *Manager) connect(w *serverWorker) (*session.Session, error) {
	serverID := w.cfg.ServerID

	result, err := m.reg.Breaker(serverID).Execute(func() (any, error) {
		tr, err := m.dial(m.ctx, w.cfg.Transport)
		if err != nil {
			return nil, err
		}

		sess := session.New(session.Config{
			ServerID:    serverID,
			Transport:   tr,
			CallTimeout: m.sessions.CallTimeout(),
			Logger:      m.logger,
		})

		handshakeCtx, cancel := context.WithTimeout(m.ctx, m.sessions.ConnectDeadline())
		defer cancel()
		if _, err := sess.Handshake(handshakeCtx); err != nil {
			sess.Close(err)
			return nil, err
		}

		tools, err := m.discover(handshakeCtx, sess)
		if err != nil {
			sess.Close(err)
			return nil, err
		}
		if err := m.reg.SetReady(serverID, sess, tools); err != nil {
			sess.Close(err)
			return nil, err
		}
		return sess, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &looerrors.RoutingError{
				Kind:          looerrors.KindServerUnavailable,
				QualifiedName: serverID,
				Detail:        "breaker open, cooling down",
			}
		}
		return nil, err
	}
	return result.(*session.Session), nil
}

// discover lists the server's tools.
func (m *Manager) discover(ctx context.Context, sess *session.Session) ([]protocol.ToolDescriptor, error) {
	raw, err := sess.Call(ctx, protocol.MethodListTools, nil, m.sessions.CallTimeout())
	if err != nil {
		return nil, err
	}
	var result protocol.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &looerrors.ProtocolError{
			Kind:   looerrors.KindProtocolViolation,
			Detail: "malformed tools/list result",
			Cause:  err,
		}
	}
	return result.Tools, nil
}

// supervision outcomes for one ready session.
type supervisionOutcome int

const (
	supervisionFailure supervisionOutcome = iota
	supervisionRestart
	supervisionStop
)

// superviseSession heartbeats the session and consumes its notifications.
// Returns when the session fails the failure threshold, a restart or stop
// is requested, or the manager shuts down.
func (m *Manager) superviseSession(w *serverWorker, sess *session.Session) supervisionOutcome {
	serverID := w.cfg.ServerID
	interval := m.sessions.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if sess.State() == session.StateClosed {
				return supervisionFailure
			}

			// Any traffic inside the interval counts as liveness; only a
			// silent session gets an explicit ping.
			if time.Since(sess.LastActivity()) < interval {
				_ = m.reg.RecordHeartbeat(serverID, time.Now())
				continue
			}

			if err := sess.Ping(m.ctx, interval); err != nil {
				_ = m.reg.SetDegraded(serverID)
				entry, ok := m.reg.Snapshot().Server(serverID)
				if !ok {
					return supervisionFailure
				}
				m.logger.Warn("heartbeat missed",
					slog.String("server_id", serverID),
					slog.Int("consecutive_failures", entry.ConsecutiveFailures),
				)
				if entry.ConsecutiveFailures >= m.sessions.FailureThreshold {
					return supervisionFailure
				}
				continue
			}
			_ = m.reg.RecordHeartbeat(serverID, time.Now())

		case msg, ok := <-sess.Notifications():
			if !ok {
				return supervisionFailure
			}
			if msg.Method == protocol.NotificationToolsChanged {
				m.logger.Info("tool list changed, re-discovering",
					slog.String("server_id", serverID))
				ctx, cancel := context.WithTimeout(m.ctx, m.sessions.CallTimeout())
				tools, err := m.discover(ctx, sess)
				cancel()
				if err != nil {
					m.logger.Warn("re-discovery failed",
						slog.String("server_id", serverID), slog.Any("error", err))
					continue
				}
				_ = m.reg.SetReady(serverID, sess, tools)
			}

		case <-w.restartCh:
			return supervisionRestart

		case <-w.stopCh:
			return supervisionStop

		case <-m.ctx.Done():
			return supervisionStop
		}
	}
}

// backoff computes the reconnect delay: base doubled per attempt, capped,
// with ±20% jitter.
func (m *Manager) backoff(attempts int) time.Duration {
	base := m.sessions.BackoffBase()
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := m.sessions.BackoffMax()
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(delay) * jitter)
}
