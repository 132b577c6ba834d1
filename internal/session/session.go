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

// Package session implements JSON-RPC 2.0 semantics over one transport:
// request/response correlation by id, per-call deadlines, server-initiated
// notifications, and an explicit lifecycle state machine.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/protocol"
	"github.com/loomctl/loom/internal/transport"
	looerrors "github.com/loomctl/loom/pkg/errors"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateOpening means the transport is connected but no handshake ran.
	StateOpening State = "opening"
	// StateHandshaking means the initialize exchange is in flight.
	StateHandshaking State = "handshaking"
	// StateReady means calls are accepted.
	StateReady State = "ready"
	// StateDraining means no new calls are accepted; in-flight calls get a
	// grace period.
	StateDraining State = "draining"
	// StateClosed means the session is finished. Terminal.
	StateClosed State = "closed"
)

// clientInfo identifies this client in the initialize exchange.
var clientInfo = protocol.Implementation{Name: "loom", Version: "0.1.0"}

// Config configures a session.
type Config struct {
	// ServerID is the unique identifier of the tool server.
	ServerID string

	// Transport is the open framed connection. The session takes ownership.
	Transport transport.Transport

	// CallTimeout is the default per-call deadline when the caller
	// provides none.
	CallTimeout time.Duration

	// NotificationBuffer bounds the inbound notification queue.
	NotificationBuffer int

	// RequestHandler, when set, answers server-initiated requests.
	// Without it such requests are rejected with method-not-found.
	RequestHandler func(ctx context.Context, msg *protocol.Message) (json.RawMessage, error)

	// Logger is used for structured logging.
	Logger *slog.Logger
}

// Session is one JSON-RPC conversation with a tool server.
type Session struct {
	serverID string
	tr       transport.Transport
	logger   *slog.Logger

	callTimeout time.Duration
	handler     func(ctx context.Context, msg *protocol.Message) (json.RawMessage, error)

	nextID atomic.Int64

	mu      sync.Mutex
	state   State
	pending map[int64]chan *protocol.Message

	notifications chan *protocol.Message

	// closed is closed when the session reaches StateClosed; closeErr is
	// the reason every pending call fails with.
	closed   chan struct{}
	closeErr error

	lastActivity atomic.Int64 // unix nanos of the last inbound frame

	readerDone chan struct{}
}

// New wraps an open transport in a session and starts the inbound pump.
// The session is in StateOpening; run Handshake before placing calls.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = 32
	}

	s := &Session{
		serverID:      cfg.ServerID,
		tr:            cfg.Transport,
		logger:        log.WithServer(logger, cfg.ServerID),
		callTimeout:   cfg.CallTimeout,
		handler:       cfg.RequestHandler,
		state:         StateOpening,
		pending:       make(map[int64]chan *protocol.Message),
		notifications: make(chan *protocol.Message, cfg.NotificationBuffer),
		closed:        make(chan struct{}),
		readerDone:    make(chan struct{}),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	go s.readLoop()
	return s
}

// ServerID returns the server this session talks to.
func (s *Session) ServerID() string { return s.serverID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns when the last inbound frame arrived. The connection
// manager infers liveness from it between heartbeats.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Notifications returns the queue of server-initiated notifications.
// The channel is closed when the session closes.
func (s *Session) Notifications() <-chan *protocol.Message {
	return s.notifications
}

// Handshake runs the protocol initialize exchange. On success the session
// is ready for calls; any failure closes the session.
func (s *Session) Handshake(ctx context.Context) (*protocol.InitializeResult, error) {
	s.mu.Lock()
	if s.state != StateOpening {
		state := s.state
		s.mu.Unlock()
		return nil, &looerrors.ProtocolError{
			Kind:   looerrors.KindProtocolViolation,
			Detail: fmt.Sprintf("handshake attempted in state %s", state),
		}
	}
	s.state = StateHandshaking
	s.mu.Unlock()

	result, err := s.call(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      clientInfo,
	}, s.callTimeout)
	if err != nil {
		s.Close(looerrors.Wrap(err, "initialize exchange failed"))
		return nil, err
	}

	var init protocol.InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		perr := &looerrors.ProtocolError{
			Kind:   looerrors.KindProtocolViolation,
			Detail: "malformed initialize result",
			Cause:  err,
		}
		s.Close(perr)
		return nil, perr
	}

	if err := s.Notify(ctx, protocol.NotificationInitialized, nil); err != nil {
		s.Close(err)
		return nil, err
	}

	s.mu.Lock()
	if s.state == StateHandshaking {
		s.state = StateReady
	}
	s.mu.Unlock()

	s.logger.Debug("session ready",
		slog.String("server_name", init.ServerInfo.Name),
		slog.String("protocol_version", init.ProtocolVersion),
	)
	return &init, nil
}

// Call places one request and awaits the matching response or the deadline.
// A zero deadline uses the session default. Fails fast unless the session
// is ready.
func (s *Session) Call(ctx context.Context, method string, params any, deadline time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateReady {
		return nil, &looerrors.ProtocolError{
			Kind:   looerrors.KindSessionClosed,
			Detail: fmt.Sprintf("session for %s is %s", s.serverID, state),
		}
	}
	return s.call(ctx, method, params, deadline)
}

// call is Call without the ready-state gate, shared with the handshake.
func (s *Session) call(ctx context.Context, method string, params any, deadline time.Duration) (json.RawMessage, error) {
	if deadline <= 0 {
		deadline = s.callTimeout
	}

	id := s.nextID.Add(1)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	frame, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}

	reply := make(chan *protocol.Message, 1)
	s.mu.Lock()
	if s.state == StateClosed {
		err := s.closeErr
		s.mu.Unlock()
		return nil, sessionClosedError(s.serverID, err)
	}
	s.pending[id] = reply
	s.mu.Unlock()

	log.Trace(s.logger, "outbound frame",
		slog.String("method", method),
		slog.Int("bytes", len(frame)))
	if err := s.tr.Send(ctx, frame); err != nil {
		s.unregister(id)
		return nil, err
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case msg := <-reply:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil

	case <-timer.C:
		s.abandon(ctx, id, "deadline exceeded")
		return nil, &looerrors.ProtocolError{
			Kind:   looerrors.KindDeadlineExceeded,
			Detail: fmt.Sprintf("%s on %s after %s", method, s.serverID, deadline),
		}

	case <-ctx.Done():
		s.abandon(context.Background(), id, "cancelled")
		return nil, ctx.Err()

	case <-s.closed:
		s.unregister(id)
		return nil, sessionClosedError(s.serverID, s.closeErr)
	}
}

// Notify sends a fire-and-forget notification. Emission order is preserved
// on the wire.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.tr.Send(ctx, frame)
}

// Ping checks the server is responsive.
func (s *Session) Ping(ctx context.Context, deadline time.Duration) error {
	_, err := s.Call(ctx, protocol.MethodPing, nil, deadline)
	return err
}

// abandon drops a pending id and tells the server we no longer want the
// reply. Late replies for abandoned ids are ignored by the read loop.
func (s *Session) abandon(ctx context.Context, id int64, reason string) {
	if !s.unregister(id) {
		return
	}
	if err := s.Notify(ctx, protocol.NotificationCancelled, protocol.CancelledParams{
		RequestID: id,
		Reason:    reason,
	}); err != nil {
		s.logger.Debug("cancellation notification failed", slog.Int64("request_id", id), slog.Any("error", err))
	}
}

// unregister removes a pending entry, reporting whether it was present.
func (s *Session) unregister(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	delete(s.pending, id)
	return ok
}

// Drain stops accepting new calls, waits up to grace for in-flight calls,
// then closes the session. In-flight calls that outlive the grace period
// fail with SessionClosed.
func (s *Session) Drain(grace time.Duration) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	s.mu.Unlock()

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		remaining := len(s.pending)
		s.mu.Unlock()
		if remaining == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Close(nil)
}

// Close terminates the session. All pending calls fail with SessionClosed.
// Safe to call more than once; the first reason wins.
func (s *Session) Close(reason error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.closeErr = reason
	s.pending = make(map[int64]chan *protocol.Message)
	close(s.closed)
	s.mu.Unlock()

	// Callers blocked in call() observe s.closed and fail with
	// SessionClosed; the pending map itself needs no draining.
	_ = s.tr.Close()
	<-s.readerDone
}

// readLoop drains inbound frames: responses complete pending entries,
// notifications go to the queue, server-initiated requests go to the
// handler. Runs until the transport fails or the session closes.
func (s *Session) readLoop() {
	defer close(s.readerDone)
	defer close(s.notifications)

	ctx := context.Background()
	for {
		frame, err := s.tr.Receive(ctx)
		if err != nil {
			s.failPending(err)
			return
		}
		s.lastActivity.Store(time.Now().UnixNano())
		log.Trace(s.logger, "inbound frame", slog.Int("bytes", len(frame)))

		msg, err := protocol.Decode(frame)
		if err != nil {
			s.logger.Warn("malformed frame", slog.Any("error", err))
			s.failPending(err)
			return
		}

		switch msg.Kind() {
		case protocol.KindResponse:
			s.dispatchResponse(msg)
		case protocol.KindNotification:
			select {
			case s.notifications <- msg:
			default:
				s.logger.Warn("notification queue full, dropping",
					slog.String("method", msg.Method))
			}
		case protocol.KindRequest:
			s.handleServerRequest(msg)
		}
	}
}

// dispatchResponse completes the pending entry matching the response id.
// Responses may arrive in any order; unknown ids are late replies for
// abandoned calls and are dropped without side effects.
func (s *Session) dispatchResponse(msg *protocol.Message) {
	id, ok := msg.RequestID()
	if !ok {
		s.logger.Warn("response with non-numeric id")
		return
	}

	s.mu.Lock()
	reply, found := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if !found {
		s.logger.Debug("late reply ignored", slog.Int64("request_id", id))
		return
	}
	reply <- msg
}

// handleServerRequest answers a server-initiated request, or rejects it
// with method-not-found when no handler is registered.
func (s *Session) handleServerRequest(msg *protocol.Message) {
	ctx := context.Background()

	var response *protocol.Message
	if s.handler == nil {
		response = &protocol.Message{
			JSONRPC: protocol.JSONRPCVersion,
			ID:      msg.ID,
			Error: &protocol.Error{
				Code:    protocol.CodeMethodNotFound,
				Message: fmt.Sprintf("client does not handle %s", msg.Method),
			},
		}
	} else {
		result, err := s.handler(ctx, msg)
		if err != nil {
			response = &protocol.Message{
				JSONRPC: protocol.JSONRPCVersion,
				ID:      msg.ID,
				Error:   &protocol.Error{Code: protocol.CodeInternalError, Message: err.Error()},
			}
		} else {
			response = &protocol.Message{JSONRPC: protocol.JSONRPCVersion, ID: msg.ID, Result: result}
		}
	}

	frame, err := protocol.Encode(response)
	if err != nil {
		return
	}
	if err := s.tr.Send(ctx, frame); err != nil {
		s.logger.Debug("failed to answer server request", slog.Any("error", err))
	}
}

// failPending marks the session closed and fails every pending call.
func (s *Session) failPending(cause error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	if s.closeErr == nil {
		s.closeErr = cause
	}
	s.pending = make(map[int64]chan *protocol.Message)
	close(s.closed)
	s.mu.Unlock()

	_ = s.tr.Close()
}

// sessionClosedError builds the error pending calls fail with.
func sessionClosedError(serverID string, cause error) error {
	// Transport failures keep their kind so the executor can retry them.
	if looerrors.KindOf(cause) == looerrors.KindTransportBroken {
		return cause
	}
	return &looerrors.ProtocolError{
		Kind:   looerrors.KindSessionClosed,
		Detail: fmt.Sprintf("session for %s closed", serverID),
		Cause:  cause,
	}
}
