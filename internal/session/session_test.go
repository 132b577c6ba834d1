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

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/protocol"
	looerrors "github.com/loomctl/loom/pkg/errors"
)

// fakeTransport is an in-memory Transport driven by a test server function.
type fakeTransport struct {
	toServer   chan []byte
	fromServer chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		toServer:   make(chan []byte, 64),
		fromServer: make(chan []byte, 64),
		done:       make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return looerrors.NewTransportBroken("fake", nil)
	}
	select {
	case f.toServer <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-f.fromServer:
		return frame, nil
	case <-f.done:
		return nil, looerrors.NewTransportBroken("fake", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeTransport) Endpoint() string { return "fake" }

// reply injects a raw frame as if the server sent it.
func (f *fakeTransport) reply(frame string) {
	f.fromServer <- []byte(frame)
}

// serve runs handler on every outbound frame until the transport closes.
func (f *fakeTransport) serve(handler func(msg *protocol.Message)) {
	go func() {
		for {
			select {
			case frame := <-f.toServer:
				msg, err := protocol.Decode(frame)
				if err != nil {
					continue
				}
				handler(msg)
			case <-f.done:
				return
			}
		}
	}()
}

// echoHandler responds to initialize and ping and echoes call params back.
func echoHandler(f *fakeTransport) func(msg *protocol.Message) {
	return func(msg *protocol.Message) {
		id, ok := msg.RequestID()
		if !ok {
			return // notification
		}
		switch msg.Method {
		case protocol.MethodInitialize:
			f.reply(fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2025-03-26","capabilities":{"tools":{}},"serverInfo":{"name":"fake","version":"1.0"}}}`, id))
		case protocol.MethodPing:
			f.reply(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, id))
		default:
			f.reply(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"echo":%q}}`, id, msg.Method))
		}
	}
}

func newReadySession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	f := newFakeTransport()
	f.serve(echoHandler(f))
	s := New(Config{ServerID: "scholar", Transport: f, CallTimeout: 2 * time.Second})
	t.Cleanup(func() { s.Close(nil) })

	_, err := s.Handshake(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateReady, s.State())
	return s, f
}

func TestHandshake_Success(t *testing.T) {
	f := newFakeTransport()
	f.serve(echoHandler(f))
	s := New(Config{ServerID: "scholar", Transport: f, CallTimeout: time.Second})
	defer s.Close(nil)

	assert.Equal(t, StateOpening, s.State())

	init, err := s.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake", init.ServerInfo.Name)
	assert.Equal(t, StateReady, s.State())
}

func TestHandshake_OnlyFromOpening(t *testing.T) {
	s, _ := newReadySession(t)
	_, err := s.Handshake(context.Background())
	require.Error(t, err)
	assert.Equal(t, looerrors.KindProtocolViolation, looerrors.KindOf(err))
}

func TestCall_BeforeHandshakeRejected(t *testing.T) {
	f := newFakeTransport()
	s := New(Config{ServerID: "scholar", Transport: f})
	defer s.Close(nil)

	_, err := s.Call(context.Background(), protocol.MethodPing, nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, looerrors.KindSessionClosed, looerrors.KindOf(err))
}

func TestCall_RoundTrip(t *testing.T) {
	s, _ := newReadySession(t)

	result, err := s.Call(context.Background(), "tools/list", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"tools/list"}`, string(result))
}

func TestCall_OutOfOrderResponses(t *testing.T) {
	f := newFakeTransport()
	var pending []int64
	var mu sync.Mutex
	f.serve(func(msg *protocol.Message) {
		id, ok := msg.RequestID()
		if !ok {
			return
		}
		if msg.Method == protocol.MethodInitialize {
			f.reply(fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"fake","version":"1.0"}}}`, id))
			return
		}
		mu.Lock()
		pending = append(pending, id)
		// Answer both calls in reverse order once the second arrives.
		if len(pending) == 2 {
			f.reply(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"n":2}}`, pending[1]))
			f.reply(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"n":1}}`, pending[0]))
		}
		mu.Unlock()
	})

	s := New(Config{ServerID: "scholar", Transport: f, CallTimeout: 2 * time.Second})
	defer s.Close(nil)
	_, err := s.Handshake(context.Background())
	require.NoError(t, err)

	type outcome struct {
		result json.RawMessage
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		r, err := s.Call(context.Background(), "one", nil, 2*time.Second)
		first <- outcome{r, err}
	}()

	// The fake only answers after seeing both requests, so the first call
	// must already be in flight.
	time.Sleep(20 * time.Millisecond)
	r2, err := s.Call(context.Background(), "two", nil, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(r2))

	o1 := <-first
	require.NoError(t, o1.err)
	assert.JSONEq(t, `{"n":1}`, string(o1.result))
}

func TestCall_ServerError(t *testing.T) {
	f := newFakeTransport()
	f.serve(func(msg *protocol.Message) {
		id, ok := msg.RequestID()
		if !ok {
			return
		}
		if msg.Method == protocol.MethodInitialize {
			f.reply(fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"fake","version":"1.0"}}}`, id))
			return
		}
		f.reply(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"no such method"}}`, id))
	})

	s := New(Config{ServerID: "scholar", Transport: f, CallTimeout: time.Second})
	defer s.Close(nil)
	_, err := s.Handshake(context.Background())
	require.NoError(t, err)

	_, err = s.Call(context.Background(), "nope", nil, time.Second)
	require.Error(t, err)
	var rpcErr *protocol.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.CodeMethodNotFound, rpcErr.Code)
}

func TestCall_DeadlineSendsCancellation(t *testing.T) {
	f := newFakeTransport()
	var sawCancel chan protocol.CancelledParams = make(chan protocol.CancelledParams, 1)
	f.serve(func(msg *protocol.Message) {
		id, ok := msg.RequestID()
		if ok && msg.Method == protocol.MethodInitialize {
			f.reply(fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"fake","version":"1.0"}}}`, id))
			return
		}
		if msg.Method == protocol.NotificationCancelled {
			var params protocol.CancelledParams
			_ = json.Unmarshal(msg.Params, &params)
			sawCancel <- params
		}
		// Never answers the slow call.
	})

	s := New(Config{ServerID: "scholar", Transport: f, CallTimeout: time.Second})
	defer s.Close(nil)
	_, err := s.Handshake(context.Background())
	require.NoError(t, err)

	_, err = s.Call(context.Background(), "slow", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, looerrors.KindDeadlineExceeded, looerrors.KindOf(err))

	select {
	case params := <-sawCancel:
		assert.Greater(t, params.RequestID, int64(0))
	case <-time.After(time.Second):
		t.Fatal("no cancellation notification observed")
	}
}

func TestCall_LateReplyIgnored(t *testing.T) {
	s, f := newReadySession(t)

	_, err := s.Call(context.Background(), "never-answered-directly", nil, time.Second)
	require.NoError(t, err)

	// A reply for an id nobody is waiting on must not disturb the session.
	f.reply(`{"jsonrpc":"2.0","id":9999,"result":{}}`)

	result, err := s.Call(context.Background(), "after", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"after"}`, string(result))
}

func TestNotificationsQueued(t *testing.T) {
	s, f := newReadySession(t)

	f.reply(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)

	select {
	case msg := <-s.Notifications():
		assert.Equal(t, protocol.NotificationToolsChanged, msg.Method)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestServerRequest_NoHandlerRejected(t *testing.T) {
	f := newFakeTransport()
	responses := make(chan *protocol.Message, 8)
	f.serve(func(msg *protocol.Message) {
		if id, ok := msg.RequestID(); ok && msg.Method == protocol.MethodInitialize {
			f.reply(fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"fake","version":"1.0"}}}`, id))
			return
		}
		if msg.Kind() == protocol.KindResponse {
			responses <- msg
		}
	})

	s := New(Config{ServerID: "scholar", Transport: f, CallTimeout: time.Second})
	defer s.Close(nil)
	_, err := s.Handshake(context.Background())
	require.NoError(t, err)

	f.reply(`{"jsonrpc":"2.0","id":500,"method":"sampling/createMessage","params":{}}`)

	select {
	case msg := <-responses:
		require.NotNil(t, msg.Error)
		assert.Equal(t, protocol.CodeMethodNotFound, msg.Error.Code)
	case <-time.After(time.Second):
		t.Fatal("server request was never answered")
	}
}

func TestServerRequest_HandlerAnswers(t *testing.T) {
	f := newFakeTransport()
	responses := make(chan *protocol.Message, 8)
	f.serve(func(msg *protocol.Message) {
		if id, ok := msg.RequestID(); ok && msg.Method == protocol.MethodInitialize {
			f.reply(fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"fake","version":"1.0"}}}`, id))
			return
		}
		if msg.Kind() == protocol.KindResponse {
			responses <- msg
		}
	})

	s := New(Config{
		ServerID:    "scholar",
		Transport:   f,
		CallTimeout: time.Second,
		RequestHandler: func(ctx context.Context, msg *protocol.Message) (json.RawMessage, error) {
			return json.RawMessage(`{"handled":true}`), nil
		},
	})
	defer s.Close(nil)
	_, err := s.Handshake(context.Background())
	require.NoError(t, err)

	f.reply(`{"jsonrpc":"2.0","id":42,"method":"roots/list"}`)

	select {
	case msg := <-responses:
		require.Nil(t, msg.Error)
		assert.JSONEq(t, `{"handled":true}`, string(msg.Result))
	case <-time.After(time.Second):
		t.Fatal("server request was never answered")
	}
}

func TestClose_FailsPendingCalls(t *testing.T) {
	f := newFakeTransport()
	f.serve(func(msg *protocol.Message) {
		if id, ok := msg.RequestID(); ok && msg.Method == protocol.MethodInitialize {
			f.reply(fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"fake","version":"1.0"}}}`, id))
		}
		// All other calls hang.
	})

	s := New(Config{ServerID: "scholar", Transport: f, CallTimeout: 10 * time.Second})
	_, err := s.Handshake(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "hang", nil, 10*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	s.Close(nil)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, looerrors.KindSessionClosed, looerrors.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("pending call did not fail on close")
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestTransportFailure_FailsPending(t *testing.T) {
	f := newFakeTransport()
	f.serve(func(msg *protocol.Message) {
		if id, ok := msg.RequestID(); ok && msg.Method == protocol.MethodInitialize {
			f.reply(fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"fake","version":"1.0"}}}`, id))
		}
	})

	s := New(Config{ServerID: "scholar", Transport: f, CallTimeout: 10 * time.Second})
	_, err := s.Handshake(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "hang", nil, 10*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// Simulate the wire dropping out from under the session.
	f.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending call did not fail on transport loss")
	}
	assert.Eventually(t, func() bool { return s.State() == StateClosed },
		time.Second, 10*time.Millisecond)
}

func TestDrain_WaitsForInFlight(t *testing.T) {
	f := newFakeTransport()
	slowReply := make(chan int64, 1)
	f.serve(func(msg *protocol.Message) {
		id, ok := msg.RequestID()
		if !ok {
			return
		}
		if msg.Method == protocol.MethodInitialize {
			f.reply(fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"fake","version":"1.0"}}}`, id))
			return
		}
		slowReply <- id
	})

	s := New(Config{ServerID: "scholar", Transport: f, CallTimeout: 5 * time.Second})
	_, err := s.Handshake(context.Background())
	require.NoError(t, err)

	resultCh := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "slow", nil, 5*time.Second)
		resultCh <- err
	}()

	// Answer the in-flight call shortly after the drain begins.
	go func() {
		id := <-slowReply
		time.Sleep(50 * time.Millisecond)
		f.reply(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, id))
	}()

	time.Sleep(20 * time.Millisecond)
	s.Drain(2 * time.Second)

	require.NoError(t, <-resultCh)
	assert.Equal(t, StateClosed, s.State())

	// New calls after drain are rejected.
	_, err = s.Call(context.Background(), "late", nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, looerrors.KindSessionClosed, looerrors.KindOf(err))
}

func TestMonotonicIDs(t *testing.T) {
	f := newFakeTransport()
	ids := make(chan int64, 16)
	f.serve(func(msg *protocol.Message) {
		id, ok := msg.RequestID()
		if !ok {
			return
		}
		ids <- id
		if msg.Method == protocol.MethodInitialize {
			f.reply(fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"fake","version":"1.0"}}}`, id))
			return
		}
		f.reply(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, id))
	})

	s := New(Config{ServerID: "scholar", Transport: f, CallTimeout: time.Second})
	defer s.Close(nil)
	_, err := s.Handshake(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Call(context.Background(), "step", nil, time.Second)
		require.NoError(t, err)
	}

	var previous int64
	for i := 0; i < 4; i++ {
		id := <-ids
		assert.Greater(t, id, previous)
		previous = id
	}
}
