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

// Package transport delivers ordered, framed byte messages over one
// bidirectional channel. It knows nothing of JSON-RPC semantics; upper
// layers receive and send whole frames.
package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loomctl/loom/internal/config"
	looerrors "github.com/loomctl/loom/pkg/errors"
)

// maxFrameSize bounds a single frame. Larger payloads belong in the
// artefact store, not on the control channel.
const maxFrameSize = 8 << 20

// Transport is one open framed connection.
type Transport interface {
	// Send queues one frame for the wire. It blocks when the outbound
	// queue is at its high-water mark and fails with TransportBroken once
	// the connection is lost.
	Send(ctx context.Context, frame []byte) error

	// Receive returns the next whole inbound frame. It fails with
	// TransportBroken when the connection is lost.
	Receive(ctx context.Context) ([]byte, error)

	// Close drains queued outbound frames, then severs the connection.
	// Safe to call more than once.
	Close() error

	// Endpoint describes the remote for logs and errors.
	Endpoint() string
}

// frameConn is the raw framing a concrete transport provides.
type frameConn interface {
	writeFrame(frame []byte) error
	readFrame() ([]byte, error)
	close() error
}

// Dialer opens transports according to a TransportSpec.
type Dialer struct {
	// ConnectDeadline bounds how long Dial may take to reach the remote.
	ConnectDeadline config.Duration

	// HighWater is the outbound queue size at which Send blocks.
	HighWater int

	// Logger receives child-process stderr and wire-level trace output.
	Logger *slog.Logger
}

// Dial opens a transport for the given spec. It fails with
// TransportUnavailable when the remote cannot be reached within the
// connect deadline.
func (d *Dialer) Dial(ctx context.Context, spec config.TransportSpec) (Transport, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	highWater := d.HighWater
	if highWater <= 0 {
		highWater = 64
	}

	switch spec.Kind {
	case "stdio":
		return dialStdio(ctx, spec, d.ConnectDeadline.Std(), highWater, logger)
	case "socket":
		return dialSocket(ctx, spec, d.ConnectDeadline.Std(), highWater)
	default:
		return nil, looerrors.NewTransportUnavailable(spec.Endpoint(), nil)
	}
}

// framed pumps frames between the caller and a frameConn using one writer
// worker and one reader worker. No other goroutine touches the connection.
type framed struct {
	endpoint string
	conn     frameConn

	out chan []byte
	in  chan []byte

	// broken is closed when either pump fails; err holds the cause.
	broken chan struct{}
	once   sync.Once
	errMu  sync.Mutex
	err    error

	sendMu  sync.RWMutex
	closing bool

	closeOnce  sync.Once
	writerDone chan struct{}
	readerDone chan struct{}
}

func newFramed(endpoint string, conn frameConn, highWater int) *framed {
	t := &framed{
		endpoint:   endpoint,
		conn:       conn,
		out:        make(chan []byte, highWater),
		in:         make(chan []byte, highWater),
		broken:     make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go t.writerLoop()
	go t.readerLoop()
	return t
}

func (t *framed) writerLoop() {
	defer close(t.writerDone)
	for frame := range t.out {
		if err := t.conn.writeFrame(frame); err != nil {
			t.fail(err)
			return
		}
	}
}

func (t *framed) readerLoop() {
	defer close(t.readerDone)
	defer close(t.in)
	for {
		frame, err := t.conn.readFrame()
		if err != nil {
			t.fail(err)
			return
		}
		select {
		case t.in <- frame:
		case <-t.broken:
			return
		}
	}
}

// fail records the first pump error and marks the transport broken.
func (t *framed) fail(err error) {
	t.once.Do(func() {
		t.errMu.Lock()
		t.err = err
		t.errMu.Unlock()
		close(t.broken)
	})
}

func (t *framed) brokenErr() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return looerrors.NewTransportBroken(t.endpoint, t.err)
}

// Send implements Transport.
func (t *framed) Send(ctx context.Context, frame []byte) error {
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	if t.closing {
		return t.brokenErr()
	}
	select {
	case <-t.broken:
		return t.brokenErr()
	default:
	}
	select {
	case t.out <- frame:
		return nil
	case <-t.broken:
		return t.brokenErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements Transport.
func (t *framed) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-t.in:
		if !ok {
			return nil, t.brokenErr()
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Transport. Queued outbound frames are drained before
// the connection is severed.
func (t *framed) Close() error {
	t.closeOnce.Do(func() {
		t.sendMu.Lock()
		t.closing = true
		close(t.out)
		t.sendMu.Unlock()

		// Drain the writer first, then sever the connection, which also
		// unblocks the reader.
		<-t.writerDone
		t.fail(t.conn.close())
		<-t.readerDone
	})
	return nil
}

// Endpoint implements Transport.
func (t *framed) Endpoint() string { return t.endpoint }
