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

package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/loomctl/loom/internal/config"
	looerrors "github.com/loomctl/loom/pkg/errors"
)

// socketConn frames length-prefixed JSON over a TCP or TLS stream. Each
// frame is a 4-byte big-endian payload length followed by the payload.
type socketConn struct {
	conn net.Conn
}

// dialSocket connects within the configured deadline.
func dialSocket(ctx context.Context, spec config.TransportSpec, deadline time.Duration, highWater int) (Transport, error) {
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", spec.Addr)
	if err != nil {
		return nil, looerrors.NewTransportUnavailable(spec.Endpoint(), err)
	}

	if spec.TLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: hostOnly(spec.Addr)})
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = conn.Close()
			return nil, looerrors.NewTransportUnavailable(spec.Endpoint(), err)
		}
		conn = tlsConn
	}

	return newFramed(spec.Endpoint(), &socketConn{conn: conn}, highWater), nil
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (c *socketConn) writeFrame(frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
	if _, err := c.conn.Write(header[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	return err
}

func (c *socketConn) readFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d byte limit", length, maxFrameSize)
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(c.conn, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *socketConn) close() error {
	return c.conn.Close()
}
