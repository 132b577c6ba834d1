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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/loomctl/loom/internal/config"
	looerrors "github.com/loomctl/loom/pkg/errors"
)

// stdioConn frames newline-delimited JSON over a child process's stdin
// and stdout. The child's stderr is forwarded to the logger line by line.
type stdioConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// dialStdio launches the child process and wires its pipes. The connect
// deadline bounds the launch the same way it bounds a socket dial.
func dialStdio(ctx context.Context, spec config.TransportSpec, connectDeadline time.Duration, highWater int, logger *slog.Logger) (Transport, error) {
	if connectDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectDeadline)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, looerrors.NewTransportUnavailable(spec.Endpoint(), err)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, looerrors.NewTransportUnavailable(spec.Endpoint(), err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, looerrors.NewTransportUnavailable(spec.Endpoint(), err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, looerrors.NewTransportUnavailable(spec.Endpoint(), err)
	}

	if err := cmd.Start(); err != nil {
		return nil, looerrors.NewTransportUnavailable(spec.Endpoint(), err)
	}
	if err := ctx.Err(); err != nil {
		// Cancelled during the launch: reap the child before reporting.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, looerrors.NewTransportUnavailable(spec.Endpoint(), err)
	}

	go forwardStderr(spec.Endpoint(), stderr, logger)

	conn := &stdioConn{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 64<<10),
	}
	return newFramed(spec.Endpoint(), conn, highWater), nil
}

// forwardStderr surfaces the child's diagnostics in our structured logs.
func forwardStderr(endpoint string, r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		logger.Debug("tool server stderr",
			slog.String("endpoint", endpoint),
			slog.String("line", scanner.Text()),
		)
	}
}

func (c *stdioConn) writeFrame(frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return fmt.Errorf("frame contains newline")
	}
	if _, err := c.stdin.Write(append(frame, '\n')); err != nil {
		return err
	}
	return nil
}

// readFrame reads one newline-delimited frame. The size ceiling is
// enforced while reading, so an oversized frame is rejected without
// buffering it whole.
func (c *stdioConn) readFrame() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.stdout.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
		if len(line) > maxFrameSize {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
		}
	}
	line = bytes.TrimRight(line, "\r\n")
	if len(line) > maxFrameSize {
		return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
	}
	return line, nil
}

func (c *stdioConn) close() error {
	_ = c.stdin.Close()

	// Well-behaved servers exit when stdin closes. Force-kill stragglers
	// so we never leak child processes.
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		return <-done
	}
}
