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
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// KindOf returns the Kind of the first Kinder in err's chain, or KindInternal
// if none is found. A nil error has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindInternal
}

// IsRetriable reports whether the executor is allowed to retry after err.
// Only transport breaks, deadlines and tool errors the server marked
// retriable qualify; routing, policy and state errors never do.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te.Retriable
	}
	switch KindOf(err) {
	case KindTransportBroken, KindTransportUnavailable, KindDeadlineExceeded, KindServerUnavailable:
		return true
	}
	return false
}

// IsTerminalForCall reports whether err must surface to the caller unchanged
// without any retry (the complement of IsRetriable for dispatch failures).
func IsTerminalForCall(err error) bool {
	return err != nil && !IsRetriable(err)
}

// Internal wraps err as an InternalError with a fresh incident id.
func Internal(message string, cause error) *InternalError {
	return &InternalError{
		IncidentID: uuid.New().String(),
		Message:    message,
		Cause:      cause,
	}
}

// NewTransportUnavailable builds a TransportError for a failed connect.
func NewTransportUnavailable(endpoint string, cause error) *TransportError {
	return &TransportError{Kind: KindTransportUnavailable, Endpoint: endpoint, Cause: cause}
}

// NewTransportBroken builds a TransportError for a lost connection.
func NewTransportBroken(endpoint string, cause error) *TransportError {
	return &TransportError{Kind: KindTransportBroken, Endpoint: endpoint, Cause: cause}
}
