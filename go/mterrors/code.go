// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mterrors defines the error taxonomy shared by the command queue,
// streaming reader, session and pool layers.
//
// Every error produced by this module matches exactly one of the Err* kinds
// below with errors.Is. Native driver diagnostics are carried as *Diagnostic
// and match ErrNativeDriver.
package mterrors

import (
	"errors"
	"fmt"
	"strings"
)

// Errors kinds. Match them with errors.Is.
var (
	// ErrConnectionClosed is returned by any operation on a closed session or pool.
	ErrConnectionClosed = errors.New("connection is closed")

	// ErrInvalidParameter is returned synchronously for malformed call arguments.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNativeDriver is matched by every *Diagnostic reported by the native layer.
	ErrNativeDriver = errors.New("native driver error")

	// ErrCancelled resolves an operation that was cancelled, either while
	// still queued or mid-flight.
	ErrCancelled = errors.New("operation cancelled")

	// ErrUnsupportedCancellation is returned by a cancel request against an
	// in-flight operation that was not submitted in polling mode.
	ErrUnsupportedCancellation = errors.New("operation does not support cancellation")

	// ErrQueueState is returned when an operation is not valid in the current
	// queue or transaction state.
	ErrQueueState = errors.New("invalid queue state")
)

// Errors added below must also be added to the Errors slice so that the
// error catalogue stays complete.
var (
	// NP01001 Connection closed
	NP01001 = errorTemplate("NP01001", ErrConnectionClosed, "%s is closed", "The session or pool was closed before the operation reached the native layer. Open a new one and retry.")

	// NP02001 Invalid parameter
	NP02001 = errorTemplate("NP02001", ErrInvalidParameter, "invalid %s: %s", "A call was made with malformed arguments. No asynchronous work was started.")

	// NP04001 Operation cancelled
	NP04001 = errorTemplate("NP04001", ErrCancelled, "query %d cancelled", "The operation was cancelled by the application or by its timeout.")

	// NP04002 Cancellation unsupported
	NP04002 = errorTemplate("NP04002", ErrUnsupportedCancellation, "query %d was not submitted in polling mode", "Only operations submitted with polling enabled can be cancelled once they reach the native layer. The original operation continues normally.")

	// NP05001 Queue state
	NP05001 = errorTemplate("NP05001", ErrQueueState, "%s", "The operation is not valid in the current state, for example commit without an active transaction.")

	// Errors is the catalogue of all coded errors.
	Errors = []func(args ...any) *NativepoolError{
		NP01001,
		NP02001,
		NP04001,
		NP04002,
		NP05001,
	}
)

// NativepoolError is a coded error with a long description.
type NativepoolError struct {
	Err         error
	Description string
	ID          string
	Kind        error
}

func (o *NativepoolError) Error() string {
	return o.Err.Error()
}

// Unwrap exposes both the kind and the wrapped cause to errors.Is/As.
func (o *NativepoolError) Unwrap() []error {
	return []error{o.Kind, o.Err}
}

var _ error = (*NativepoolError)(nil)

func errorTemplate(id string, kind error, short, long string) func(args ...any) *NativepoolError {
	return func(args ...any) *NativepoolError {
		s := short
		if len(args) != 0 {
			s = fmt.Sprintf(s, args...)
		}

		return &NativepoolError{
			Err:         errors.New(id + ": " + s),
			Description: long,
			ID:          id,
			Kind:        kind,
		}
	}
}

// ConnectionClosed reports an operation on a closed session or pool.
func ConnectionClosed(what string) error {
	return NP01001(what)
}

// InvalidParameter reports a malformed argument.
func InvalidParameter(name, reason string) error {
	return NP02001(name, reason)
}

// Cancelled reports a cancelled query. cause may be nil, or the native
// diagnostic that acknowledged the cancellation.
func Cancelled(queryID uint64, cause error) error {
	err := NP04001(queryID)
	if cause == nil {
		return err
	}
	return errors.Join(err, cause)
}

// UnsupportedCancellation reports a cancel request for a non-polling query.
func UnsupportedCancellation(queryID uint64) error {
	return NP04002(queryID)
}

// QueueState reports an operation that is invalid in the current state.
func QueueState(format string, args ...any) error {
	return NP05001(fmt.Sprintf(format, args...))
}

// Wrap annotates err with msg, keeping it matchable with errors.Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// IsError reports whether err carries the given error code.
func IsError(err error, code string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), code)
}
