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

package mterrors

import (
	"errors"
)

// SQLSTATE classes and codes with special handling.
const (
	// ClassWarning is the SQLSTATE class of informational messages. They never
	// terminate an operation.
	ClassWarning = "01"

	// SQLStateQueryCanceled is reported by PostgreSQL-style servers when a
	// running statement was cancelled.
	SQLStateQueryCanceled = "57014"

	// SQLStateOperationCanceled is the ODBC-style cancellation state.
	SQLStateOperationCanceled = "HY008"
)

// Diagnostic is an error or informational message reported by the native
// connectivity layer.
type Diagnostic struct {
	Severity string
	// Code is the 5-character SQLSTATE.
	Code string
	// NativeCode is the driver specific error number, if any.
	NativeCode int
	Message    string
	Detail     string
	Hint       string
}

// SQLSTATE returns the SQLSTATE code.
//
// SQLSTATE codes are 5-character strings where:
//   - First 2 characters = class (e.g., "42" = syntax/access error)
//   - Last 3 characters = specific condition
func (d *Diagnostic) SQLSTATE() string {
	return d.Code
}

// SQLSTATEClass returns the first 2 characters of the SQLSTATE code.
// Returns empty string if Code is shorter than 2 characters.
func (d *Diagnostic) SQLSTATEClass() string {
	if len(d.Code) < 2 {
		return ""
	}
	return d.Code[:2]
}

// IsClass returns true if the SQLSTATE code belongs to the specified class.
func (d *Diagnostic) IsClass(class string) bool {
	return d.SQLSTATEClass() == class
}

// IsInformational returns true for class 01 diagnostics.
func (d *Diagnostic) IsInformational() bool {
	return d.IsClass(ClassWarning)
}

// IsCancellation returns true if the diagnostic acknowledges a cancelled statement.
func (d *Diagnostic) IsCancellation() bool {
	return d.Code == SQLStateQueryCanceled || d.Code == SQLStateOperationCanceled
}

// IsFatal returns true if the severity indicates the connection is unusable.
func (d *Diagnostic) IsFatal() bool {
	return d.Severity == "FATAL" || d.Severity == "PANIC"
}

// Error returns "SEVERITY: message".
func (d *Diagnostic) Error() string {
	if d == nil {
		return "ERROR: unknown error"
	}
	sev := d.Severity
	if sev == "" {
		sev = "ERROR"
	}
	return sev + ": " + d.Message
}

// FullError returns the error with its SQLSTATE for debugging purposes.
func (d *Diagnostic) FullError() string {
	if d == nil {
		return "ERROR: unknown error (SQLSTATE 00000)"
	}
	return d.Error() + " (SQLSTATE " + d.Code + ")"
}

// Is makes every diagnostic match ErrNativeDriver.
func (d *Diagnostic) Is(target error) bool {
	return target == ErrNativeDriver
}

// AsDiagnostic extracts the native diagnostic from err, if any.
func AsDiagnostic(err error) (*Diagnostic, bool) {
	var d *Diagnostic
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// IsInformational reports whether err is a class 01 diagnostic.
func IsInformational(err error) bool {
	d, ok := AsDiagnostic(err)
	return ok && d.IsInformational()
}

// IsCancellation reports whether err is a native cancellation acknowledgement.
func IsCancellation(err error) bool {
	d, ok := AsDiagnostic(err)
	return ok && d.IsCancellation()
}
