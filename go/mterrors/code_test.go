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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
		code string
	}{
		{"closed", ConnectionClosed("session 3"), ErrConnectionClosed, "NP01001"},
		{"invalid", InvalidParameter("timeout", "must not be negative"), ErrInvalidParameter, "NP02001"},
		{"cancelled", Cancelled(7, nil), ErrCancelled, "NP04001"},
		{"unsupported", UnsupportedCancellation(7), ErrUnsupportedCancellation, "NP04002"},
		{"queue", QueueState("no active transaction"), ErrQueueState, "NP05001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.kind)
			assert.True(t, IsError(tt.err, tt.code))
			for _, other := range []error{ErrConnectionClosed, ErrInvalidParameter, ErrCancelled, ErrUnsupportedCancellation, ErrQueueState, ErrNativeDriver} {
				if other != tt.kind {
					assert.NotErrorIs(t, tt.err, other)
				}
			}
		})
	}
}

func TestCancelledKeepsCause(t *testing.T) {
	diag := &Diagnostic{Severity: "ERROR", Code: SQLStateQueryCanceled, Message: "canceling statement due to user request"}
	err := Cancelled(12, diag)

	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, ErrNativeDriver)
	got, ok := AsDiagnostic(err)
	require.True(t, ok)
	assert.Same(t, diag, got)
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "ignored"))

	err := Wrap(ConnectionClosed("pool"), "dispatch")
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Contains(t, err.Error(), "dispatch: NP01001")
}

func TestErrorsCatalogue(t *testing.T) {
	seen := make(map[string]bool)
	for _, f := range Errors {
		e := f("x", "y")
		assert.NotEmpty(t, e.Description)
		assert.False(t, seen[e.ID], "duplicate id %s", e.ID)
		seen[e.ID] = true
	}
}

func TestDiagnosticClasses(t *testing.T) {
	info := &Diagnostic{Severity: "WARNING", Code: "01000", Message: "changed database context"}
	hard := &Diagnostic{Severity: "ERROR", Code: "42703", Message: `column "a" does not exist`}
	cancelled := &Diagnostic{Code: SQLStateOperationCanceled, Message: "Operation canceled"}

	assert.True(t, info.IsInformational())
	assert.False(t, hard.IsInformational())
	assert.Equal(t, "42", hard.SQLSTATEClass())
	assert.True(t, hard.IsClass("42"))
	assert.True(t, cancelled.IsCancellation())
	assert.Equal(t, "ERROR: Operation canceled", cancelled.Error())
	assert.Equal(t, `ERROR: column "a" does not exist (SQLSTATE 42703)`, hard.FullError())

	wrapped := fmt.Errorf("query 1: %w", info)
	assert.True(t, IsInformational(wrapped))
	assert.False(t, IsInformational(hard))
	assert.True(t, IsCancellation(cancelled))
	assert.True(t, errors.Is(hard, ErrNativeDriver))
	assert.Empty(t, (&Diagnostic{Code: "0"}).SQLSTATEClass())
}
