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

// Package stmt describes statements submitted to a session or pool. It
// validates them but never interprets SQL text or parameter encoding.
package stmt

import (
	"fmt"
	"strings"
	"time"

	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/native"
)

// MaxTimeout bounds Statement.Timeout.
const MaxTimeout = 24 * time.Hour

// Kind is the command kind of a statement.
type Kind int

const (
	KindQuery Kind = iota
	KindQueryRaw
	KindProcedure
	KindPrepared
	KindHeartbeat
	KindTransaction
	KindPrepare
	KindFree
	KindClose
)

var kindNames = [...]string{"query", "queryRaw", "callProcedure", "prepared", "heartbeat", "transaction", "prepare", "free", "close"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Statement is SQL text, or a procedure name, plus its parameters.
type Statement struct {
	Text   string
	Params []native.Param

	// Timeout cancels the statement once it elapses. A timeout implies
	// polling mode.
	Timeout time.Duration

	// Polling submits the statement in polling mode so it can be
	// cancelled while in flight.
	Polling bool
}

// New returns a statement with positional parameters.
func New(text string, args ...any) Statement {
	s := Statement{Text: text}
	for _, a := range args {
		s.Params = append(s.Params, native.Param{Value: a})
	}
	return s
}

// Validate checks that the statement can be submitted.
func (s Statement) Validate() error {
	if strings.TrimSpace(s.Text) == "" {
		return mterrors.InvalidParameter("statement", "text is empty")
	}
	if s.Timeout < 0 || s.Timeout > MaxTimeout {
		return mterrors.InvalidParameter("timeout", fmt.Sprintf("%v is outside [0, %v]", s.Timeout, MaxTimeout))
	}
	for i, p := range s.Params {
		if p.Output && p.Value != nil {
			return mterrors.InvalidParameter(fmt.Sprintf("param %d", i), "output parameters carry no value")
		}
	}
	return nil
}

// PollingMode reports whether the statement is cancellable in flight.
func (s Statement) PollingMode() bool {
	return s.Polling || s.Timeout > 0
}

// HasOutputs reports whether any parameter is an output parameter.
func (s Statement) HasOutputs() bool {
	for _, p := range s.Params {
		if p.Output {
			return true
		}
	}
	return false
}

// In is a named input parameter.
func In(name string, value any) native.Param {
	return native.Param{Name: name, Value: value}
}

// Out is a named output parameter.
func Out(name string) native.Param {
	return native.Param{Name: name, Output: true}
}

// Signature normalizes whitespace so equivalent texts share one prepared
// statement key.
func Signature(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
