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

package session

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/native"
	"github.com/multigres/nativepool/go/notifier"
	"github.com/multigres/nativepool/go/stmt"
)

// PreparedStatement is a statement prepared on one session. It can be
// bound any number of times until it is freed.
type PreparedStatement struct {
	s         *Session
	id        native.StatementID
	signature string
	meta      *native.Meta
	active    atomic.Bool
}

// Prepare prepares text on the session.
func (s *Session) Prepare(ctx context.Context, text string) (*PreparedStatement, error) {
	if err := (stmt.Statement{Text: text}).Validate(); err != nil {
		return nil, err
	}
	ps := &PreparedStatement{s: s, id: s.ids.Next(), signature: stmt.Signature(text)}
	err := s.call(ctx, stmt.KindPrepare, func(ctx context.Context) error {
		meta, err := s.conn.Prepare(ctx, ps.id, text)
		if err != nil {
			return err
		}
		ps.meta = meta
		return nil
	})
	if err != nil {
		return nil, err
	}
	ps.active.Store(true)
	return ps, nil
}

// Signature returns the normalized statement text.
func (ps *PreparedStatement) Signature() string {
	return ps.signature
}

// Meta describes the statement's result columns.
func (ps *PreparedStatement) Meta() *native.Meta {
	return ps.meta
}

// Active reports whether the statement was not freed yet.
func (ps *PreparedStatement) Active() bool {
	return ps.active.Load()
}

// Query binds params and executes the statement.
func (ps *PreparedStatement) Query(ctx context.Context, params []native.Param, opts ...notifier.Option) (*notifier.Notifier, error) {
	if !ps.active.Load() {
		return nil, mterrors.QueueState("prepared statement %q was freed", ps.signature)
	}
	if ps.s.closing.Load() {
		return nil, mterrors.ConnectionClosed("session")
	}
	n := notifier.New(ps.s.ids, opts...)
	w := Work{
		Kind:     stmt.KindPrepared,
		Stmt:     stmt.Statement{Text: ps.signature, Params: params},
		Notifier: n,
		Prepared: ps,
	}
	if err := ps.s.Submit(ctx, w); err != nil {
		return nil, err
	}
	return n, nil
}

// Free releases the native statement. Any use afterwards fails.
func (ps *PreparedStatement) Free(ctx context.Context) error {
	if !ps.active.CompareAndSwap(true, false) {
		return mterrors.QueueState("prepared statement %q was already freed", ps.signature)
	}
	err := ps.s.call(ctx, stmt.KindFree, func(ctx context.Context) error {
		return ps.s.conn.FreeStatement(ctx, ps.id)
	})
	if errors.Is(err, mterrors.ErrCancelled) {
		// Dropped before it ran: the native statement is still there.
		ps.active.Store(true)
	}
	return err
}
