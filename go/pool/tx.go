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

package pool

import (
	"context"
	"errors"

	"github.com/multigres/nativepool/go/notifier"
	"github.com/multigres/nativepool/go/session"
	"github.com/multigres/nativepool/go/stmt"
)

// Tx is a transaction holding one session for its whole duration.
type Tx struct {
	s *session.Session
}

// Query submits SQL text within the transaction.
func (tx *Tx) Query(ctx context.Context, st stmt.Statement, opts ...notifier.Option) (*notifier.Notifier, error) {
	return tx.s.Query(ctx, st, opts...)
}

// QueryRaw submits SQL text within the transaction without records.
func (tx *Tx) QueryRaw(ctx context.Context, st stmt.Statement, opts ...notifier.Option) (*notifier.Notifier, error) {
	return tx.s.QueryRaw(ctx, st, opts...)
}

// CallProcedure calls a procedure within the transaction.
func (tx *Tx) CallProcedure(ctx context.Context, st stmt.Statement, opts ...notifier.Option) (*notifier.Notifier, error) {
	return tx.s.CallProcedure(ctx, st, opts...)
}

// Prepare prepares a statement on the transaction's session. The statement
// must be freed before the transaction function returns.
func (tx *Tx) Prepare(ctx context.Context, text string) (*session.PreparedStatement, error) {
	return tx.s.Prepare(ctx, text)
}

// Transaction checks out a session, begins a transaction and runs fn. The
// transaction is committed when fn returns nil and rolled back otherwise,
// also when fn panics. The session returns to the pool either way.
func (p *Pool) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	d, err := p.checkout(ctx)
	if err != nil {
		return err
	}
	s := d.session
	defer func() {
		// Never hand a session inside a transaction back to the pool.
		if s.InTransaction() {
			_ = p.rollback(ctx, s)
		}
		p.checkin(d, s.Closed() || fatal(err))
	}()

	// Transaction verbs are not abandoned halfway on cancellation.
	verbCtx := context.WithoutCancel(ctx)
	if err := s.Begin(verbCtx); err != nil {
		return err
	}
	if err := fn(ctx, &Tx{s: s}); err != nil {
		if rbErr := p.rollback(ctx, s); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return s.Commit(verbCtx)
}

func (p *Pool) rollback(ctx context.Context, s *session.Session) error {
	err := s.Rollback(context.WithoutCancel(ctx))
	if err != nil {
		p.logger.WarnContext(ctx, "rollback failed", "session", s.Name(), "error", err)
	}
	return err
}
