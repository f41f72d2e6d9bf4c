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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/native"
	"github.com/multigres/nativepool/go/native/fakenative"
	"github.com/multigres/nativepool/go/notifier"
	"github.com/multigres/nativepool/go/stmt"
)

func txPool(t *testing.T) (*Pool, *fakenative.DB) {
	t.Helper()
	db := fakenative.New(t)
	db.AddQuery("insert into t values (1)", fakenative.RowCount(1))
	cfg := testConfig()
	cfg.Ceiling = 1
	return openPool(t, cfg, db), db
}

func insert(ctx context.Context, tx *Tx) error {
	n, err := tx.Query(ctx, stmt.New("insert into t values (1)"))
	if err != nil {
		return err
	}
	_, err = n.Wait(ctx)
	return err
}

func TestTransactionCommit(t *testing.T) {
	p, db := txPool(t)

	require.NoError(t, p.Transaction(t.Context(), insert))
	assert.Equal(t, "begin;insert into t values (1);commit", db.QueryLog())
	require.Eventually(t, func() bool { return p.Status().Idle == 1 }, time.Second, time.Millisecond)
	assert.False(t, db.Conns()[0].InTransaction())
}

func TestTransactionRollbackOnError(t *testing.T) {
	p, db := txPool(t)
	boom := errors.New("boom")

	err := p.Transaction(t.Context(), func(ctx context.Context, tx *Tx) error {
		if err := insert(ctx, tx); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "begin;insert into t values (1);rollback", db.QueryLog())
	assert.False(t, db.Conns()[0].InTransaction())
}

func TestTransactionRollbackOnPanic(t *testing.T) {
	p, db := txPool(t)

	assert.PanicsWithValue(t, "boom", func() {
		_ = p.Transaction(t.Context(), func(ctx context.Context, tx *Tx) error {
			panic("boom")
		})
	})
	assert.Equal(t, "begin;rollback", db.QueryLog())
	require.Eventually(t, func() bool { return p.Status().Idle == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Transaction(t.Context(), insert), "the session is reusable")
}

func TestTransactionBeginFailure(t *testing.T) {
	p, db := txPool(t)
	db.AddRejectedQuery("begin", &mterrors.Diagnostic{Severity: "ERROR", Code: "25001", Message: "cannot begin"})

	called := false
	err := p.Transaction(t.Context(), func(ctx context.Context, tx *Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, mterrors.ErrNativeDriver)
	assert.False(t, called)
	require.Eventually(t, func() bool { return p.Status().Idle == 1 }, time.Second, time.Millisecond)
}

func TestTransactionHoldsItsSession(t *testing.T) {
	p, db := txPool(t)
	db.AddQuery("select 1", fakenative.RowCount(1))

	var outside *notifier.Notifier
	err := p.Transaction(t.Context(), func(ctx context.Context, tx *Tx) error {
		var err error
		outside, err = p.Query(ctx, stmt.New("select 1"))
		if err != nil {
			return err
		}
		assert.Equal(t, 1, p.Status().WorkQueue, "pool work waits for the transaction")
		return insert(ctx, tx)
	})
	require.NoError(t, err)
	waitAll(t, []*notifier.Notifier{outside})
	assert.Equal(t, "begin;insert into t values (1);commit;select 1", db.QueryLog())
}

func TestTransactionCheckoutCancelled(t *testing.T) {
	p, _ := txPool(t)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- p.Transaction(t.Context(), func(ctx context.Context, tx *Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	err := p.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		t.Error("must not run")
		return nil
	})
	assert.ErrorIs(t, err, mterrors.ErrCancelled)

	close(release)
	require.NoError(t, <-done)
}

func TestTransactionPreparedStatement(t *testing.T) {
	p, db := txPool(t)
	db.AddQuery("select name from accounts where id = $1", fakenative.Rows([]string{"name"}, []any{"alice"}))

	err := p.Transaction(t.Context(), func(ctx context.Context, tx *Tx) error {
		ps, err := tx.Prepare(ctx, "select name from accounts where id = $1")
		if err != nil {
			return err
		}
		n, err := ps.Query(ctx, []native.Param{stmt.In("id", int64(1))})
		if err != nil {
			return err
		}
		r, err := n.Wait(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, "alice", r.First().Rows[0][0])
		return ps.Free(ctx)
	})
	require.NoError(t, err)
	assert.Zero(t, db.Conns()[0].OpenStatements())
}
