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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/native"
	"github.com/multigres/nativepool/go/native/fakenative"
	"github.com/multigres/nativepool/go/notifier"
	"github.com/multigres/nativepool/go/stmt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newSession(t *testing.T) (*Session, *fakenative.DB, *fakenative.Conn) {
	t.Helper()
	db := fakenative.New(t)
	s, err := Open(t.Context(), db, "fake", WithName("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, db, db.Conns()[0]
}

func TestQuery(t *testing.T) {
	s, db, _ := newSession(t)
	db.AddQuery("select id, name from users", fakenative.Rows(
		[]string{"id", "name"},
		[]any{int64(1), "ann"},
		[]any{int64(2), "bob"},
	))

	n, err := s.Query(t.Context(), stmt.New("select id, name from users"))
	require.NoError(t, err)
	r, err := n.Wait(t.Context())
	require.NoError(t, err)
	assert.True(t, r.Done)

	set := r.First()
	assert.Equal(t, [][]any{{int64(1), "ann"}, {int64(2), "bob"}}, set.Rows)
	assert.Equal(t, int64(2), set.RowCount)
	require.Len(t, set.Records, 2)
	assert.Equal(t, "bob", set.Records[1]["name"])
	assert.False(t, s.Busy())
}

func TestQueryRawSkipsRecords(t *testing.T) {
	s, db, _ := newSession(t)
	db.AddQuery("select 1", fakenative.Rows([]string{"one"}, []any{1}))

	n, err := s.QueryRaw(t.Context(), stmt.New("select 1"))
	require.NoError(t, err)
	r, err := n.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, [][]any{{1}}, r.First().Rows)
	assert.Empty(t, r.First().Records)
}

func TestInvalidStatement(t *testing.T) {
	s, db, _ := newSession(t)

	_, err := s.Query(t.Context(), stmt.New("  "))
	assert.ErrorIs(t, err, mterrors.ErrInvalidParameter)
	_, err = s.Query(t.Context(), stmt.Statement{Text: "select 1", Timeout: -time.Second})
	assert.ErrorIs(t, err, mterrors.ErrInvalidParameter)
	assert.Empty(t, db.QueryLog(), "nothing reached the native layer")
}

func TestStatementsNeverOverlap(t *testing.T) {
	s, db, _ := newSession(t)
	db.AddQuery("select pg_sleep(0.001)", &fakenative.ExpectedResult{
		Sets:     []fakenative.ResultSet{{Columns: []string{"x"}, Rows: [][]any{{1}, {2}}}},
		Delay:    time.Millisecond,
		RowDelay: 100 * time.Microsecond,
	})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Query(t.Context(), stmt.New("select pg_sleep(0.001)"))
			if !assert.NoError(t, err) {
				return
			}
			_, err = n.Wait(t.Context())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, db.GetQueryCalledNum("select pg_sleep(0.001)"))
	assert.Zero(t, db.ReentrantCalls())
}

func TestCancelQueuedStatement(t *testing.T) {
	s, db, _ := newSession(t)
	db.AddQuery("slow", &fakenative.ExpectedResult{Delay: 50 * time.Millisecond})
	db.AddQuery("fast", fakenative.RowCount(1))

	slow, err := s.Query(t.Context(), stmt.New("slow"))
	require.NoError(t, err)
	fast, err := s.Query(t.Context(), stmt.New("fast"))
	require.NoError(t, err)

	require.NoError(t, fast.Cancel(t.Context()))
	_, err = fast.Wait(t.Context())
	assert.ErrorIs(t, err, mterrors.ErrCancelled)

	_, err = slow.Wait(t.Context())
	require.NoError(t, err)
	assert.Zero(t, db.GetQueryCalledNum("fast"), "a queued statement never reaches the native layer")
	assert.Zero(t, db.Cancels())
}

func TestCancelPollingStatement(t *testing.T) {
	s, db, _ := newSession(t)
	db.AddQuery("select pg_sleep(10)", &fakenative.ExpectedResult{Delay: 10 * time.Second})
	db.AddQuery("select 1", fakenative.Rows([]string{"one"}, []any{1}))

	n, err := s.Query(t.Context(), stmt.Statement{Text: "select pg_sleep(10)", Polling: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return db.GetQueryCalledNum("select pg_sleep(10)") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, n.Cancel(t.Context()))
	_, err = n.Wait(t.Context())
	assert.ErrorIs(t, err, mterrors.ErrCancelled)
	assert.Equal(t, int64(1), db.Cancels())

	// The session stays usable.
	n, err = s.Query(t.Context(), stmt.New("select 1"))
	require.NoError(t, err)
	_, err = n.Wait(t.Context())
	assert.NoError(t, err)
}

func TestCancelFinishedStatementLeavesNextAlone(t *testing.T) {
	s, db, _ := newSession(t)
	db.AddQuery("select 1", fakenative.RowCount(1))
	db.AddQuery("slow", &fakenative.ExpectedResult{Delay: 50 * time.Millisecond})

	first, err := s.Query(t.Context(), stmt.Statement{Text: "select 1", Polling: true})
	require.NoError(t, err)
	_, err = first.Wait(t.Context())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !s.Busy() }, time.Second, time.Millisecond)

	next, err := s.Query(t.Context(), stmt.Statement{Text: "slow", Polling: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return db.GetQueryCalledNum("slow") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.cancel(t.Context(), first.QueryID()))
	_, err = next.Wait(t.Context())
	require.NoError(t, err)
	assert.Zero(t, db.Cancels(), "a late cancel never reaches the native layer")
}

func TestCancelWithoutPolling(t *testing.T) {
	s, db, _ := newSession(t)
	db.AddQuery("select pg_sleep(0.05)", &fakenative.ExpectedResult{Delay: 50 * time.Millisecond})

	n, err := s.Query(t.Context(), stmt.New("select pg_sleep(0.05)"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return db.GetQueryCalledNum("select pg_sleep(0.05)") == 1 }, time.Second, time.Millisecond)

	err = n.Cancel(t.Context())
	assert.ErrorIs(t, err, mterrors.ErrUnsupportedCancellation)

	r, err := n.Wait(t.Context())
	require.NoError(t, err, "the statement completes normally")
	assert.True(t, r.Done)
	assert.Zero(t, db.Cancels())
}

func TestTimeout(t *testing.T) {
	s, db, conn := newSession(t)
	db.AddQuery("select pg_sleep(10)", &fakenative.ExpectedResult{Delay: 10 * time.Second})

	start := time.Now()
	n, err := s.Query(t.Context(), stmt.Statement{Text: "select pg_sleep(10)", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = n.Wait(t.Context())
	assert.ErrorIs(t, err, mterrors.ErrCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Zero(t, conn.OpenStatements())
}

func TestContextCancellationCancelsStatement(t *testing.T) {
	s, db, _ := newSession(t)
	db.AddQuery("select pg_sleep(10)", &fakenative.ExpectedResult{Delay: 10 * time.Second})

	ctx, cancel := context.WithCancel(t.Context())
	n, err := s.Query(ctx, stmt.Statement{Text: "select pg_sleep(10)", Polling: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return db.GetQueryCalledNum("select pg_sleep(10)") == 1 }, time.Second, time.Millisecond)
	cancel()

	_, err = n.Wait(t.Context())
	assert.ErrorIs(t, err, mterrors.ErrCancelled)
}

// submitPaused submits a three row query whose notifier pauses on the
// first row, and waits for the pause.
func submitPaused(t *testing.T, st stmt.Statement) (*Session, *fakenative.DB, *notifier.Notifier) {
	t.Helper()
	var ids notifier.IDAllocator
	db := fakenative.New(t)
	s, err := Open(t.Context(), db, "fake", WithIDs(&ids))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	db.AddQuery(st.Text, fakenative.Rows([]string{"i"}, []any{1}, []any{2}, []any{3}))

	var n *notifier.Notifier
	var once sync.Once
	n = notifier.New(&ids, notifier.WithHandler(func(ev notifier.Event) {
		if ev.Kind == notifier.EventRow {
			once.Do(n.Pause)
		}
	}))
	require.NoError(t, s.Submit(t.Context(), Work{Kind: stmt.KindQuery, Stmt: st, Notifier: n}))
	require.Eventually(t, n.IsPaused, time.Second, time.Millisecond)
	return s, db, n
}

func requireFreed(t *testing.T, n *notifier.Notifier) {
	t.Helper()
	select {
	case <-n.Freed():
	case <-time.After(time.Second):
		t.Fatal("paused statement was not freed")
	}
}

func TestCancelPausedStatement(t *testing.T) {
	s, db, n := submitPaused(t, stmt.Statement{Text: "select i from series", Polling: true})

	require.NoError(t, n.Cancel(t.Context()))
	requireFreed(t, n)
	_, err := n.Wait(t.Context())
	assert.ErrorIs(t, err, mterrors.ErrCancelled)
	assert.Equal(t, int64(1), db.Cancels())
	assert.Zero(t, db.Conns()[0].OpenStatements())

	// The queue advanced past the cancelled statement.
	db.AddQuery("select 1", fakenative.RowCount(1))
	next, err := s.Query(t.Context(), stmt.New("select 1"))
	require.NoError(t, err)
	_, err = next.Wait(t.Context())
	assert.NoError(t, err)
}

func TestTimeoutEndsPause(t *testing.T) {
	s, _, n := submitPaused(t, stmt.Statement{Text: "select i from series", Timeout: 50 * time.Millisecond})

	requireFreed(t, n)
	_, err := n.Wait(t.Context())
	assert.ErrorIs(t, err, mterrors.ErrCancelled)
	assert.Eventually(t, func() bool { return !s.Busy() }, time.Second, time.Millisecond)
}

func TestCancelPausedWithoutPolling(t *testing.T) {
	_, db, n := submitPaused(t, stmt.New("select i from series"))

	assert.ErrorIs(t, n.Cancel(t.Context()), mterrors.ErrUnsupportedCancellation)
	assert.Zero(t, db.Cancels())

	n.Resume()
	r, err := n.Wait(t.Context())
	require.NoError(t, err, "the statement completes normally")
	assert.True(t, r.Done)
}

func TestCallProcedureOutputs(t *testing.T) {
	s, db, _ := newSession(t)
	db.AddProcedure("count_users", &fakenative.ExpectedResult{OutputParams: []any{int64(42)}})

	n, err := s.CallProcedure(t.Context(), stmt.Statement{
		Text:   "count_users",
		Params: []native.Param{stmt.In("active", true), stmt.Out("total")},
	})
	require.NoError(t, err)
	r, err := n.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []any{int64(42)}, r.OutputParams)
	assert.Equal(t, []native.Param{stmt.In("active", true), stmt.Out("total")}, db.LastParams("exec count_users"))
}

func TestTransactions(t *testing.T) {
	s, db, conn := newSession(t)
	ctx := t.Context()

	assert.ErrorIs(t, s.Commit(ctx), mterrors.ErrQueueState)
	assert.ErrorIs(t, s.Rollback(ctx), mterrors.ErrQueueState)

	require.NoError(t, s.Begin(ctx))
	assert.True(t, s.InTransaction())
	assert.True(t, conn.InTransaction())
	assert.ErrorIs(t, s.Begin(ctx), mterrors.ErrQueueState)

	require.NoError(t, s.Commit(ctx))
	assert.False(t, s.InTransaction())

	require.NoError(t, s.Begin(ctx))
	require.NoError(t, s.Rollback(ctx))
	assert.False(t, s.InTransaction())
	assert.Equal(t, "begin;commit;begin;rollback", db.QueryLog())
}

func TestBeginCancelledWhileQueued(t *testing.T) {
	s, db, conn := newSession(t)
	db.AddQuery("slow", &fakenative.ExpectedResult{Delay: 100 * time.Millisecond})

	slow, err := s.Query(t.Context(), stmt.New("slow"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	err = s.Begin(ctx)
	assert.ErrorIs(t, err, mterrors.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = slow.Wait(t.Context())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !s.Busy() }, time.Second, time.Millisecond)
	assert.False(t, s.InTransaction())
	assert.False(t, conn.InTransaction())
	assert.NotContains(t, db.QueryLog(), "begin")
}

func TestPreparedFreeCancelledWhileQueued(t *testing.T) {
	s, db, _ := newSession(t)
	db.AddQuery("slow", &fakenative.ExpectedResult{Delay: 100 * time.Millisecond})
	db.AddQuery("select name from users where id = $1", fakenative.Rows([]string{"name"}, []any{"ann"}))

	ps, err := s.Prepare(t.Context(), "select name from users where id = $1")
	require.NoError(t, err)
	slow, err := s.Query(t.Context(), stmt.New("slow"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ps.Free(ctx), mterrors.ErrCancelled)
	assert.True(t, ps.Active(), "a dropped free leaves the statement usable")

	_, err = slow.Wait(t.Context())
	require.NoError(t, err)
	n, err := ps.Query(t.Context(), []native.Param{{Value: int64(1)}})
	require.NoError(t, err)
	_, err = n.Wait(t.Context())
	require.NoError(t, err)
	require.NoError(t, ps.Free(t.Context()))
	assert.False(t, ps.Active())
}

func TestFailedCommitEndsTransaction(t *testing.T) {
	s, db, _ := newSession(t)
	db.AddRejectedQuery("commit", &mterrors.Diagnostic{Severity: "ERROR", Code: "40001", Message: "could not serialize access"})

	require.NoError(t, s.Begin(t.Context()))
	err := s.Commit(t.Context())
	assert.ErrorIs(t, err, mterrors.ErrNativeDriver)
	assert.False(t, s.InTransaction())
}

func TestPreparedStatement(t *testing.T) {
	s, db, conn := newSession(t)
	db.AddQuery("select name from users where id = $1", fakenative.Rows([]string{"name"}, []any{"ann"}))

	_, err := s.Prepare(t.Context(), "select name from accounts")
	require.ErrorIs(t, err, mterrors.ErrNativeDriver)

	ps, err := s.Prepare(t.Context(), "select name from users where id = $1")
	require.NoError(t, err)
	assert.True(t, ps.Active())
	require.Len(t, ps.Meta().Columns, 1)
	assert.Equal(t, "name", ps.Meta().Columns[0].Name)

	for range 2 {
		n, err := ps.Query(t.Context(), []native.Param{{Value: int64(1)}})
		require.NoError(t, err)
		r, err := n.Wait(t.Context())
		require.NoError(t, err)
		assert.Equal(t, [][]any{{"ann"}}, r.First().Rows)
	}
	assert.Equal(t, 2, db.GetQueryCalledNum("select name from users where id = $1"))

	require.NoError(t, ps.Free(t.Context()))
	assert.False(t, ps.Active())
	assert.ErrorIs(t, ps.Free(t.Context()), mterrors.ErrQueueState)
	_, err = ps.Query(t.Context(), nil)
	assert.ErrorIs(t, err, mterrors.ErrQueueState)
	assert.Zero(t, conn.OpenStatements())
}

func TestCloseDrainsInFlight(t *testing.T) {
	s, db, conn := newSession(t)
	db.AddQuery("slow", &fakenative.ExpectedResult{Delay: 30 * time.Millisecond})
	db.AddQuery("queued", fakenative.RowCount(1))

	slow, err := s.Query(t.Context(), stmt.New("slow"))
	require.NoError(t, err)
	queued, err := s.Query(t.Context(), stmt.New("queued"))
	require.NoError(t, err)

	require.NoError(t, s.Close(t.Context()))
	assert.True(t, conn.Closed())
	assert.True(t, s.Closed())

	r, err := slow.Wait(t.Context())
	require.NoError(t, err, "the in-flight statement finishes before close")
	assert.True(t, r.Done)

	_, err = queued.Wait(t.Context())
	assert.ErrorIs(t, err, mterrors.ErrConnectionClosed)
	assert.Zero(t, db.GetQueryCalledNum("queued"))

	_, err = s.Query(t.Context(), stmt.New("queued"))
	assert.ErrorIs(t, err, mterrors.ErrConnectionClosed)
	assert.ErrorIs(t, s.Begin(t.Context()), mterrors.ErrConnectionClosed)
	assert.NoError(t, s.Close(t.Context()), "close is idempotent")

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestBrokenConnection(t *testing.T) {
	s, db, conn := newSession(t)
	db.AddQuery("select 1", fakenative.RowCount(1))
	conn.Break(&mterrors.Diagnostic{Severity: "FATAL", Code: "08006", Message: "connection failure"})

	n, err := s.Query(t.Context(), stmt.New("select 1"))
	require.NoError(t, err)
	r, err := n.Wait(t.Context())
	assert.ErrorIs(t, err, mterrors.ErrNativeDriver)
	assert.False(t, r.Done)
	assert.Zero(t, db.ReentrantCalls())
}
