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

// Package session wraps one native connection with its command queue and
// streaming reader.
//
// Every operation on a session goes through its queue, so the native
// connection never sees two calls at once. Statements return a notifier
// immediately; transaction verbs, prepare and close block until their turn
// came and the native call returned.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multigres/nativepool/go/cmdqueue"
	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/native"
	"github.com/multigres/nativepool/go/notifier"
	"github.com/multigres/nativepool/go/reader"
	"github.com/multigres/nativepool/go/stmt"
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithIDs shares a query id allocator, typically the pool's.
func WithIDs(ids *notifier.IDAllocator) Option {
	return func(s *Session) { s.ids = ids }
}

// WithName names the session in logs.
func WithName(name string) Option {
	return func(s *Session) { s.name = name }
}

// Session is one native connection plus its command queue.
type Session struct {
	name   string
	conn   native.Conn
	queue  cmdqueue.Queue
	reader *reader.Reader
	ids    *notifier.IDAllocator
	logger *slog.Logger

	closing atomic.Bool
	closed  chan struct{}

	mu   sync.Mutex
	inTx bool
	ops  map[uint64]*opState
}

// opState tracks a queued operation until it completed or was discarded.
type opState struct {
	polling bool

	// resolve completes an operation that never ran.
	resolve func(err error)
	done    func()
	stop    func() bool
	once    sync.Once

	// interrupt ends a pause of the running statement.
	interrupt context.Context
	abort     context.CancelCauseFunc
}

func (st *opState) finish() {
	st.once.Do(func() {
		if st.stop != nil {
			st.stop()
		}
		if st.abort != nil {
			st.abort(nil)
		}
		if st.done != nil {
			st.done()
		}
	})
}

func (st *opState) discard(err error) {
	st.resolve(err)
	st.finish()
}

// Open opens a native connection and wraps it.
func Open(ctx context.Context, driver native.Driver, connString string, opts ...Option) (*Session, error) {
	conn, err := driver.Open(ctx, connString)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// New wraps an open native connection.
func New(conn native.Conn, opts ...Option) *Session {
	s := &Session{
		conn:   conn,
		closed: make(chan struct{}),
		ops:    make(map[uint64]*opState),
	}
	for _, o := range opts {
		o(s)
	}
	if s.ids == nil {
		s.ids = &notifier.IDAllocator{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.name != "" {
		s.logger = s.logger.With("session", s.name)
	}
	s.reader = reader.New(conn, s.logger)
	return s
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.name
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	return s.closing.Load()
}

// Busy reports whether an operation is queued or in flight.
func (s *Session) Busy() bool {
	return s.queue.Busy()
}

// InTransaction reports whether a transaction is active.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx
}

// Work is a statement submission.
type Work struct {
	Kind     stmt.Kind
	Stmt     stmt.Statement
	Notifier *notifier.Notifier

	// Prepared is the statement to bind for KindPrepared.
	Prepared *PreparedStatement

	// Done runs once the operation was freed and the queue advanced, or
	// once it was discarded without running.
	Done func()
}

// Query submits SQL text. Rows are also aggregated as records.
func (s *Session) Query(ctx context.Context, st stmt.Statement, opts ...notifier.Option) (*notifier.Notifier, error) {
	return s.submitNew(ctx, stmt.KindQuery, st, append([]notifier.Option{notifier.WithRecords()}, opts...))
}

// QueryRaw submits SQL text. Rows are aggregated as value slices only.
func (s *Session) QueryRaw(ctx context.Context, st stmt.Statement, opts ...notifier.Option) (*notifier.Notifier, error) {
	return s.submitNew(ctx, stmt.KindQueryRaw, st, opts)
}

// CallProcedure invokes the stored procedure named by st.Text.
func (s *Session) CallProcedure(ctx context.Context, st stmt.Statement, opts ...notifier.Option) (*notifier.Notifier, error) {
	return s.submitNew(ctx, stmt.KindProcedure, st, opts)
}

func (s *Session) submitNew(ctx context.Context, kind stmt.Kind, st stmt.Statement, opts []notifier.Option) (*notifier.Notifier, error) {
	if s.closing.Load() {
		return nil, mterrors.ConnectionClosed("session")
	}
	n := notifier.New(s.ids, opts...)
	if err := s.Submit(ctx, Work{Kind: kind, Stmt: st, Notifier: n}); err != nil {
		return nil, err
	}
	return n, nil
}

// Submit queues a statement with a caller-created notifier. Cancelling ctx
// requests cancellation of the statement.
func (s *Session) Submit(ctx context.Context, w Work) error {
	if w.Kind != stmt.KindPrepared {
		if err := w.Stmt.Validate(); err != nil {
			return err
		}
	}

	n := w.Notifier
	id := n.QueryID()
	st := &opState{
		polling: w.Stmt.PollingMode(),
		resolve: n.Fail,
		done:    w.Done,
	}
	n.Bind(func(ctx context.Context) error { return s.cancel(ctx, id) })
	runCtx := context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return mterrors.ConnectionClosed("session")
	}
	st.interrupt, st.abort = context.WithCancelCause(runCtx)
	s.ops[id] = st
	st.stop = context.AfterFunc(ctx, func() {
		_ = s.cancel(runCtx, id)
	})
	s.queue.Enqueue(w.Kind, id, func() {
		go s.run(runCtx, id, w, st)
	})
	s.logger.DebugContext(ctx, "statement queued", "query_id", id, "kind", w.Kind)
	return nil
}

func (s *Session) run(ctx context.Context, id uint64, w Work, st *opState) {
	if w.Stmt.Timeout > 0 {
		t := time.AfterFunc(w.Stmt.Timeout, func() {
			s.logger.DebugContext(ctx, "statement timed out", "query_id", id, "timeout", w.Stmt.Timeout)
			_ = s.cancel(ctx, id)
		})
		defer t.Stop()
	}

	cmd := reader.Command{
		ID:       id,
		Notifier: w.Notifier,
		Polling:  st.polling,
		Outputs:  w.Stmt.HasOutputs(),

		Interrupt: st.interrupt,
	}
	switch w.Kind {
	case stmt.KindProcedure:
		cmd.Invoke = func(ctx context.Context) (*native.Meta, error) {
			return s.conn.CallProcedure(ctx, id, w.Stmt.Text, w.Stmt.Params)
		}
	case stmt.KindPrepared:
		cmd.Invoke = func(ctx context.Context) (*native.Meta, error) {
			return s.conn.BindQuery(ctx, id, w.Prepared.id, w.Stmt.Params)
		}
	default:
		cmd.Invoke = func(ctx context.Context) (*native.Meta, error) {
			return s.conn.Query(ctx, id, w.Stmt.Text, w.Stmt.Params)
		}
	}

	s.reader.Drain(ctx, cmd)
	s.complete(id)
	st.finish()
}

// complete forgets a finished operation and advances the queue.
func (s *Session) complete(id uint64) {
	s.mu.Lock()
	delete(s.ops, id)
	s.mu.Unlock()
	s.queue.NextOp()
}

// cancel resolves a cancellation request for query id.
//
// A statement still waiting in the queue is dropped and resolved without
// touching the native layer. A statement in flight is cancelled natively
// when it was submitted in polling mode, and a pause it is blocked on ends
// with a cancellation error. Otherwise the request fails and the statement
// completes normally.
//
// s.mu is held across the native cancel so the queue cannot advance to the
// next operation meanwhile.
func (s *Session) cancel(ctx context.Context, id uint64) error {
	s.mu.Lock()
	st, ok := s.ops[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if s.dropQueuedLocked(id) {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "queued statement cancelled", "query_id", id)
		st.discard(mterrors.Cancelled(id, nil))
		return nil
	}
	defer s.mu.Unlock()
	if !st.polling {
		return mterrors.UnsupportedCancellation(id)
	}
	s.logger.DebugContext(ctx, "cancelling statement", "query_id", id)
	err := s.conn.CancelQuery(ctx, id)
	if st.abort != nil {
		st.abort(mterrors.Cancelled(id, nil))
	}
	return err
}

// dropQueuedLocked removes operation id when it was not invoked yet.
// s.mu must be held.
func (s *Session) dropQueuedLocked(id uint64) bool {
	if _, ok := s.queue.DropFirst(func(o *cmdqueue.Op) bool { return o.QueryID == id }); !ok {
		return false
	}
	delete(s.ops, id)
	return true
}

// call runs f through the queue and waits for it.
//
// When ctx ends first and f was not invoked yet, f is dropped and never
// runs. Once invoked, f runs to completion and call reports its outcome, so
// the caller never loses track of a transaction or prepared statement the
// native layer created.
func (s *Session) call(ctx context.Context, kind stmt.Kind, f func(ctx context.Context) error) error {
	result := make(chan error, 1)
	id := s.ids.Next()
	st := &opState{resolve: func(err error) { result <- err }}
	runCtx := context.WithoutCancel(ctx)

	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		return mterrors.ConnectionClosed("session")
	}
	s.ops[id] = st
	s.queue.Enqueue(kind, id, func() {
		go func() {
			err := f(runCtx)
			s.complete(id)
			result <- err
		}()
	})
	s.mu.Unlock()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
	}

	s.mu.Lock()
	dropped := s.dropQueuedLocked(id)
	s.mu.Unlock()
	if dropped {
		s.logger.DebugContext(runCtx, "queued call cancelled", "query_id", id, "kind", kind)
		return mterrors.Cancelled(id, context.Cause(ctx))
	}
	return <-result
}

// Begin starts a transaction.
func (s *Session) Begin(ctx context.Context) error {
	if s.InTransaction() {
		return mterrors.QueueState("a transaction is already active")
	}
	return s.call(ctx, stmt.KindTransaction, func(ctx context.Context) error {
		s.mu.Lock()
		active := s.inTx
		s.mu.Unlock()
		if active {
			return mterrors.QueueState("a transaction is already active")
		}
		if err := s.conn.BeginTransaction(ctx); err != nil {
			return err
		}
		s.setTx(true)
		return nil
	})
}

// Commit commits the active transaction.
func (s *Session) Commit(ctx context.Context) error {
	return s.endTx(ctx, "commit", s.conn.Commit)
}

// Rollback rolls back the active transaction.
func (s *Session) Rollback(ctx context.Context) error {
	return s.endTx(ctx, "rollback", s.conn.Rollback)
}

func (s *Session) endTx(ctx context.Context, verb string, f func(context.Context) error) error {
	if !s.InTransaction() {
		return mterrors.QueueState("%s without an active transaction", verb)
	}
	return s.call(ctx, stmt.KindTransaction, func(ctx context.Context) error {
		if !s.InTransaction() {
			return mterrors.QueueState("%s without an active transaction", verb)
		}
		// The transaction is over whatever the server answers.
		defer s.setTx(false)
		return f(ctx)
	})
}

func (s *Session) setTx(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTx = active
}

// Close drains the session and closes the native connection. Statements
// still waiting behind the in-flight one are discarded with a closed
// connection error; the in-flight one finishes first. Close returns once
// the connection is closed, or when ctx is done.
func (s *Session) Close(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		select {
		case <-s.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	var discarded []*opState
	for _, op := range s.queue.Clear() {
		if st, ok := s.ops[op.QueryID]; ok {
			delete(s.ops, op.QueryID)
			discarded = append(discarded, st)
		}
	}
	s.mu.Unlock()
	for _, st := range discarded {
		st.discard(mterrors.ConnectionClosed("session"))
	}

	result := make(chan error, 1)
	bg := context.WithoutCancel(ctx)
	s.queue.Enqueue(stmt.KindClose, 0, func() {
		go func() {
			err := s.conn.Close(bg)
			s.queue.NextOp()
			close(s.closed)
			s.logger.DebugContext(bg, "session closed", "error", err)
			result <- err
		}()
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the native connection was closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}
