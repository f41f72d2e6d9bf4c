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

package fakenative

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/native"
)

var (
	errConnClosed = &mterrors.Diagnostic{Severity: "FATAL", Code: "08003", Message: "connection does not exist"}
	errCanceled   = &mterrors.Diagnostic{Severity: "ERROR", Code: mterrors.SQLStateOperationCanceled, Message: "operation canceled"}
	errSequence   = &mterrors.Diagnostic{Severity: "ERROR", Code: "HY010", Message: "function sequence error"}
	errNoPrepared = &mterrors.Diagnostic{Severity: "ERROR", Code: "26000", Message: "prepared statement does not exist"}
)

// Conn is a fake native connection.
type Conn struct {
	db *DB
	id int

	inFlight atomic.Int32
	calls    atomic.Int64

	mu       sync.Mutex
	closed   bool
	broken   error
	inTx     bool
	cursors  map[native.StatementID]*cursor
	prepared map[native.StatementID]string
	polling  map[native.StatementID]bool
	cancels  map[native.StatementID]chan struct{}
}

var _ native.Conn = (*Conn)(nil)

type cursor struct {
	result *ExpectedResult
	sets   []ResultSet
	set    int
	row    int
	col    int
	offset int
}

func newConn(db *DB, id int) *Conn {
	return &Conn{
		db:       db,
		id:       id,
		cursors:  make(map[native.StatementID]*cursor),
		prepared: make(map[native.StatementID]string),
		polling:  make(map[native.StatementID]bool),
		cancels:  make(map[native.StatementID]chan struct{}),
	}
}

// ID returns the connection number, starting at 1.
func (c *Conn) ID() int { return c.id }

// Calls returns the number of native calls made on the connection.
func (c *Conn) Calls() int64 { return c.calls.Load() }

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// InTransaction reports whether a transaction is open.
func (c *Conn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTx
}

// Break makes every further call fail with err, as if the link dropped.
func (c *Conn) Break(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = err
}

// enter marks a call in flight and fails it if the connection is unusable.
func (c *Conn) enter() (func(), error) {
	if c.inFlight.Add(1) > 1 {
		c.db.reentrant.Add(1)
	}
	c.calls.Add(1)
	exit := func() { c.inFlight.Add(-1) }

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		exit()
		return nil, errConnClosed
	}
	if c.broken != nil {
		exit()
		return nil, c.broken
	}
	return exit, nil
}

func (c *Conn) cancelChan(id native.StatementID) chan struct{} {
	ch, ok := c.cancels[id]
	if !ok {
		ch = make(chan struct{})
		c.cancels[id] = ch
	}
	return ch
}

// wait simulates execution time. A cancel only interrupts it in polling mode.
func (c *Conn) wait(ctx context.Context, id native.StatementID, d time.Duration) error {
	c.mu.Lock()
	var cancelled chan struct{}
	if c.polling[id] {
		cancelled = c.cancelChan(id)
	}
	c.mu.Unlock()

	if cancelled != nil {
		select {
		case <-cancelled:
			return errCanceled
		default:
		}
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-cancelled:
		return errCanceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) execute(ctx context.Context, id native.StatementID, query string, params []native.Param) (*native.Meta, error) {
	cur := &cursor{row: -1}
	c.mu.Lock()
	c.cursors[id] = cur
	c.mu.Unlock()

	result, err := c.db.handleQuery(query, params)
	if err != nil {
		return nil, err
	}
	cur.result = result
	if err := c.wait(ctx, id, result.Delay); err != nil {
		return nil, err
	}
	cur.sets = result.Sets
	if len(cur.sets) == 0 {
		cur.sets = []ResultSet{{}}
	}
	return cur.position()
}

func (cur *cursor) position() (*native.Meta, error) {
	if cur.set >= len(cur.sets) {
		return nil, nil
	}
	rs := cur.sets[cur.set]
	if rs.Err != nil {
		return nil, rs.Err
	}
	return describe(rs), nil
}

func describe(rs ResultSet) *native.Meta {
	meta := &native.Meta{RowCount: -1, Messages: rs.Messages}
	if len(rs.Columns) == 0 {
		meta.RowCount = rs.RowCount
	}
	for _, name := range rs.Columns {
		meta.Columns = append(meta.Columns, native.Column{Name: name, TypeName: "text", Nullable: true})
	}
	return meta
}

func (c *Conn) cursor(id native.StatementID) (*cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.cursors[id]
	if !ok {
		return nil, errSequence
	}
	return cur, nil
}

// Close implements native.Conn.
func (c *Conn) Close(ctx context.Context) error {
	exit, err := c.enter()
	if err != nil {
		return err
	}
	defer exit()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.db.connClosed()
	return nil
}

// Query implements native.Conn.
func (c *Conn) Query(ctx context.Context, id native.StatementID, text string, params []native.Param) (*native.Meta, error) {
	exit, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer exit()
	return c.execute(ctx, id, text, params)
}

// Prepare implements native.Conn. It only records the text; the statement
// is looked up when bound.
func (c *Conn) Prepare(ctx context.Context, id native.StatementID, text string) (*native.Meta, error) {
	exit, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer exit()

	c.db.mu.Lock()
	c.db.querylog = append(c.db.querylog, "prepare")
	result, err := c.db.lookup(text)
	c.db.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.prepared[id] = text
	c.mu.Unlock()
	if len(result.Sets) == 0 {
		return &native.Meta{RowCount: -1}, nil
	}
	return describe(result.Sets[0]), nil
}

// BindQuery implements native.Conn.
func (c *Conn) BindQuery(ctx context.Context, id, stmt native.StatementID, params []native.Param) (*native.Meta, error) {
	exit, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer exit()

	c.mu.Lock()
	text, ok := c.prepared[stmt]
	c.mu.Unlock()
	if !ok {
		return nil, errNoPrepared
	}
	return c.execute(ctx, id, text, params)
}

// CallProcedure implements native.Conn.
func (c *Conn) CallProcedure(ctx context.Context, id native.StatementID, name string, params []native.Param) (*native.Meta, error) {
	exit, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer exit()
	return c.execute(ctx, id, procedureKey(name), params)
}

// ReadRow implements native.Conn.
func (c *Conn) ReadRow(ctx context.Context, id native.StatementID) (native.RowStatus, error) {
	exit, err := c.enter()
	if err != nil {
		return native.RowStatus{}, err
	}
	defer exit()

	cur, err := c.cursor(id)
	if err != nil {
		return native.RowStatus{}, err
	}
	if cur.result == nil {
		return native.RowStatus{}, errSequence
	}
	if err := c.wait(ctx, id, cur.result.RowDelay); err != nil {
		return native.RowStatus{}, err
	}
	if cur.set >= len(cur.sets) {
		return native.RowStatus{}, errSequence
	}
	rs := cur.sets[cur.set]
	cur.row++
	cur.col, cur.offset = 0, 0
	if cur.row >= len(rs.Rows) {
		n := rs.RowCount
		if n == 0 {
			n = int64(len(rs.Rows))
		}
		return native.RowStatus{EndOfRows: true, RowCount: n}, nil
	}
	return native.RowStatus{}, nil
}

// ReadColumn implements native.Conn.
func (c *Conn) ReadColumn(ctx context.Context, id native.StatementID, col int) (native.Chunk, error) {
	exit, err := c.enter()
	if err != nil {
		return native.Chunk{}, err
	}
	defer exit()

	cur, err := c.cursor(id)
	if err != nil {
		return native.Chunk{}, err
	}
	if cur.set >= len(cur.sets) {
		return native.Chunk{}, errSequence
	}
	rs := cur.sets[cur.set]
	if cur.row < 0 || cur.row >= len(rs.Rows) || col < 0 || col >= len(rs.Rows[cur.row]) {
		return native.Chunk{}, errSequence
	}
	if col != cur.col {
		cur.col, cur.offset = col, 0
	}

	value := rs.Rows[cur.row][col]
	size := 0
	if cur.result != nil {
		size = cur.result.ChunkSize
	}
	switch v := value.(type) {
	case string:
		if size > 0 && len(v) > size {
			piece, more := chunk(len(v), cur.offset, size)
			out := v[cur.offset : cur.offset+piece]
			cur.offset += piece
			return native.Chunk{Value: out, More: more}, nil
		}
	case []byte:
		if size > 0 && len(v) > size {
			piece, more := chunk(len(v), cur.offset, size)
			out := v[cur.offset : cur.offset+piece]
			cur.offset += piece
			return native.Chunk{Value: out, More: more}, nil
		}
	}
	return native.Chunk{Value: value}, nil
}

func chunk(total, offset, size int) (int, bool) {
	piece := min(size, total-offset)
	return piece, offset+piece < total
}

// NextResult implements native.Conn.
func (c *Conn) NextResult(ctx context.Context, id native.StatementID) (*native.Meta, error) {
	exit, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer exit()

	cur, err := c.cursor(id)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, id, 0); err != nil {
		return nil, err
	}
	if cur.set < len(cur.sets) {
		cur.set++
	}
	cur.row = -1
	return cur.position()
}

// CancelQuery implements native.Conn. It is not counted as a reentrant call.
func (c *Conn) CancelQuery(ctx context.Context, id native.StatementID) error {
	c.db.cancels.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	ch := c.cancelChan(id)
	select {
	case <-ch:
	default:
		close(ch)
	}
	return nil
}

// PollingMode implements native.Conn.
func (c *Conn) PollingMode(ctx context.Context, id native.StatementID, enabled bool) error {
	exit, err := c.enter()
	if err != nil {
		return err
	}
	defer exit()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polling[id] = enabled
	return nil
}

// Polling reports whether polling mode is enabled for id.
func (c *Conn) Polling(id native.StatementID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polling[id]
}

// FreeStatement implements native.Conn.
func (c *Conn) FreeStatement(ctx context.Context, id native.StatementID) error {
	exit, err := c.enter()
	if err != nil {
		return err
	}
	defer exit()
	c.db.frees.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cursors, id)
	delete(c.polling, id)
	delete(c.cancels, id)
	delete(c.prepared, id)
	return nil
}

// OpenStatements returns the number of statements not yet freed.
func (c *Conn) OpenStatements() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cursors)
}

// Unbind implements native.Conn.
func (c *Conn) Unbind(ctx context.Context, id native.StatementID) ([]any, error) {
	exit, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer exit()
	cur, err := c.cursor(id)
	if err != nil {
		return nil, err
	}
	if cur.result == nil {
		return nil, nil
	}
	return append([]any(nil), cur.result.OutputParams...), nil
}

// BeginTransaction implements native.Conn.
func (c *Conn) BeginTransaction(ctx context.Context) error {
	return c.verb("begin", true)
}

// Commit implements native.Conn.
func (c *Conn) Commit(ctx context.Context) error {
	return c.verb("commit", false)
}

// Rollback implements native.Conn.
func (c *Conn) Rollback(ctx context.Context) error {
	return c.verb("rollback", false)
}

func (c *Conn) verb(verb string, inTx bool) error {
	exit, err := c.enter()
	if err != nil {
		return err
	}
	defer exit()
	if err := c.db.handleVerb(verb); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx = inTx
	return nil
}
