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

// Package reader drains one native command to completion and turns its
// completions into notifier events.
//
// A command may produce several result sets. For each one the reader emits
// meta, then per row a row event followed by one column event per chunk,
// or a single rowcount event for a result without columns. Before closing a
// set it asks the native layer for the next one, so that an error event
// knows whether more results follow and done is emitted only once, after
// the final set.
package reader

import (
	"context"
	"errors"
	"log/slog"

	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/native"
	"github.com/multigres/nativepool/go/notifier"
)

// State is the position of the reader in its command.
type State int

const (
	StateInvoked State = iota
	StateMetaReceived
	StateReadingRows
	StateResultComplete
	StateNextResult
	StateFreed
)

var stateNames = [...]string{"INVOKED", "META_RECEIVED", "READING_ROWS", "RESULT_COMPLETE", "NEXT_RESULT", "FREED"}

func (s State) String() string {
	return stateNames[s]
}

// A function sequence error means the statement has no position left to
// continue from.
const sqlStateSequenceError = "HY010"

// Command is one native command to drain.
type Command struct {
	ID       native.StatementID
	Notifier *notifier.Notifier

	// Invoke issues the native call and returns the first result set.
	Invoke func(ctx context.Context) (*native.Meta, error)

	// Polling enables native cancellation before the command is invoked.
	Polling bool

	// Outputs reads procedure output parameters after the last result set.
	Outputs bool

	// Interrupt, once done, ends a pause with a cancellation error. A paused
	// command makes no native call that could observe a native cancel.
	Interrupt context.Context
}

// Reader drains commands on one native connection.
type Reader struct {
	conn   native.Conn
	logger *slog.Logger

	// OnState, when set, observes every state transition.
	OnState func(id native.StatementID, s State)
}

// New creates a reader for conn.
func New(conn native.Conn, logger *slog.Logger) *Reader {
	return &Reader{conn: conn, logger: logger}
}

type run struct {
	*Reader
	ctx   context.Context
	cmd   Command
	n     *notifier.Notifier
	set   int
	state State
}

// Drain runs cmd to a terminal outcome. It always frees the statement and
// emits the free event last; the caller advances the command queue after
// Drain returns.
func (r *Reader) Drain(ctx context.Context, cmd Command) {
	rn := &run{Reader: r, ctx: ctx, cmd: cmd, n: cmd.Notifier}
	rn.transition(StateInvoked)
	rn.n.Submitted()
	rn.drain()
	rn.free()
}

func (rn *run) transition(s State) {
	rn.state = s
	if rn.OnState != nil {
		rn.OnState(rn.cmd.ID, s)
	}
}

func (rn *run) drain() {
	if rn.cmd.Polling {
		if err := rn.conn.PollingMode(rn.ctx, rn.cmd.ID, true); err != nil {
			rn.fail(err)
			return
		}
	}
	if err := rn.waitResumed(); err != nil {
		rn.fail(err)
		return
	}

	meta, err := rn.cmd.Invoke(rn.ctx)
	for {
		if err != nil && mterrors.IsInformational(err) {
			rn.info(err)
			err = nil
			if meta == nil {
				meta, err = rn.next()
			}
		}
		if err != nil {
			failed := rn.classify(err)
			more := false
			if retryable(err) {
				meta, err = rn.next()
				more = meta != nil || err != nil
			}
			rn.n.Emit(notifier.Event{Kind: notifier.EventError, Err: failed, More: more})
			if !more {
				return
			}
			rn.set++
			continue
		}
		if meta == nil {
			rn.complete()
			return
		}

		rn.transition(StateMetaReceived)
		for _, m := range meta.Messages {
			rn.info(m)
		}
		if meta.RowCountOnly() {
			rn.n.Emit(notifier.Event{Kind: notifier.EventRowCount, Set: rn.set, RowCount: meta.RowCount})
		} else {
			rn.n.Emit(notifier.Event{Kind: notifier.EventMeta, Set: rn.set, Columns: meta.Columns})
			if rowErr := rn.readRows(len(meta.Columns)); rowErr != nil {
				err = rowErr
				meta = nil
				continue
			}
		}

		rn.transition(StateResultComplete)
		rn.set++
		meta, err = rn.next()
		if meta == nil && err == nil {
			rn.complete()
			return
		}
	}
}

// readRows streams the rows of the current set.
func (rn *run) readRows(columns int) error {
	rn.transition(StateReadingRows)
	for row := 0; ; row++ {
		if err := rn.waitResumed(); err != nil {
			return err
		}
		st, err := rn.conn.ReadRow(rn.ctx, rn.cmd.ID)
		if err != nil {
			if !mterrors.IsInformational(err) {
				return err
			}
			rn.info(err)
		}
		if st.EndOfRows {
			return nil
		}
		rn.n.Emit(notifier.Event{Kind: notifier.EventRow, Set: rn.set, Row: row})
		for col := range columns {
			if err := rn.readColumn(row, col); err != nil {
				return err
			}
		}
	}
}

func (rn *run) readColumn(row, col int) error {
	for {
		if err := rn.waitResumed(); err != nil {
			return err
		}
		chunk, err := rn.conn.ReadColumn(rn.ctx, rn.cmd.ID, col)
		if err != nil {
			if !mterrors.IsInformational(err) {
				return err
			}
			rn.info(err)
		}
		rn.n.Emit(notifier.Event{Kind: notifier.EventColumn, Set: rn.set, Row: row, Column: col, Value: chunk.Value, More: chunk.More})
		if !chunk.More {
			return nil
		}
	}
}

func (rn *run) next() (*native.Meta, error) {
	rn.transition(StateNextResult)
	if err := rn.waitResumed(); err != nil {
		return nil, err
	}
	return rn.conn.NextResult(rn.ctx, rn.cmd.ID)
}

// waitResumed blocks while the command is paused. Ending the wait through
// Interrupt or ctx resolves the command as cancelled.
func (rn *run) waitResumed() error {
	ctx := rn.ctx
	if rn.cmd.Interrupt != nil {
		ctx = rn.cmd.Interrupt
	}
	if rn.n.WaitResumed(ctx) == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, mterrors.ErrCancelled) {
		return cause
	}
	return mterrors.Cancelled(rn.cmd.ID, cause)
}

func (rn *run) info(err error) {
	rn.n.Emit(notifier.Event{Kind: notifier.EventInfo, Err: err})
}

func (rn *run) fail(err error) {
	rn.n.Emit(notifier.Event{Kind: notifier.EventError, Err: rn.classify(err)})
}

func (rn *run) complete() {
	if rn.cmd.Outputs {
		values, err := rn.conn.Unbind(rn.ctx, rn.cmd.ID)
		if err != nil {
			rn.fail(err)
			return
		}
		rn.n.SetOutputParams(values)
	}
	rn.n.Emit(notifier.Event{Kind: notifier.EventDone})
}

func (rn *run) classify(err error) error {
	if mterrors.IsCancellation(err) {
		return mterrors.Cancelled(rn.cmd.ID, err)
	}
	return err
}

// retryable reports whether the statement can continue past err.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	d, ok := mterrors.AsDiagnostic(err)
	return ok && !d.IsFatal() && !d.IsCancellation() && d.Code != sqlStateSequenceError
}

// free releases the statement even when ctx was cancelled.
func (rn *run) free() {
	ctx := context.WithoutCancel(rn.ctx)
	if err := rn.conn.FreeStatement(ctx, rn.cmd.ID); err != nil {
		rn.logger.DebugContext(ctx, "free statement failed", "query_id", rn.cmd.ID, "error", err)
	}
	rn.transition(StateFreed)
	rn.n.Emit(notifier.Event{Kind: notifier.EventFree})
}
