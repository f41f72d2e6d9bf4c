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

// Package cmdqueue serializes calls against one non-reentrant native
// connection.
//
// The head of the queue is the operation in flight. An operation is invoked
// when it becomes the head, and its owner calls NextOp once it reached a
// terminal outcome, which invokes the next one.
package cmdqueue

import (
	"sync"

	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/stmt"
	"github.com/multigres/nativepool/go/tools/list"
)

// Op is one queued operation.
type Op struct {
	CommandID uint64
	Kind      stmt.Kind
	QueryID   uint64

	invoke  func()
	invoked bool
}

// Queue is a FIFO of operations of which at most one is in flight.
type Queue struct {
	mu          sync.Mutex
	ops         list.List[*Op]
	lastCommand uint64
}

// Enqueue appends an operation and invokes it at once if it is the only
// entry. invoke runs on the caller's goroutine and must not block; it
// typically starts the goroutine that performs the native call.
func (q *Queue) Enqueue(kind stmt.Kind, queryID uint64, invoke func()) *Op {
	q.mu.Lock()
	q.lastCommand++
	op := &Op{CommandID: q.lastCommand, Kind: kind, QueryID: queryID, invoke: invoke}
	q.ops.PushBack(op)
	sole := q.ops.Len() == 1
	if sole {
		op.invoked = true
	}
	q.mu.Unlock()

	if sole {
		invoke()
	}
	return op
}

// NextOp removes the completed head and invokes the new head, if any. It
// returns the removed operation.
func (q *Queue) NextOp() *Op {
	q.mu.Lock()
	done, _ := q.ops.PopFront()
	var next *Op
	if e := q.ops.Front(); e != nil && !e.Value.invoked {
		next = e.Value
		next.invoked = true
	}
	q.mu.Unlock()

	if next != nil {
		next.invoke()
	}
	return done
}

// DropItem removes a queued operation that was not invoked yet. The head
// is in flight and cannot be dropped.
func (q *Queue) DropItem(index int) (*Op, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index == 0 {
		return nil, mterrors.QueueState("the in-flight operation cannot be dropped")
	}
	e := q.ops.At(index)
	if e == nil {
		return nil, mterrors.QueueState("no queued operation at index %d", index)
	}
	if e.Value.invoked {
		return nil, mterrors.QueueState("operation %d was already invoked", e.Value.CommandID)
	}
	return q.ops.Remove(e), nil
}

// DropFirst removes the first operation satisfying pred, looked up and
// removed under one lock. It returns false when no operation matches or
// when the match was already invoked.
func (q *Queue) DropFirst(pred func(*Op) bool) (*Op, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, _ := q.ops.Find(pred)
	if e == nil || e.Value.invoked {
		return nil, false
	}
	return q.ops.Remove(e), true
}

// First returns the first operation satisfying pred and its index, or
// (nil, -1).
func (q *Queue) First(pred func(*Op) bool) (*Op, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, i := q.ops.Find(pred)
	if e == nil {
		return nil, -1
	}
	return e.Value, i
}

// Len returns the number of queued operations, including the head.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ops.Len()
}

// Busy reports whether an operation is in flight.
func (q *Queue) Busy() bool {
	return q.Len() > 0
}

// Clear discards every operation that was not invoked yet and returns
// them in queue order. The in-flight head stays.
func (q *Queue) Clear() []*Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dropped []*Op
	for e := q.ops.Front(); e != nil; {
		next := e.Next()
		if !e.Value.invoked {
			dropped = append(dropped, q.ops.Remove(e))
		}
		e = next
	}
	return dropped
}
