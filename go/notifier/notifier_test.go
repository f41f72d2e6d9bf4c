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

package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/native"
)

func TestIDAllocatorMonotonic(t *testing.T) {
	var ids IDAllocator
	var wg sync.WaitGroup
	seen := make(chan uint64, 100)
	for range 100 {
		wg.Go(func() { seen <- ids.Next() })
	}
	wg.Wait()
	close(seen)

	unique := map[uint64]bool{}
	for id := range seen {
		assert.False(t, unique[id], "duplicate id %d", id)
		unique[id] = true
	}
	assert.Len(t, unique, 100)
	assert.Equal(t, uint64(101), ids.Next())

	a, b := New(&ids), New(&ids)
	assert.Less(t, a.QueryID(), b.QueryID())
}

func TestAggregation(t *testing.T) {
	var ids IDAllocator
	var kinds []EventKind
	n := New(&ids, WithRecords(), WithHandler(func(ev Event) { kinds = append(kinds, ev.Kind) }))

	cols := []native.Column{{Name: "id"}, {Name: "name"}}
	n.Submitted()
	n.Submitted()
	n.Emit(Event{Kind: EventMeta, Columns: cols})
	n.Emit(Event{Kind: EventRow})
	n.Emit(Event{Kind: EventColumn, Column: 0, Value: int64(1)})
	n.Emit(Event{Kind: EventColumn, Column: 1, Value: "al", More: true})
	n.Emit(Event{Kind: EventColumn, Column: 1, Value: "ice"})
	n.Emit(Event{Kind: EventInfo, Err: &mterrors.Diagnostic{Code: "01000", Message: "note"}})
	n.Emit(Event{Kind: EventRowCount, Set: 1, RowCount: 3})
	n.Emit(Event{Kind: EventDone})
	n.Emit(Event{Kind: EventFree})
	n.Emit(Event{Kind: EventRow})

	r, err := n.Wait(t.Context())
	require.NoError(t, err)
	require.Len(t, r.Sets, 2)
	assert.Equal(t, [][]any{{int64(1), "alice"}}, r.Sets[0].Rows)
	assert.Equal(t, []map[string]any{{"id": int64(1), "name": "alice"}}, r.Sets[0].Records)
	assert.Equal(t, int64(1), r.First().RowCount)
	assert.Equal(t, int64(3), r.Sets[1].RowCount)
	assert.Len(t, r.Infos, 1)
	assert.True(t, r.Done)

	assert.Equal(t, []EventKind{
		EventSubmitted, EventMeta, EventRow, EventColumn, EventColumn, EventColumn,
		EventInfo, EventRowCount, EventDone, EventFree,
	}, kinds, "duplicate submitted and events after free are dropped")
}

func TestByteChunksAreJoined(t *testing.T) {
	var ids IDAllocator
	n := New(&ids)
	n.Emit(Event{Kind: EventMeta, Columns: []native.Column{{Name: "b"}}})
	n.Emit(Event{Kind: EventRow})
	n.Emit(Event{Kind: EventColumn, Value: []byte{1, 2}, More: true})
	n.Emit(Event{Kind: EventColumn, Value: []byte{3}})
	n.Emit(Event{Kind: EventFree})

	r, err := n.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, r.First().Rows[0][0])
}

func TestFailAndErrors(t *testing.T) {
	var ids IDAllocator
	n := New(&ids)
	n.Fail(mterrors.ConnectionClosed("pool"))

	r, err := n.Wait(t.Context())
	assert.ErrorIs(t, err, mterrors.ErrConnectionClosed)
	assert.Len(t, r.Errors, 1)
	assert.False(t, r.Done)
}

func TestStreamDelivery(t *testing.T) {
	var ids IDAllocator
	n := New(&ids, WithStream(16))
	go func() {
		n.Submitted()
		n.Emit(Event{Kind: EventMeta, Columns: []native.Column{{Name: "a"}}})
		n.Emit(Event{Kind: EventRow})
		n.Emit(Event{Kind: EventColumn, Value: 1})
		n.Emit(Event{Kind: EventDone})
		n.Emit(Event{Kind: EventFree})
	}()

	var kinds []EventKind
	for ev := range n.Events() {
		assert.Equal(t, n.QueryID(), ev.QueryID)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventSubmitted, EventMeta, EventRow, EventColumn, EventDone, EventFree}, kinds)

	r, err := n.Wait(t.Context())
	require.NoError(t, err)
	assert.Empty(t, r.First().Rows, "streamed rows are not aggregated")
	assert.Equal(t, int64(1), r.First().RowCount)
}

func TestCancel(t *testing.T) {
	var ids IDAllocator
	n := New(&ids)

	err := n.Cancel(t.Context())
	assert.ErrorIs(t, err, mterrors.ErrQueueState, "unbound notifier fails softly")

	sentinel := errors.New("cancelled by owner")
	n.Bind(func(context.Context) error { return sentinel })
	assert.ErrorIs(t, n.Cancel(t.Context()), sentinel)

	n.Emit(Event{Kind: EventFree})
	assert.NoError(t, n.Cancel(t.Context()), "cancel after free is a no-op")
}

func TestPauseResume(t *testing.T) {
	var ids IDAllocator
	n := New(&ids)
	assert.NoError(t, n.WaitResumed(t.Context()))

	resumed := make(chan struct{}, 1)
	n.OnResume(func() { resumed <- struct{}{} })

	n.Pause()
	assert.True(t, n.IsPaused())

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, n.WaitResumed(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- n.WaitResumed(t.Context()) }()
	n.Resume()
	require.NoError(t, <-done)
	assert.False(t, n.IsPaused())
	<-resumed

	n.Resume()
	assert.Empty(t, resumed, "resume without pause does not fire the hook")
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "rowcount", EventRowCount.String())
	assert.Equal(t, "free", EventFree.String())
	assert.Equal(t, "event(99)", EventKind(99).String())
}
