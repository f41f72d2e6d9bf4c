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

// Package notifier carries the identity, event stream and cancellation
// handle of one logical operation.
//
// Events of one operation arrive in this order:
//
//	submitted, then per result set either meta followed by row and column
//	events, or a single rowcount; done after the final set; free last.
//
// Error and info events may interleave anywhere after submitted. An error
// with More set is followed by further result sets. An operation whose
// final result set failed ends with that error instead of done.
package notifier

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/multigres/nativepool/go/mterrors"
)

// IDAllocator issues monotonically increasing query ids. The zero value
// is ready to use; the first id is 1.
type IDAllocator struct {
	last atomic.Uint64
}

// Next returns the next query id.
func (a *IDAllocator) Next() uint64 {
	return a.last.Add(1)
}

// Canceller cancels the operation on whatever currently owns it.
type Canceller func(ctx context.Context) error

// Option configures a Notifier.
type Option func(*Notifier)

// WithHandler calls h synchronously for every event, on the goroutine that
// produces it.
func WithHandler(h func(Event)) Option {
	return func(n *Notifier) { n.handler = h }
}

// WithStream delivers events on Events(). Rows are not aggregated into the
// Result. Sends block, so an unread stream stalls the operation.
func WithStream(buffer int) Option {
	return func(n *Notifier) {
		n.stream = make(chan Event, buffer)
	}
}

// WithRecords also aggregates rows as column-name keyed records.
func WithRecords() Option {
	return func(n *Notifier) { n.records = true }
}

// Notifier is the per-operation event surface.
type Notifier struct {
	id      uint64
	handler func(Event)
	stream  chan Event
	records bool

	mu        sync.Mutex
	canceller Canceller
	paused    bool
	resumed   chan struct{}
	onResume  func()
	result    Result
	submitted bool
	freed     bool

	free chan struct{}
}

// New creates a notifier with a fresh id from ids.
func New(ids *IDAllocator, opts ...Option) *Notifier {
	n := &Notifier{
		id:   ids.Next(),
		free: make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// QueryID returns the operation's query id.
func (n *Notifier) QueryID() uint64 {
	return n.id
}

// Bind sets the canceller. The pool binds a canceller for pending work and
// the session rebinds once the operation is queued on it.
func (n *Notifier) Bind(c Canceller) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.canceller = c
}

// Cancel asks the current owner to cancel the operation. It fails with a
// queue state error while the operation is not bound to an owner, and is
// a no-op once the operation was freed.
func (n *Notifier) Cancel(ctx context.Context) error {
	n.mu.Lock()
	c, freed := n.canceller, n.freed
	n.mu.Unlock()
	if freed {
		return nil
	}
	if c == nil {
		return mterrors.QueueState("query %d is not bound to a connection", n.id)
	}
	return c(ctx)
}

// Pause halts further native reads of the operation, and keeps pending
// work from being dispatched, until Resume.
func (n *Notifier) Pause() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.paused {
		n.paused = true
		n.resumed = make(chan struct{})
	}
}

// Resume lifts a pause.
func (n *Notifier) Resume() {
	n.mu.Lock()
	if !n.paused {
		n.mu.Unlock()
		return
	}
	n.paused = false
	close(n.resumed)
	hook := n.onResume
	n.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// IsPaused reports whether the operation is paused.
func (n *Notifier) IsPaused() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.paused
}

// OnResume registers f to run after every Resume.
func (n *Notifier) OnResume(f func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onResume = f
}

// WaitResumed blocks while the operation is paused.
func (n *Notifier) WaitResumed(ctx context.Context) error {
	n.mu.Lock()
	if !n.paused {
		n.mu.Unlock()
		return nil
	}
	ch := n.resumed
	n.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the event stream, or nil when WithStream was not given.
// The channel is closed after the free event.
func (n *Notifier) Events() <-chan Event {
	return n.stream
}

// Freed returns a channel closed once the operation was freed.
func (n *Notifier) Freed() <-chan struct{} {
	return n.free
}

// Wait blocks until the operation was freed and returns its aggregated
// result. The error joins every error event.
func (n *Notifier) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-n.free:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	r := n.result
	return &r, r.Err()
}

// SetOutputParams records procedure output parameter values.
func (n *Notifier) SetOutputParams(values []any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.result.OutputParams = values
}

// Emit delivers an event. Only the goroutine driving the operation emits;
// events after free are dropped.
func (n *Notifier) Emit(ev Event) {
	ev.QueryID = n.id
	n.mu.Lock()
	if n.freed {
		n.mu.Unlock()
		return
	}
	if ev.Kind == EventSubmitted {
		if n.submitted {
			n.mu.Unlock()
			return
		}
		n.submitted = true
	}
	n.aggregate(ev)
	if ev.Kind == EventFree {
		n.freed = true
		n.canceller = nil
	}
	n.mu.Unlock()

	if n.handler != nil {
		n.handler(ev)
	}
	if n.stream != nil {
		n.stream <- ev
	}
	if ev.Kind == EventFree {
		if n.stream != nil {
			close(n.stream)
		}
		close(n.free)
	}
}

// Submitted emits the submitted event once.
func (n *Notifier) Submitted() {
	n.Emit(Event{Kind: EventSubmitted})
}

// Fail resolves an operation that never reached the native layer: an error
// event followed by free.
func (n *Notifier) Fail(err error) {
	n.Submitted()
	n.Emit(Event{Kind: EventError, Err: err})
	n.Emit(Event{Kind: EventFree})
}
