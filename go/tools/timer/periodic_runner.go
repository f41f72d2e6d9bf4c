// Copyright 2019 The Vitess Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Modifications Copyright 2025 Supabase, Inc.

// Package timer provides PeriodicRunner for running callbacks at regular intervals.
package timer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PeriodicRunner runs a callback at regular intervals with lifecycle management.
//
// Key behaviors:
//   - Callbacks never overlap: the next tick is scheduled only after the
//     current callback returns, and Trigger runs are serialized with ticks
//   - Stop() cancels the callback context and waits for an in-flight callback
//   - Supports Start/Stop/Start cycles
//
// The pool drives its heartbeat and parking checks from one runner and uses
// Trigger to run a check out of cycle.
type PeriodicRunner struct {
	parentCtx context.Context
	interval  time.Duration

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	callback func(ctx context.Context)

	// execMu serializes callback executions.
	execMu sync.Mutex
	wg     sync.WaitGroup
	runs   atomic.Int64
}

// NewPeriodicRunner creates a PeriodicRunner. Pass a detached context
// (ctxutil.Detach) so request cancellation does not stop the runner.
func NewPeriodicRunner(ctx context.Context, interval time.Duration) *PeriodicRunner {
	return &PeriodicRunner{
		parentCtx: ctx,
		interval:  interval,
	}
}

// Interval returns the configured tick interval.
func (r *PeriodicRunner) Interval() time.Duration {
	return r.interval
}

// Start begins running the callback at regular intervals. If onStart is
// non-nil it is called once, before any callback can execute.
// Returns false if the runner was already running.
func (r *PeriodicRunner) Start(callback func(ctx context.Context), onStart func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return false
	}

	r.running = true
	r.callback = callback
	r.ctx, r.cancel = context.WithCancel(r.parentCtx)

	if onStart != nil {
		onStart()
	}

	r.timer = time.AfterFunc(r.interval, r.tick)
	return true
}

// Stop cancels the callback context and waits for any in-flight callback.
// Stop is idempotent.
func (r *PeriodicRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.ctx, r.cancel, r.callback = nil, nil, nil
	r.mu.Unlock()

	r.wg.Wait()
}

// Running returns true if the runner is currently running.
func (r *PeriodicRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Runs returns how many times the callback has executed.
func (r *PeriodicRunner) Runs() int64 {
	return r.runs.Load()
}

// Trigger runs the callback now, outside the regular schedule, and waits
// for it to return. It is a no-op when the runner is stopped.
func (r *PeriodicRunner) Trigger() bool {
	callback, ctx, ok := r.acquire()
	if !ok {
		return false
	}
	defer r.wg.Done()
	r.exec(ctx, callback)
	return true
}

func (r *PeriodicRunner) tick() {
	callback, ctx, ok := r.acquire()
	if !ok {
		return
	}
	defer r.wg.Done()
	r.exec(ctx, callback)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.timer = time.AfterFunc(r.interval, r.tick)
	}
}

// acquire registers an execution with the wait group while holding mu so
// Stop cannot miss it.
func (r *PeriodicRunner) acquire() (func(context.Context), context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.ctx == nil {
		return nil, nil, false
	}
	r.wg.Add(1)
	return r.callback, r.ctx, true
}

func (r *PeriodicRunner) exec(ctx context.Context, callback func(context.Context)) {
	r.execMu.Lock()
	defer r.execMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	callback(ctx)
	r.runs.Add(1)
}
