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

package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodicRunnerStartStop(t *testing.T) {
	called := make(chan struct{}, 10)

	runner := NewPeriodicRunner(t.Context(), time.Millisecond)
	assert.False(t, runner.Running())
	assert.Equal(t, time.Millisecond, runner.Interval())

	started := false
	ok := runner.Start(func(_ context.Context) {
		select {
		case called <- struct{}{}:
		default:
		}
	}, func() { started = true })
	require.True(t, ok)
	assert.True(t, started)
	assert.True(t, runner.Running())

	<-called

	runner.Stop()
	assert.False(t, runner.Running())
	assert.GreaterOrEqual(t, runner.Runs(), int64(1))

	// Stop is idempotent.
	runner.Stop()
}

func TestPeriodicRunnerDoubleStart(t *testing.T) {
	runner := NewPeriodicRunner(t.Context(), time.Hour)
	require.True(t, runner.Start(func(context.Context) {}, nil))
	assert.False(t, runner.Start(func(context.Context) {}, nil))
	runner.Stop()
}

func TestPeriodicRunnerStopWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	var once atomic.Bool

	runner := NewPeriodicRunner(t.Context(), time.Millisecond)
	runner.Start(func(_ context.Context) {
		if once.CompareAndSwap(false, true) {
			close(started)
			<-proceed
		}
	}, nil)

	<-started

	stopDone := make(chan struct{})
	go func() {
		runner.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned before callback completed")
	case <-time.After(20 * time.Millisecond):
	}

	close(proceed)
	<-stopDone
}

func TestPeriodicRunnerTrigger(t *testing.T) {
	var calls atomic.Int32
	runner := NewPeriodicRunner(t.Context(), time.Hour)

	assert.False(t, runner.Trigger(), "trigger on a stopped runner is a no-op")

	runner.Start(func(context.Context) { calls.Add(1) }, nil)
	defer runner.Stop()

	assert.True(t, runner.Trigger())
	assert.True(t, runner.Trigger())
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(2), runner.Runs())
}

func TestPeriodicRunnerRestart(t *testing.T) {
	runner := NewPeriodicRunner(t.Context(), time.Millisecond)
	var calls atomic.Int32

	for range 2 {
		done := make(chan struct{})
		var once atomic.Bool
		runner.Start(func(context.Context) {
			calls.Add(1)
			if once.CompareAndSwap(false, true) {
				close(done)
			}
		}, nil)
		<-done
		runner.Stop()
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}
