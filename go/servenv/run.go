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

package servenv

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/multigres/nativepool/go/tools/event"
)

// Env runs a long-lived command until it is signalled, then fires its
// shutdown hooks.
type Env struct {
	Logger *slog.Logger

	// OnTermTimeout bounds how long Run waits for the OnTerm hooks.
	OnTermTimeout time.Duration
	// OnCloseTimeout bounds how long Run waits for the OnClose hooks.
	OnCloseTimeout time.Duration

	onTermHooks  event.Hooks
	onCloseHooks event.Hooks
}

// NewEnv returns an Env with the default timeouts.
func NewEnv(logger *slog.Logger) *Env {
	return &Env{
		Logger:         logger,
		OnTermTimeout:  10 * time.Second,
		OnCloseTimeout: 10 * time.Second,
	}
}

// RegisterFlags installs the shutdown timeout flags.
func (e *Env) RegisterFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&e.OnTermTimeout, "onterm-timeout", e.OnTermTimeout, "wait no more than this for OnTerm handlers before stopping")
	fs.DurationVar(&e.OnCloseTimeout, "onclose-timeout", e.OnCloseTimeout, "wait no more than this for OnClose handlers before stopping")
}

// OnTerm registers f to run when the process is asked to stop. Hooks run in
// parallel.
func (e *Env) OnTerm(f func()) {
	e.onTermHooks.Add(f)
}

// OnClose registers f to run after the OnTerm hooks, just before Run
// returns. Hooks run in parallel.
func (e *Env) OnClose(f func()) {
	e.onCloseHooks.Add(f)
}

// Run blocks until ctx is done or the process receives SIGTERM or SIGINT,
// then fires the OnTerm and OnClose hooks. It reports whether every hook
// finished in time.
func (e *Env) Run(ctx context.Context) bool {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT, os.Interrupt)
	defer stop()

	<-ctx.Done()
	e.Logger.Info("shutting down gracefully", "cause", context.Cause(ctx))
	ok := e.fireHooksWithTimeout(e.OnTermTimeout, "OnTerm", e.onTermHooks.Fire)
	return e.fireHooksWithTimeout(e.OnCloseTimeout, "OnClose", e.onCloseHooks.Fire) && ok
}

// fireHooksWithTimeout returns true iff all the hooks finish before the
// timeout.
func (e *Env) fireHooksWithTimeout(timeout time.Duration, name string, hookFn func()) bool {
	e.Logger.Debug("firing hooks and waiting for them", "name", name, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan struct{})
	go func() {
		hookFn()
		close(done)
	}()

	select {
	case <-done:
		e.Logger.Debug("hooks finished", "name", name)
		return true
	case <-timer.C:
		e.Logger.Warn("hooks timed out", "name", name, "timeout", timeout)
		return false
	}
}
