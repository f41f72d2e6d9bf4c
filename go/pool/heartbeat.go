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

package pool

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/nativepool/go/notifier"
	"github.com/multigres/nativepool/go/session"
	"github.com/multigres/nativepool/go/stmt"
	"github.com/multigres/nativepool/go/tools/ctxutil"
)

// tick runs on the pool timer. It parks at most one inactive session,
// heartbeats the idle session that was quiet the longest and cranks.
func (p *Pool) tick(ctx context.Context) {
	p.lock()
	defer p.unlock()
	if p.killed {
		return
	}
	now := p.now()
	p.parkLocked(now)
	p.heartbeatLocked(ctx, now)
	p.op = "tick"
	p.crankLocked()
}

// parkLocked closes the idle session with the oldest work, provided it
// exceeded the inactivity timeout and the idle sessions left still cover
// the floor. The description stays as a parked placeholder.
func (p *Pool) parkLocked(now time.Time) {
	if len(p.idle)-1 < p.cfg.Floor {
		return
	}
	var victim *Description
	for _, d := range p.idle {
		if now.Sub(d.lastWork) < p.cfg.InactivityTimeout() {
			continue
		}
		if victim == nil || d.lastWork.Before(victim.lastWork) {
			victim = d
		}
	}
	if victim == nil {
		return
	}

	d := victim
	p.removeIdleLocked(d)
	s := d.session
	d.session = nil
	d.parkedCount++
	p.setStateLocked(d, StateParking)
	p.logger.InfoContext(p.bg, "parking inactive session", "session", d.id, "inactive", now.Sub(d.lastWork))
	p.deferLocked(func() {
		if err := s.Close(p.bg); err != nil {
			p.logger.DebugContext(p.bg, "session close failed", "session", d.id, "error", err)
		}
		p.lock()
		defer p.unlock()
		if p.killed {
			p.destroyLocked(d)
			return
		}
		p.setStateLocked(d, StateParked)
		p.op = "parked"
		p.crankLocked()
	})
}

// heartbeatLocked checks out the idle session that was quiet the longest
// once the heartbeat interval elapsed, and runs the heartbeat statement on
// it in the background.
func (p *Pool) heartbeatLocked(ctx context.Context, now time.Time) {
	interval := p.cfg.HeartbeatInterval()
	var quiet *Description
	for _, d := range p.idle {
		if now.Sub(d.lastActive) < interval {
			continue
		}
		if quiet == nil || d.lastActive.Before(quiet.lastActive) {
			quiet = d
		}
	}
	if quiet == nil {
		return
	}

	d := quiet
	p.removeIdleLocked(d)
	p.setStateLocked(d, StateBusy)
	d.keepAliveCount++
	go p.heartbeat(ctx, d, d.session, stmt.Statement{Text: p.cfg.HeartbeatSQL, Timeout: interval})
}

func (p *Pool) heartbeat(ctx context.Context, d *Description, s *session.Session, st stmt.Statement) {
	ctx, span := ctxutil.StartLinkedSpan(ctx, p.tracer, "nativepool.heartbeat",
		trace.WithAttributes(attribute.Int("nativepool.session", d.id)))
	defer span.End()

	// Stopping the runner on close must not cancel a heartbeat in flight;
	// the statement timeout bounds it.
	ctx = context.WithoutCancel(ctx)
	n := notifier.New(&p.ids)
	err := s.Submit(ctx, session.Work{Kind: stmt.KindHeartbeat, Stmt: st, Notifier: n})
	if err == nil {
		_, err = n.Wait(ctx)
	}

	p.lock()
	defer p.unlock()
	d.lastActive = p.now()
	p.op = "heartbeat"
	if err != nil && p.killed {
		p.logger.DebugContext(ctx, "heartbeat ended by pool close", "session", d.id, "error", err)
		p.closeLocked(d)
		return
	}
	if err != nil {
		span.RecordError(err)
		p.metrics.failure(p.bg, "heartbeat")
		p.logger.WarnContext(ctx, "heartbeat failed, recreating session", "session", d.id, "error", err)
		p.errorLocked(fmt.Errorf("heartbeat on session %d: %w", d.id, err))
		p.recreateLocked(d)
		return
	}
	p.releaseLocked(d, false)
	p.crankLocked()
}
