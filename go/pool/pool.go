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

// Package pool multiplexes work over a bounded set of sessions.
//
// Work submitted to a Pool waits in a FIFO queue until an idle session is
// free. The pool grows toward its ceiling when work waits, keeps idle
// sessions alive with heartbeats, and parks sessions that stayed without
// work for too long. A parked session keeps its slot under the ceiling as a
// placeholder and is reopened before any new session is created.
//
// All bookkeeping happens under one mutex. Every state change runs a crank
// that grows, promotes resumed work and assigns pending work to idle
// sessions. Notifier callbacks and listeners are run after the mutex is
// released.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/multigres/nativepool/go/metadata"
	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/native"
	"github.com/multigres/nativepool/go/notifier"
	"github.com/multigres/nativepool/go/session"
	"github.com/multigres/nativepool/go/stmt"
	"github.com/multigres/nativepool/go/tools/ctxutil"
	"github.com/multigres/nativepool/go/tools/event"
	"github.com/multigres/nativepool/go/tools/list"
	"github.com/multigres/nativepool/go/tools/timer"
)

const instrumentationName = "github.com/multigres/nativepool/go/pool"

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithName names the pool in metrics. Defaults to "nativepool".
func WithName(name string) Option {
	return func(p *Pool) { p.name = name }
}

// WithClock replaces time.Now for activity bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Pool) { p.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pool) { p.tracerProvider = tp }
}

type itemState int

const (
	itemPending itemState = iota
	itemPaused
	itemDispatched
	itemDone
)

// workItem is one queued unit of work. Items with a grant channel are
// checkouts: the session itself is handed to the caller.
type workItem struct {
	ctx   context.Context
	kind  stmt.Kind
	st    stmt.Statement
	n     *notifier.Notifier
	grant chan *Description

	state itemState
	elem  *list.Element[*workItem]
	stop  func() bool
}

// Pool is a bounded set of sessions sharing one work queue.
type Pool struct {
	id             uuid.UUID
	name           string
	connString     string
	driver         native.Driver
	logger         *slog.Logger
	now            func() time.Time
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	metrics        *metrics
	meta           *metadata.Describer
	runner         *timer.PeriodicRunner
	bg             context.Context
	ids            notifier.IDAllocator

	statusListeners event.Listeners[Status]
	debugListeners  event.Listeners[string]
	errorListeners  event.Listeners[error]

	mu       sync.Mutex
	cfg      Config
	strategy Strategy
	killed   bool
	descs    []*Description
	idle     []*Description
	pending  list.List[*workItem]
	paused   list.List[*workItem]
	nextID   int
	nextGrow time.Time
	activity int64
	drained  chan struct{}
	isDrain  bool

	// Deferred until the mutex is released.
	after  []func()
	debugs []string
	op     string
}

// Open validates cfg, opens cfg.Floor sessions and starts the heartbeat
// and parking timer.
func Open(ctx context.Context, cfg Config, driver native.Driver, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, _ := cfg.Growth.Build()

	p := &Pool{
		id:         uuid.New(),
		name:       "nativepool",
		connString: cfg.ConnectionString,
		driver:     driver,
		cfg:        cfg,
		strategy:   strategy,
		drained:    make(chan struct{}),
	}
	p.pending.Init()
	p.paused.Init()
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.meterProvider == nil {
		p.meterProvider = otel.GetMeterProvider()
	}
	if p.tracerProvider == nil {
		p.tracerProvider = otel.GetTracerProvider()
	}
	p.logger = p.logger.With("pool", p.id.String())
	p.tracer = p.tracerProvider.Tracer(instrumentationName)
	p.bg = ctxutil.Detach(ctx)

	var err error
	p.metrics, err = newMetrics(p.meterProvider.Meter(instrumentationName), p.name, p.queueDepth)
	if err != nil {
		p.logger.WarnContext(ctx, "failed to create some pool metrics", "error", err)
	}
	p.meta = metadata.NewDescriber(p)

	if err := p.openFloor(ctx); err != nil {
		p.metrics.close()
		return nil, err
	}

	p.runner = timer.NewPeriodicRunner(p.bg, cfg.Tick)
	p.runner.Start(p.tick, nil)
	p.logger.InfoContext(ctx, "pool opened",
		"floor", cfg.Floor, "ceiling", cfg.Ceiling, "growth", strategy.Name(), "tick", p.runner.Interval())
	return p, nil
}

// openFloor opens the floor sessions in parallel. Any failure closes the
// sessions that did open.
func (p *Pool) openFloor(ctx context.Context) error {
	sessions := make([]*session.Session, p.cfg.Floor)
	g, gctx := errgroup.WithContext(ctx)
	for i := range sessions {
		g.Go(func() error {
			s, err := p.openSession(gctx, i+1)
			sessions[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range sessions {
			if s != nil {
				_ = s.Close(context.WithoutCancel(ctx))
			}
		}
		return err
	}

	p.lock()
	defer p.unlock()
	for _, s := range sessions {
		d := p.newDescLocked()
		d.session = s
		p.setStateLocked(d, StateIdle)
		p.idle = append(p.idle, d)
	}
	p.op = "open"
	return nil
}

func (p *Pool) openSession(ctx context.Context, id int) (*session.Session, error) {
	return session.Open(ctx, p.driver, p.connString,
		session.WithIDs(&p.ids),
		session.WithLogger(p.logger),
		session.WithName(fmt.Sprintf("%s-%d", p.name, id)))
}

// ID returns the pool instance id.
func (p *Pool) ID() string {
	return p.id.String()
}

// Config returns the current configuration.
func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// lock and unlock guard the bookkeeping. unlock runs the actions deferred
// while the lock was held and publishes a status event when an op was set.
func (p *Pool) lock() {
	p.mu.Lock()
}

func (p *Pool) unlock() {
	after, debugs, op := p.after, p.debugs, p.op
	p.after, p.debugs, p.op = nil, nil, ""
	var st Status
	if op != "" {
		st = p.statusLocked(op)
	}
	p.mu.Unlock()

	for _, f := range after {
		f()
	}
	for _, msg := range debugs {
		p.debugListeners.Fire(msg)
	}
	if op != "" {
		p.statusListeners.Fire(st)
	}
}

// deferLocked runs f once the mutex is released.
func (p *Pool) deferLocked(f func()) {
	p.after = append(p.after, f)
}

func (p *Pool) debugLocked(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.logger.Debug(msg)
	if p.debugListeners.Len() > 0 {
		p.debugs = append(p.debugs, msg)
	}
}

// errorLocked reports a pool level error to the error listeners, or logs it
// at debug level when nobody listens.
func (p *Pool) errorLocked(err error) {
	p.deferLocked(func() {
		if !p.errorListeners.Fire(err) {
			p.logger.Debug("pool error", "error", err)
		}
	})
}

func (p *Pool) newDescLocked() *Description {
	p.nextID++
	d := &Description{id: p.nextID, created: p.now()}
	d.lastActive, d.lastWork = d.created, d.created
	p.descs = append(p.descs, d)
	p.setStateLocked(d, StateOpening)
	return d
}

func (p *Pool) setStateLocked(d *Description, s State) {
	p.metrics.transition(p.bg, d.state, s)
	d.state = s
}

// destroyLocked forgets d. Its session must already be closed.
func (p *Pool) destroyLocked(d *Description) {
	p.removeIdleLocked(d)
	p.setStateLocked(d, StateClosed)
	p.descs = slices.DeleteFunc(p.descs, func(o *Description) bool { return o == d })
	p.checkDrainedLocked()
}

func (p *Pool) removeIdleLocked(d *Description) {
	p.idle = slices.DeleteFunc(p.idle, func(o *Description) bool { return o == d })
}

// slotsLocked counts the descriptions that are not closing for good.
func (p *Pool) slotsLocked() int {
	return len(p.descs) - p.countLocked(StateClosing)
}

func (p *Pool) countLocked(states ...State) int {
	n := 0
	for _, d := range p.descs {
		if slices.Contains(states, d.state) {
			n++
		}
	}
	return n
}

// closeLocked closes the session of d for good and forgets d afterwards.
func (p *Pool) closeLocked(d *Description) {
	p.removeIdleLocked(d)
	s := d.session
	d.session = nil
	if s == nil {
		p.destroyLocked(d)
		return
	}
	p.setStateLocked(d, StateClosing)
	p.deferLocked(func() {
		if err := s.Close(p.bg); err != nil {
			p.logger.DebugContext(p.bg, "session close failed", "session", d.id, "error", err)
		}
		p.lock()
		defer p.unlock()
		p.destroyLocked(d)
		p.op = "closed"
	})
}

func (p *Pool) checkDrainedLocked() {
	if p.killed && len(p.descs) == 0 && !p.isDrain {
		p.isDrain = true
		close(p.drained)
	}
}

// Query submits SQL text to the next free session. Rows are also
// aggregated as records.
func (p *Pool) Query(ctx context.Context, st stmt.Statement, opts ...notifier.Option) (*notifier.Notifier, error) {
	return p.submit(ctx, stmt.KindQuery, st, append([]notifier.Option{notifier.WithRecords()}, opts...))
}

// QueryRaw submits SQL text to the next free session.
func (p *Pool) QueryRaw(ctx context.Context, st stmt.Statement, opts ...notifier.Option) (*notifier.Notifier, error) {
	return p.submit(ctx, stmt.KindQueryRaw, st, opts)
}

// CallProcedure invokes the procedure named by st.Text on the next free
// session.
func (p *Pool) CallProcedure(ctx context.Context, st stmt.Statement, opts ...notifier.Option) (*notifier.Notifier, error) {
	return p.submit(ctx, stmt.KindProcedure, st, opts)
}

// Call describes the named procedure, binds values to its parameters by
// name and calls it.
func (p *Pool) Call(ctx context.Context, name string, values map[string]any, opts ...notifier.Option) (*notifier.Notifier, error) {
	proc, err := p.DescribeProcedure(ctx, name)
	if err != nil {
		return nil, err
	}
	params, err := proc.Bind(values)
	if err != nil {
		return nil, err
	}
	return p.CallProcedure(ctx, stmt.Statement{Text: proc.QualifiedName(), Params: params}, opts...)
}

// DescribeProcedure returns the cached description of a procedure.
func (p *Pool) DescribeProcedure(ctx context.Context, name string) (*metadata.Procedure, error) {
	return p.meta.Procedure(ctx, name)
}

// DescribeTable returns the cached description of a table.
func (p *Pool) DescribeTable(ctx context.Context, name string) (*metadata.Table, error) {
	return p.meta.Table(ctx, name)
}

// InvalidateMetadata drops cached descriptions of name.
func (p *Pool) InvalidateMetadata(name string) {
	p.meta.Invalidate(name)
}

func (p *Pool) submit(ctx context.Context, kind stmt.Kind, st stmt.Statement, opts []notifier.Option) (*notifier.Notifier, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	n := notifier.New(&p.ids, opts...)
	if err := p.enqueue(&workItem{ctx: ctx, kind: kind, st: st, n: n}); err != nil {
		return nil, err
	}
	return n, nil
}

func (p *Pool) enqueue(item *workItem) error {
	n := item.n
	n.Bind(func(ctx context.Context) error { return p.cancelItem(ctx, item) })
	n.OnResume(func() { p.crank("resume") })

	p.lock()
	defer p.unlock()
	if p.killed {
		return mterrors.ConnectionClosed("pool")
	}
	item.state = itemPending
	item.elem = p.pending.PushBack(item)
	item.stop = context.AfterFunc(item.ctx, func() {
		_ = p.cancelItem(context.WithoutCancel(item.ctx), item)
	})
	p.op = "enqueue"
	p.crankLocked()
	return nil
}

// cancelItem resolves work that still waits in the pool without touching
// the native layer, and forwards the request to the session otherwise.
func (p *Pool) cancelItem(ctx context.Context, item *workItem) error {
	p.lock()
	switch item.state {
	case itemPending:
		p.pending.Remove(item.elem)
	case itemPaused:
		p.paused.Remove(item.elem)
	case itemDispatched:
		p.unlock()
		if item.grant != nil {
			return nil
		}
		return item.n.Cancel(ctx)
	default:
		p.unlock()
		return nil
	}
	item.state = itemDone
	item.elem = nil
	item.stop()
	n := item.n
	cause := context.Cause(item.ctx)
	p.deferLocked(func() { n.Fail(mterrors.Cancelled(n.QueryID(), cause)) })
	p.debugLocked("query %d cancelled while waiting", n.QueryID())
	p.op = "cancel"
	p.unlock()
	return nil
}

func (p *Pool) crank(op string) {
	p.lock()
	defer p.unlock()
	p.op = op
	p.crankLocked()
}

// crankLocked grows the pool, promotes resumed work and assigns pending
// work to idle sessions.
func (p *Pool) crankLocked() {
	if p.killed {
		return
	}
	p.growLocked()
	p.promoteLocked()
	p.assignLocked()
	p.debugLocked("crank: idle=%d busy=%d opening=%d parked=%d pending=%d paused=%d",
		len(p.idle), p.countLocked(StateBusy), p.countLocked(StateOpening),
		p.countLocked(StateParked), p.pending.Len(), p.paused.Len())
}

func (p *Pool) growLocked() {
	parked := p.countLocked(StateParked)
	active := len(p.descs) - parked
	serving := p.countLocked(StateOpening, StateIdle, StateBusy)
	opening := p.countLocked(StateOpening)

	deficit := p.cfg.Floor - serving
	need := p.pending.Len() - len(p.idle) - opening
	if deficit <= 0 && need <= 0 {
		return
	}
	room := p.cfg.Ceiling - active
	if room <= 0 {
		return
	}

	n := max(deficit, 0)
	if need > 0 {
		now := p.now()
		if !now.Before(p.nextGrow) {
			n = max(n, growBy(p.strategy, active, p.cfg.Ceiling))
			p.nextGrow = now.Add(p.strategy.Delay())
		}
	}
	n = min(n, room)

	for range n {
		d := p.parkedLocked()
		if d == nil {
			if len(p.descs) >= p.cfg.Ceiling {
				break
			}
			d = p.newDescLocked()
		} else {
			d.recreateCount++
			p.setStateLocked(d, StateOpening)
		}
		p.debugLocked("opening session %d", d.id)
		go p.open(d)
	}
}

func (p *Pool) parkedLocked() *Description {
	for _, d := range p.descs {
		if d.state == StateParked {
			return d
		}
	}
	return nil
}

// open opens the session of d, which is in StateOpening.
func (p *Pool) open(d *Description) {
	s, err := p.openSession(p.bg, d.id)

	p.lock()
	defer p.unlock()
	if err != nil {
		p.metrics.failure(p.bg, "open")
		p.nextGrow = p.now().Add(max(p.strategy.Delay(), p.cfg.Tick))
		p.logger.WarnContext(p.bg, "failed to open session", "session", d.id, "error", err)
		p.errorLocked(fmt.Errorf("opening session %d: %w", d.id, err))
		if d.recreateCount > 0 && !p.killed {
			p.setStateLocked(d, StateParked)
		} else {
			p.destroyLocked(d)
		}
		p.op = "open-failed"
		return
	}

	d.session = s
	if p.killed {
		p.closeLocked(d)
		return
	}
	now := p.now()
	d.lastActive, d.lastWork = now, now
	p.setStateLocked(d, StateIdle)
	p.idle = append(p.idle, d)
	if d.recreateCount > 0 {
		p.logger.InfoContext(p.bg, "session recreated", "session", d.id, "recreated", d.recreateCount)
	}
	p.op = "grow"
	p.crankLocked()
}

// promoteLocked moves paused work whose pause cleared back to pending.
func (p *Pool) promoteLocked() {
	for e := p.paused.Front(); e != nil; {
		next := e.Next()
		if item := e.Value; !item.n.IsPaused() {
			p.paused.Remove(e)
			item.state = itemPending
			item.elem = p.pending.PushBack(item)
		}
		e = next
	}
}

func (p *Pool) assignLocked() {
	for p.pending.Len() > 0 && len(p.idle) > 0 {
		item, _ := p.pending.PopFront()
		if item.n.IsPaused() {
			item.state = itemPaused
			item.elem = p.paused.PushBack(item)
			continue
		}
		d := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.dispatchLocked(item, d)
	}
}

func (p *Pool) dispatchLocked(item *workItem, d *Description) {
	item.state = itemDispatched
	item.elem = nil
	item.stop()

	now := p.now()
	d.lastActive, d.lastWork = now, now
	d.queriesSent++
	p.activity++
	p.setStateLocked(d, StateBusy)
	p.metrics.dispatch(p.bg, item.kind.String())

	if item.grant != nil {
		item.grant <- d
		return
	}

	ctx, span := p.tracer.Start(item.ctx, "nativepool.dispatch", trace.WithAttributes(
		attribute.String("nativepool.kind", item.kind.String()),
		attribute.Int("nativepool.session", d.id),
		attribute.Int64("nativepool.query_id", int64(item.n.QueryID())),
	))
	err := d.session.Submit(ctx, session.Work{
		Kind:     item.kind,
		Stmt:     item.st,
		Notifier: item.n,
		Done: func() {
			span.End()
			p.checkin(d, brokenBy(item.n))
		},
	})
	if err != nil {
		span.RecordError(err)
		span.End()
		item.state = itemDone
		n := item.n
		p.deferLocked(func() { n.Fail(err) })
		p.recreateLocked(d)
	}
}

// checkout waits for an idle session and hands it to the caller, who must
// return it with checkin.
func (p *Pool) checkout(ctx context.Context) (*Description, error) {
	item := &workItem{
		ctx:   ctx,
		kind:  stmt.KindTransaction,
		n:     notifier.New(&p.ids),
		grant: make(chan *Description, 1),
	}
	if err := p.enqueue(item); err != nil {
		return nil, err
	}
	select {
	case d := <-item.grant:
		return d, nil
	case <-item.n.Freed():
		_, err := item.n.Wait(context.Background())
		return nil, err
	}
}

// brokenBy reports whether freed work failed with a fatal error, which
// leaves its connection unusable.
func brokenBy(n *notifier.Notifier) bool {
	_, err := n.Wait(context.Background())
	return fatal(err)
}

func fatal(err error) bool {
	diag, ok := mterrors.AsDiagnostic(err)
	return ok && diag.IsFatal()
}

// checkin returns a busy session to the pool. A broken session is
// recreated on the same description.
func (p *Pool) checkin(d *Description, broken bool) {
	p.lock()
	defer p.unlock()
	now := p.now()
	d.lastActive, d.lastWork = now, now
	p.releaseLocked(d, broken)
	p.op = "checkin"
	p.crankLocked()
}

// releaseLocked returns d to the idle set, or closes it when the pool is
// closing or above its ceiling.
func (p *Pool) releaseLocked(d *Description, broken bool) {
	switch {
	case p.killed || p.slotsLocked() > p.cfg.Ceiling:
		p.closeLocked(d)
	case broken || d.session == nil || d.session.Closed():
		p.recreateLocked(d)
	default:
		p.setStateLocked(d, StateIdle)
		p.idle = append(p.idle, d)
	}
}

// recreateLocked replaces the session of d with a new one on the same
// description.
func (p *Pool) recreateLocked(d *Description) {
	p.removeIdleLocked(d)
	old := d.session
	d.session = nil
	d.recreateCount++
	p.setStateLocked(d, StateOpening)
	p.debugLocked("recreating session %d", d.id)
	go func() {
		if old != nil {
			_ = old.Close(p.bg)
		}
		p.open(d)
	}()
}

// Reconfigure applies a new configuration. The connection string and tick
// are fixed at Open. Sessions above a lowered ceiling are closed as they
// become idle.
func (p *Pool) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	strategy, _ := cfg.Growth.Build()

	p.lock()
	defer p.unlock()
	if p.killed {
		return mterrors.ConnectionClosed("pool")
	}
	cfg.ConnectionString, cfg.Tick = p.cfg.ConnectionString, p.cfg.Tick
	p.cfg = cfg
	p.strategy = strategy
	p.nextGrow = time.Time{}

	for p.slotsLocked() > p.cfg.Ceiling {
		d := p.parkedLocked()
		if d == nil && len(p.idle) > 0 {
			d = p.idle[0]
		}
		if d == nil {
			break
		}
		p.closeLocked(d)
	}
	p.logger.Info("pool reconfigured", "floor", cfg.Floor, "ceiling", cfg.Ceiling, "growth", strategy.Name())
	p.op = "reconfigure"
	p.crankLocked()
	return nil
}

// Close stops the pool. Waiting work fails with a closed connection error,
// idle sessions and parked placeholders are closed, and busy sessions close
// once their work is done. Close waits for that or for ctx.
func (p *Pool) Close(ctx context.Context) error {
	p.lock()
	if !p.killed {
		p.killed = true
		var items []*workItem
		for _, l := range []*list.List[*workItem]{&p.pending, &p.paused} {
			for {
				item, ok := l.PopFront()
				if !ok {
					break
				}
				items = append(items, item)
			}
		}
		for _, item := range items {
			item.state = itemDone
			item.elem = nil
			item.stop()
			n := item.n
			p.deferLocked(func() { n.Fail(mterrors.ConnectionClosed("pool")) })
		}
		for _, d := range slices.Clone(p.descs) {
			switch d.state {
			case StateIdle, StateParked:
				p.closeLocked(d)
			}
		}
		p.op = "close"
		p.checkDrainedLocked()
	}
	drained := p.drained
	p.unlock()

	if p.runner != nil {
		p.runner.Stop()
	}

	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.metrics.close()
	p.logger.InfoContext(ctx, "pool closed")
	return nil
}

// Done returns a channel closed once the pool was closed and drained.
func (p *Pool) Done() <-chan struct{} {
	return p.drained
}

func (p *Pool) queueDepth() (pending, paused int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.Len(), p.paused.Len()
}
