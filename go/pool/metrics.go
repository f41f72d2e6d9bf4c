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
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys from OTel semantic conventions.
const (
	attrKeyPoolName = "db.client.connection.pool.name"
	attrKeyState    = "db.client.connection.state"
	attrKeyKind     = "nativepool.work.kind"
	attrKeyQueue    = "nativepool.queue"
)

// ConnectionCount tracks sessions by state with the standard
// db.client.connection.count instrument.
type ConnectionCount struct {
	counter metric.Int64UpDownCounter
}

// NewConnectionCount creates a ConnectionCount instrument.
func NewConnectionCount(m metric.Meter) (ConnectionCount, error) {
	counter, err := m.Int64UpDownCounter(
		"db.client.connection.count",
		metric.WithDescription("The number of connections that are currently in state described by the state attribute."),
		metric.WithUnit("{connection}"),
	)
	return ConnectionCount{counter: counter}, err
}

// Add records a connection count change for the given pool and state.
func (c ConnectionCount) Add(ctx context.Context, delta int64, poolName string, state State) {
	if c.counter == nil {
		return
	}
	c.counter.Add(ctx, delta, metric.WithAttributes(
		attribute.String(attrKeyPoolName, poolName),
		attribute.String(attrKeyState, state.String()),
	))
}

// metrics holds the pool instruments.
type metrics struct {
	name        string
	connections ConnectionCount
	dispatched  metric.Int64Counter
	failures    metric.Int64Counter
	queueDepth  metric.Int64ObservableGauge
	reg         metric.Registration
}

func newMetrics(m metric.Meter, name string, depth func() (pending, paused int)) (*metrics, error) {
	var errs []error
	mt := &metrics{name: name}

	var err error
	mt.connections, err = NewConnectionCount(m)
	errs = append(errs, err)

	mt.dispatched, err = m.Int64Counter(
		"nativepool.work.dispatched",
		metric.WithDescription("Work items handed to a session."),
		metric.WithUnit("{item}"),
	)
	errs = append(errs, err)

	mt.failures, err = m.Int64Counter(
		"nativepool.session.failures",
		metric.WithDescription("Failed session opens and heartbeats."),
		metric.WithUnit("{failure}"),
	)
	errs = append(errs, err)

	mt.queueDepth, err = m.Int64ObservableGauge(
		"nativepool.work.queue_depth",
		metric.WithDescription("Work items waiting for a session."),
		metric.WithUnit("{item}"),
	)
	errs = append(errs, err)

	if mt.queueDepth != nil {
		mt.reg, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			pending, paused := depth()
			o.ObserveInt64(mt.queueDepth, int64(pending), metric.WithAttributes(
				attribute.String(attrKeyPoolName, name), attribute.String(attrKeyQueue, "pending")))
			o.ObserveInt64(mt.queueDepth, int64(paused), metric.WithAttributes(
				attribute.String(attrKeyPoolName, name), attribute.String(attrKeyQueue, "paused")))
			return nil
		}, mt.queueDepth)
		errs = append(errs, err)
	}
	return mt, errors.Join(errs...)
}

func (mt *metrics) transition(ctx context.Context, from, to State) {
	if from == to {
		return
	}
	if from != stateNone {
		mt.connections.Add(ctx, -1, mt.name, from)
	}
	if to != StateClosed {
		mt.connections.Add(ctx, 1, mt.name, to)
	}
}

func (mt *metrics) dispatch(ctx context.Context, kind string) {
	if mt.dispatched != nil {
		mt.dispatched.Add(ctx, 1, metric.WithAttributes(
			attribute.String(attrKeyPoolName, mt.name), attribute.String(attrKeyKind, kind)))
	}
}

func (mt *metrics) failure(ctx context.Context, op string) {
	if mt.failures != nil {
		mt.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String(attrKeyPoolName, mt.name), attribute.String("nativepool.op", op)))
	}
}

func (mt *metrics) close() {
	if mt.reg != nil {
		_ = mt.reg.Unregister()
	}
}
