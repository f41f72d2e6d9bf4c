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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/multigres/nativepool/go/native/fakenative"
	"github.com/multigres/nativepool/go/notifier"
	"github.com/multigres/nativepool/go/stmt"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func attrValue(set attribute.Set, key string) string {
	v, _ := set.Value(attribute.Key(key))
	return v.AsString()
}

// getStateCount returns the connection count of a pool in a state.
func getStateCount(t *testing.T, reader *sdkmetric.ManualReader, poolName, state string) int64 {
	t.Helper()
	m := findMetric(collect(t, reader), "db.client.connection.count")
	if m == nil {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64] data type for db.client.connection.count")
	for _, dp := range sum.DataPoints {
		if attrValue(dp.Attributes, attrKeyPoolName) == poolName && attrValue(dp.Attributes, attrKeyState) == state {
			return dp.Value
		}
	}
	return 0
}

func TestConnectionCountMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	db := fakenative.New(t)
	started := make(chan struct{})
	release := make(chan struct{})
	db.AddQuery("slow", &fakenative.ExpectedResult{BeforeFunc: func() {
		close(started)
		<-release
	}})
	cfg := testConfig()
	cfg.Floor = 2
	p := openPool(t, cfg, db, WithMeterProvider(mp), WithName("orders"))

	assert.Equal(t, int64(2), getStateCount(t, reader, "orders", "idle"))
	assert.Equal(t, int64(0), getStateCount(t, reader, "orders", "used"))

	n, err := p.Query(t.Context(), stmt.New("slow"))
	require.NoError(t, err)
	<-started
	assert.Equal(t, int64(1), getStateCount(t, reader, "orders", "idle"))
	assert.Equal(t, int64(1), getStateCount(t, reader, "orders", "used"))

	close(release)
	waitAll(t, []*notifier.Notifier{n})
	require.Eventually(t, func() bool {
		return getStateCount(t, reader, "orders", "idle") == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(0), getStateCount(t, reader, "orders", "used"))

	m := findMetric(collect(t, reader), "nativepool.work.dispatched")
	require.NotNil(t, m)
	dispatched, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, dispatched.DataPoints, 1)
	assert.Equal(t, int64(1), dispatched.DataPoints[0].Value)
	assert.Equal(t, "query", attrValue(dispatched.DataPoints[0].Attributes, attrKeyKind))
}

func TestQueueDepthMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	db := fakenative.New(t)
	db.AddQuery("slow", &fakenative.ExpectedResult{Delay: 50 * time.Millisecond})
	cfg := testConfig()
	cfg.Ceiling = 1
	p := openPool(t, cfg, db, WithMeterProvider(mp))

	var ns []*notifier.Notifier
	for range 3 {
		n, err := p.Query(t.Context(), stmt.New("slow"))
		require.NoError(t, err)
		ns = append(ns, n)
	}
	ns[2].Pause()

	m := findMetric(collect(t, reader), "nativepool.work.queue_depth")
	require.NotNil(t, m)
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range gauge.DataPoints {
		total += dp.Value
	}
	assert.GreaterOrEqual(t, total, int64(2), "two statements wait behind the first")

	ns[2].Resume()
	waitAll(t, ns)
}

func TestDispatchSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	db := fakenative.New(t)
	db.AddQuery("select 1", fakenative.RowCount(1))
	p := openPool(t, testConfig(), db, WithTracerProvider(tp))

	ctx, parent := tp.Tracer("test").Start(t.Context(), "request")
	n, err := p.Query(ctx, stmt.New("select 1"))
	require.NoError(t, err)
	waitAll(t, []*notifier.Notifier{n})
	parent.End()

	require.Eventually(t, func() bool { return len(recorder.Ended()) == 2 }, time.Second, time.Millisecond)
	var dispatch sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		if s.Name() == "nativepool.dispatch" {
			dispatch = s
		}
	}
	require.NotNil(t, dispatch)
	assert.Equal(t, parent.SpanContext().SpanID(), dispatch.Parent().SpanID())
}
