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

// Package ctxutil creates detached contexts for pool background work
// (heartbeats, parking, session recreation) that must outlive the context
// passed to Pool.Open while keeping its telemetry.
package ctxutil

import (
	"context"

	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/trace"
)

type parentSpanContextKey struct{}

// Detach returns a context that is never cancelled by parent but carries
// parent's baggage. The parent span context is stored for linking only, so
// background spans do not become children of the request that opened the pool.
func Detach(parent context.Context) context.Context {
	//nolint:gocritic // This is the legitimate entry point for detached contexts
	ctx := context.Background()

	if bag := baggage.FromContext(parent); bag.Len() > 0 {
		ctx = baggage.ContextWithBaggage(ctx, bag)
	}

	if span := trace.SpanFromContext(parent); span.SpanContext().IsValid() {
		ctx = context.WithValue(ctx, parentSpanContextKey{}, span.SpanContext())
	}

	return ctx
}

// ParentSpanContext returns the span context stored by Detach, if any.
func ParentSpanContext(ctx context.Context) (trace.SpanContext, bool) {
	psc, ok := ctx.Value(parentSpanContextKey{}).(trace.SpanContext)
	return psc, ok
}

// StartLinkedSpan starts a new root span linked to the span stored by Detach.
//
//	bgCtx := ctxutil.Detach(openCtx)
//	bgCtx, span := ctxutil.StartLinkedSpan(bgCtx, tracer, "nativepool.heartbeat")
//	defer span.End()
func StartLinkedSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	spanOpts := []trace.SpanStartOption{trace.WithNewRoot()}
	if psc, ok := ParentSpanContext(ctx); ok {
		spanOpts = append(spanOpts, trace.WithLinks(trace.Link{SpanContext: psc}))
	}
	spanOpts = append(spanOpts, opts...)
	return tracer.Start(ctx, name, spanOpts...)
}
