// Copyright 2022 The codesjoy Authors.
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

// Package otel provides an OpenTelemetry stats handler: a span per call
// and duration/message metrics.
package otel

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/codesjoy/bifrost/stats"
)

const scopeName = "github.com/codesjoy/bifrost/stats/otel"

func init() {
	stats.RegisterHandlerBuilder("otel", func(isServer bool) stats.Handler {
		return newHandler(isServer)
	})
}

type rpcContextKey struct{}

type rpcContext struct {
	span        trace.Span
	metricAttrs []attribute.KeyValue
	msgsIn      int64
	msgsOut     int64
}

type handler struct {
	isServer bool
	tracer   trace.Tracer
	duration metric.Float64Histogram
	msgSent  metric.Int64Counter
	msgRecv  metric.Int64Counter
}

func newHandler(isServer bool) stats.Handler {
	tracer := otel.GetTracerProvider().Tracer(scopeName)
	meter := otel.GetMeterProvider().Meter(scopeName)
	side := "client"
	if isServer {
		side = "server"
	}
	duration, _ := meter.Float64Histogram(
		"rpc."+side+".duration",
		metric.WithDescription("Measures the duration of inbound RPC."),
		metric.WithUnit("ms"),
	)
	msgSent, _ := meter.Int64Counter(
		"rpc."+side+".messages.sent",
		metric.WithDescription("Measures the number of messages sent per RPC."),
	)
	msgRecv, _ := meter.Int64Counter(
		"rpc."+side+".messages.received",
		metric.WithDescription("Measures the number of messages received per RPC."),
	)
	return &handler{
		isServer: isServer,
		tracer:   tracer,
		duration: duration,
		msgSent:  msgSent,
		msgRecv:  msgRecv,
	}
}

// TagRPC starts the call span and stashes the metric attributes.
func (h *handler) TagRPC(ctx context.Context, info *stats.RPCTagInfo) context.Context {
	spanName, attrs := parseFullMethod(info.FullMethod)
	kind := trace.SpanKindClient
	if h.isServer {
		kind = trace.SpanKindServer
	}
	ctx, span := h.tracer.Start(ctx, spanName, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
	return context.WithValue(ctx, rpcContextKey{}, &rpcContext{span: span, metricAttrs: attrs})
}

// HandleRPC records the event on the call's span and metrics.
func (h *handler) HandleRPC(ctx context.Context, rs stats.RPCStats) {
	rc, _ := ctx.Value(rpcContextKey{}).(*rpcContext)
	switch ev := rs.(type) {
	case *stats.RPCInPayload:
		if rc != nil {
			rc.msgsIn++
			h.msgRecv.Add(ctx, 1, metric.WithAttributes(rc.metricAttrs...))
		}
	case *stats.RPCOutPayload:
		if rc != nil {
			rc.msgsOut++
			h.msgSent.Add(ctx, 1, metric.WithAttributes(rc.metricAttrs...))
		}
	case *stats.RPCEnd:
		elapsed := float64(ev.EndTime.Sub(ev.BeginTime)) / float64(time.Millisecond)
		var attrs []attribute.KeyValue
		if rc != nil {
			attrs = rc.metricAttrs
		}
		h.duration.Record(ctx, elapsed, metric.WithAttributes(attrs...))
		if rc != nil && rc.span != nil {
			if ev.Err != nil {
				rc.span.SetStatus(codes.Error, ev.Err.Error())
			}
			rc.span.End()
		}
	}
}

// parseFullMethod turns "/package.service/method" into a span name and
// rpc.service/rpc.method attributes.
func parseFullMethod(fullMethod string) (string, []attribute.KeyValue) {
	name := strings.TrimLeft(fullMethod, "/")
	service, method, ok := strings.Cut(name, "/")
	var attrs []attribute.KeyValue
	if !ok {
		return name, attrs
	}
	if service != "" {
		attrs = append(attrs, attribute.String("rpc.service", service))
	}
	if method != "" {
		attrs = append(attrs, attribute.String("rpc.method", method))
	}
	return name, attrs
}
