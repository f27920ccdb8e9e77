// Package otel mirrors stored events into OpenTelemetry spans so the agent
// activity recorded by the observability server also shows up in any OTel
// backend the host process exports to.
package otel

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/pai-observability/observe"
)

const instrumentationName = "github.com/PipeOpsHQ/pai-observability/observe"

// Sink implements observe.Sink by emitting one span per event.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates a sink on tp. A nil tp uses a noop provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{tracer: tp.Tracer(instrumentationName)}
}

// Emit converts the event into a span that starts at the event timestamp and
// lasts data.duration_ms when present.
func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	start, err := observe.ParseTimestamp(event.Timestamp)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := s.tracer.Start(ctx, spanNameFor(event), trace.WithTimestamp(start))

	attrs := []attribute.KeyValue{
		attribute.String("pai.event.id", event.ID),
		attribute.String("pai.event.type", event.EventType),
		attribute.String("pai.session.id", event.SessionID),
	}
	data := event.DataMap()
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String("pai.data."+k, truncate(fmt.Sprintf("%v", data[k]), 1024)))
	}
	span.SetAttributes(attrs...)

	switch event.EventType {
	case observe.TypeSecurityBlock, observe.TypeToolBlocked:
		reason, _ := data["reason"].(string)
		span.SetStatus(codes.Error, reason)
	default:
		if ok, isBool := data["success"].(bool); isBool && !ok {
			span.SetStatus(codes.Error, "tool reported failure")
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	end := start
	if ms, ok := data["duration_ms"].(float64); ok && ms > 0 {
		end = start.Add(time.Duration(ms * float64(time.Millisecond)))
	}
	span.End(trace.WithTimestamp(end))
	return nil
}

func spanNameFor(event observe.Event) string {
	if event.EventType == "" {
		return "pai.event"
	}
	return "pai." + event.EventType
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

var _ observe.Sink = (*Sink)(nil)
