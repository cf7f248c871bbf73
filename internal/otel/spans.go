package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrSessionID  = attribute.Key("claude_mem.session.id")
	AttrItemID     = attribute.Key("claude_mem.item.id")
	AttrItemKind   = attribute.Key("claude_mem.item.kind")
	AttrRetryCount = attribute.Key("claude_mem.item.retry_count")
	AttrOutcome    = attribute.Key("claude_mem.item.outcome")
)

// StartSpan starts an internal span with the given attributes. A nil tracer
// yields a non-recording span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartItemSpan starts the span covering one claimed item.
func StartItemSpan(ctx context.Context, tracer trace.Tracer, sessionID, itemID int64, kind string, retryCount int) (context.Context, trace.Span) {
	return StartSpan(ctx, tracer, "queue.process_item",
		AttrSessionID.Int64(sessionID),
		AttrItemID.Int64(itemID),
		AttrItemKind.String(kind),
		AttrRetryCount.Int(retryCount),
	)
}

// EndSpan records outcome and error on span and ends it.
func EndSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(AttrOutcome.String(outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
