package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrOperation    = attribute.Key("regnexus.operation")
	AttrRuleID       = attribute.Key("regnexus.rule.id")
	AttrRuleCount    = attribute.Key("regnexus.rule.count")
	AttrPatchID      = attribute.Key("regnexus.patch.id")
	AttrStrategy     = attribute.Key("regnexus.harmonize.strategy")
	AttrRecordCount  = attribute.Key("regnexus.audit.records")
	AttrViolations   = attribute.Key("regnexus.audit.violations")
	AttrCriticalRule = attribute.Key("regnexus.drift.critical")
)

// HarmonizeOperation creates attributes for a harmonization call.
func HarmonizeOperation(rules int, strategy string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRuleCount.Int(rules),
		AttrStrategy.String(strategy),
	}
}

// AuditOperation creates attributes for a retroactive audit.
func AuditOperation(records, violations int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRecordCount.Int(records),
		AttrViolations.Int(violations),
	}
}

// AddSpanEvent adds an event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanAttributes annotates the span in ctx.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
