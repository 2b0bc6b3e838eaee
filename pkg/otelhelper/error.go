package otelhelper

import (
	"github.com/dukex/agentflow/pkg/apperr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Error attribute keys.
const (
	ErrorKindKey = "agentflow.error.kind"
	ErrorCodeKey = "agentflow.error.code"
)

// SetError records err on span, tagged with its kind and code when it is an
// apperr.Error, and marks the span failed.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if kind := apperr.KindOf(err); kind != "" {
		attrs = append(attrs, attribute.String(ErrorKindKey, string(kind)))
	}

	if code := apperr.CodeOf(err); code != "" {
		attrs = append(attrs, attribute.String(ErrorCodeKey, code))
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}
