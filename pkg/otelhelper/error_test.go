package otelhelper

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordError(t *testing.T, err error) sdktrace.ReadOnlySpan {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	_, span := provider.Tracer("test").Start(context.Background(), "step")
	SetError(span, err)
	span.End()

	spans := exporter.GetSpans().Snapshots()
	require.Len(t, spans, 1)

	return spans[0]
}

func TestSetError_TagsKindAndCode(t *testing.T) {
	span := recordError(t, apperr.New(apperr.KindTimeout, "workflow.step", "StepTimeout", "step took too long"))

	assert.Equal(t, codes.Error, span.Status().Code)
	require.Len(t, span.Events(), 1)

	attrs := span.Events()[0].Attributes
	assert.Contains(t, attrs, attribute.String(ErrorKindKey, "timeout"))
	assert.Contains(t, attrs, attribute.String(ErrorCodeKey, "StepTimeout"))
}

func TestSetError_PlainError(t *testing.T) {
	span := recordError(t, errors.New("boom"))

	assert.Equal(t, "boom", span.Status().Description)

	for _, attr := range span.Events()[0].Attributes {
		assert.NotEqual(t, attribute.Key(ErrorKindKey), attr.Key)
	}
}
