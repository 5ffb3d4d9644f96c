package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/PratikDhanave/surface-analytics/internal/store"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics"
)

func setupTracingTest(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("surface-analytics/ingest")

	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		tracer = otel.Tracer("surface-analytics/ingest")
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
	})
	return exporter
}

func TestProcessBatch_Spans(t *testing.T) {
	exporter := setupTracingTest(t)
	ctx := context.Background()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.EnsureSchema(ctx))
	_, err = st.UpsertProject(ctx, "Test Project", "key-1")
	require.NoError(t, err)

	svc := NewService(st)
	res, err := svc.ProcessBatch(ctx, "key-1", []analytics.Event{
		{Name: "page_view", Properties: analytics.Properties{}, VisitorID: "v_1_abc", SessionID: "s"},
		{Name: "click", Properties: analytics.Properties{}},
	}, "8f14e45f-ceea-467f-a8ad-0e5d2f0c0a11")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProcessedCount)

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)

	byName := map[string][]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = append(byName[s.Name], s)
	}
	require.Len(t, byName["ingest.ProcessBatch"], 1)
	require.Len(t, byName["ingest.event"], 2)

	batch := byName["ingest.ProcessBatch"][0]
	assert.Equal(t, codes.Ok, batch.Status.Code)

	var failed int
	for _, s := range byName["ingest.event"] {
		assert.Equal(t, batch.SpanContext.SpanID(), s.Parent.SpanID())
		if s.Status.Code == codes.Error {
			failed++
			assert.Equal(t, errVisitorRequired.Error(), s.Status.Description)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestProcessBatch_InvalidKeySpanError(t *testing.T) {
	exporter := setupTracingTest(t)
	ctx := context.Background()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.EnsureSchema(ctx))

	_, err = NewService(st).ProcessBatch(ctx, "nope", nil, "8f14e45f-ceea-467f-a8ad-0e5d2f0c0a12")
	require.ErrorIs(t, err, ErrInvalidAPIKey)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}
