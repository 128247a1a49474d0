package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewTracingService_Disabled(t *testing.T) {
	ts, err := NewTracingService(&Config{ServiceName: "test", Enabled: false})
	require.NoError(t, err)

	ctx, span := ts.StartScanSpan(context.Background(), "zscore", 3)
	span.End()

	assert.NotNil(t, ctx)
	assert.NoError(t, ts.Shutdown(context.Background()))
}

func TestInstrumentHTTPClient_RecordsClientSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(context.Background())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := InstrumentHTTPClient(&http.Client{}, provider.Tracer("test"))
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP GET", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestWithTraceContext_NoSpan(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, WithTraceContext(ctx))
	assert.Empty(t, GetTraceID(ctx))
}
