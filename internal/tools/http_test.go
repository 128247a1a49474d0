package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/cohort-sentinel/internal/querycontext"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/config"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/logging"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func toolContext() querycontext.ToolContext {
	return querycontext.ToolContext{
		InvestigationID: uuid.MustParse("6f1c2a0e-5d9b-4b7e-9a39-0c7f4d3e2b11"),
		Tool:            "ledger",
		EntityID:        "m-42",
		EntityType:      "merchant",
		StartDate:       t0.AddDate(0, 0, -30),
		EndDate:         t0,
		ExecutedAt:      t0,
	}
}

func TestHTTPTool_PostsContextAndDecodesFindings(t *testing.T) {
	var got map[string]string
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"merchant": "m-42",
			"findings": []map[string]interface{}{
				{"title": "Refund spike", "description": "3x baseline", "score": 0.8, "data": map[string]interface{}{"refunds": 31}},
			},
		})
	}))
	defer server.Close()

	t.Setenv("LEDGER_TOKEN", "secret")
	tool, err := NewHTTPTool(config.ToolSpec{
		Name:        "ledger",
		Destination: "ledger-api",
		URL:         server.URL + "/analyze",
		Headers:     map[string]string{"Authorization": "Bearer ${LEDGER_TOKEN}"},
		EntityField: "merchant",
	}, server.Client())
	require.NoError(t, err)
	assert.Equal(t, "ledger", tool.Name())
	assert.Equal(t, "ledger-api", tool.Destination())

	ctx := logging.WithCorrelationID(context.Background(), "corr-1")
	result, err := tool.Invoke(ctx, toolContext())
	require.NoError(t, err)

	assert.Equal(t, "m-42", got["merchant"])
	assert.Equal(t, "m-42", got["entity_id"])
	assert.Equal(t, "merchant", got["entity_type"])
	assert.Equal(t, "2024-01-31T09:00:00Z", got["start_date"])
	assert.Equal(t, "2024-03-01T09:00:00Z", got["end_date"])
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))
	assert.Equal(t, "corr-1", headers.Get("X-Correlation-ID"))

	assert.Equal(t, "m-42", result.EntityID)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "Refund spike", result.Findings[0].Title)
	assert.Equal(t, 0.8, result.Findings[0].Score)
	assert.Equal(t, float64(31), result.Findings[0].Data["refunds"])
}

func TestHTTPTool_GetUsesQueryParameters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "m-42", r.URL.Query().Get("entity_id"))
		assert.Equal(t, "v1", r.URL.Query().Get("api"))
		w.Write([]byte(`{"entity_id": "m-42", "findings": []}`))
	}))
	defer server.Close()

	tool, err := NewHTTPTool(config.ToolSpec{
		Name:   "chargebacks",
		URL:    server.URL + "/lookup?api=v1",
		Method: "get",
	}, server.Client())
	require.NoError(t, err)

	result, err := tool.Invoke(context.Background(), toolContext())
	require.NoError(t, err)
	assert.Equal(t, "m-42", result.EntityID)
	assert.Empty(t, result.Findings)
}

func TestHTTPTool_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{name: "server error", status: http.StatusBadGateway, transient: true},
		{name: "throttled", status: http.StatusTooManyRequests, transient: true},
		{name: "request timeout", status: http.StatusRequestTimeout, transient: true},
		{name: "bad request", status: http.StatusBadRequest, transient: false},
		{name: "not found", status: http.StatusNotFound, transient: false},
		{name: "malformed body", status: http.StatusOK, body: "{not json", transient: false},
		{name: "entity not a string", status: http.StatusOK, body: `{"entity_id": 42}`, transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			tool, err := NewHTTPTool(config.ToolSpec{Name: "ledger", URL: server.URL}, server.Client())
			require.NoError(t, err)

			_, err = tool.Invoke(context.Background(), toolContext())
			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.IsTransient(err), "error: %v", err)
			if !tt.transient {
				assert.True(t, errors.IsType(err, errors.ErrorTypePermanent))
			}
		})
	}
}

func TestHTTPTool_UnreachableIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	tool, err := NewHTTPTool(config.ToolSpec{Name: "ledger", URL: url}, nil)
	require.NoError(t, err)

	_, err = tool.Invoke(context.Background(), toolContext())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestHTTPTool_CancelledContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	tool, err := NewHTTPTool(config.ToolSpec{Name: "ledger", URL: server.URL}, server.Client())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = tool.Invoke(ctx, toolContext())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewHTTPTool_Validation(t *testing.T) {
	_, err := NewHTTPTool(config.ToolSpec{URL: "http://localhost"}, nil)
	assert.Error(t, err)

	_, err = NewHTTPTool(config.ToolSpec{Name: "ledger", URL: "not a url"}, nil)
	assert.Error(t, err)

	_, err = NewHTTPTool(config.ToolSpec{Name: "ledger", URL: "http://localhost", Method: "DELETE"}, nil)
	assert.Error(t, err)
}

func TestFromCatalog(t *testing.T) {
	cat := &config.Catalog{Tools: []config.ToolSpec{
		{Name: "ledger", Destination: "ledger-api", URL: "http://ledger.internal/analyze"},
		{Name: "chargebacks", Destination: "risk-api", URL: "http://risk.internal/cb", Method: "GET"},
	}}

	tools, err := FromCatalog(cat, nil, NewFindingHistoryTool(nil, "database"))
	require.NoError(t, err)
	require.Len(t, tools, 3)
	assert.Equal(t, "ledger", tools[0].Name())
	assert.Equal(t, "risk-api", tools[1].Destination())
	assert.Equal(t, FindingHistoryToolName, tools[2].Name())

	cat.Tools = append(cat.Tools, config.ToolSpec{Name: "broken", URL: "::"})
	_, err = FromCatalog(cat, nil)
	assert.Error(t, err)
}
