package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(&Config{Namespace: "test", Enabled: true, Registerer: reg})
	require.NoError(t, err)
	require.NotNil(t, m)
	return m, reg
}

func TestNewMetrics_DuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(&Config{Namespace: "dup", Enabled: true, Registerer: reg})
	require.NoError(t, err)

	_, err = NewMetrics(&Config{Namespace: "dup", Enabled: true, Registerer: reg})
	assert.Error(t, err)
}

func TestNewMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(&Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, m)

	// nil metrics must be safe to use
	m.RecordAnomaly("zscore", "chargebacks", "high")
	m.SetCircuitState("analytics-svc", 1)
}

func TestMetrics_Recording(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordAnomaly("zscore", "chargebacks", "high")
	m.RecordAnomaly("zscore", "chargebacks", "high")
	m.RecordResilienceCall("analytics-svc", "success", 10*time.Millisecond)
	m.SetCircuitState("analytics-svc", 1)
	m.UpdateDestinationUsage("analytics-svc", 3, 7)
	m.RecordEntityDrift("velocity")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.AnomaliesTotal.WithLabelValues("zscore", "chargebacks", "high")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ResilienceCalls.WithLabelValues("analytics-svc", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CircuitState.WithLabelValues("analytics-svc")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.BulkheadInFlight.WithLabelValues("analytics-svc")))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.RateWindowTokens.WithLabelValues("analytics-svc")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EntityDriftTotal.WithLabelValues("velocity")))
}

func TestMetrics_Handler(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordError("scanner", "insufficient_data")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_errors_total")
}
