package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Scan metrics
	ScansTotal     *prometheus.CounterVec
	ScanDuration   *prometheus.HistogramVec
	ScanPairsTotal *prometheus.CounterVec
	AnomaliesTotal *prometheus.CounterVec

	// Resilience metrics
	ResilienceCalls        *prometheus.CounterVec
	ResilienceCallDuration *prometheus.HistogramVec
	ResilienceRetries      *prometheus.CounterVec
	CircuitState           *prometheus.GaugeVec
	BulkheadInFlight       *prometheus.GaugeVec
	RateWindowTokens       *prometheus.GaugeVec

	// Investigation metrics
	InvestigationsTotal   *prometheus.CounterVec
	InvestigationDuration *prometheus.HistogramVec
	ToolCallsTotal        *prometheus.CounterVec
	EntityDriftTotal      *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
	// Registerer defaults to prometheus.DefaultRegisterer
	Registerer prometheus.Registerer `json:"-"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "cohort_sentinel",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) (*Metrics, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return nil, nil
	}

	registerer := config.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, labels)
	}

	m := &Metrics{
		ScansTotal:     counter("scans_total", "Total number of detector scan runs", "detector", "outcome"),
		ScanDuration:   histogram("scan_duration_seconds", "Detector scan duration in seconds", prometheus.DefBuckets, "detector"),
		ScanPairsTotal: counter("scan_pairs_total", "Cohort/metric pairs processed by outcome", "detector", "outcome"),
		AnomaliesTotal: counter("anomalies_total", "Anomalies emitted after guardrails", "detector", "metric", "severity"),

		ResilienceCalls:        counter("resilience_calls_total", "Calls executed through the resilience manager", "destination", "outcome"),
		ResilienceCallDuration: histogram("resilience_call_duration_seconds", "Resilience manager call duration in seconds", prometheus.DefBuckets, "destination"),
		ResilienceRetries:      counter("resilience_retries_total", "Retry attempts per destination", "destination"),
		CircuitState:           gauge("circuit_state", "Circuit state per destination (0 closed, 1 open, 2 half-open)", "destination"),
		BulkheadInFlight:       gauge("bulkhead_in_flight", "Calls currently holding a bulkhead slot", "destination"),
		RateWindowTokens:       gauge("rate_window_tokens", "Admissions inside the current rate limit window", "destination"),

		InvestigationsTotal:   counter("investigations_total", "Investigations reaching a status", "status"),
		InvestigationDuration: histogram("investigation_duration_seconds", "Investigation run time in seconds", []float64{1, 5, 10, 30, 60, 120, 300, 600}, "status"),
		ToolCallsTotal:        counter("tool_calls_total", "Investigation tool calls by outcome", "tool", "outcome"),
		EntityDriftTotal:      counter("entity_drift_total", "Tool results discarded for entity drift", "tool"),

		ErrorsTotal: counter("errors_total", "Errors by component and type", "component", "error_type"),
	}

	collectors := []prometheus.Collector{
		m.ScansTotal, m.ScanDuration, m.ScanPairsTotal, m.AnomaliesTotal,
		m.ResilienceCalls, m.ResilienceCallDuration, m.ResilienceRetries,
		m.CircuitState, m.BulkheadInFlight, m.RateWindowTokens,
		m.InvestigationsTotal, m.InvestigationDuration, m.ToolCallsTotal, m.EntityDriftTotal,
		m.ErrorsTotal,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	if g, ok := registerer.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	return m, nil
}

// RecordScan records one detector run
func (m *Metrics) RecordScan(detector, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ScansTotal.WithLabelValues(detector, outcome).Inc()
	m.ScanDuration.WithLabelValues(detector).Observe(duration.Seconds())
}

// RecordScanPair records the outcome for one cohort/metric pair
func (m *Metrics) RecordScanPair(detector, outcome string) {
	if m == nil {
		return
	}
	m.ScanPairsTotal.WithLabelValues(detector, outcome).Inc()
}

// RecordAnomaly records an emitted anomaly
func (m *Metrics) RecordAnomaly(detector, metric, severity string) {
	if m == nil {
		return
	}
	m.AnomaliesTotal.WithLabelValues(detector, metric, severity).Inc()
}

// RecordResilienceCall records a call made through the resilience manager
func (m *Metrics) RecordResilienceCall(destination, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ResilienceCalls.WithLabelValues(destination, outcome).Inc()
	m.ResilienceCallDuration.WithLabelValues(destination).Observe(duration.Seconds())
}

// RecordRetry records a retry attempt
func (m *Metrics) RecordRetry(destination string) {
	if m == nil {
		return
	}
	m.ResilienceRetries.WithLabelValues(destination).Inc()
}

// SetCircuitState sets the circuit gauge; state is the ordinal of the breaker state
func (m *Metrics) SetCircuitState(destination string, state int) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(destination).Set(float64(state))
}

// UpdateDestinationUsage sets the bulkhead and rate window gauges
func (m *Metrics) UpdateDestinationUsage(destination string, inFlight int64, tokens int) {
	if m == nil {
		return
	}
	m.BulkheadInFlight.WithLabelValues(destination).Set(float64(inFlight))
	m.RateWindowTokens.WithLabelValues(destination).Set(float64(tokens))
}

// RecordInvestigation records an investigation reaching status
func (m *Metrics) RecordInvestigation(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.InvestigationsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		m.InvestigationDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// RecordToolCall records one tool invocation outcome
func (m *Metrics) RecordToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

// RecordEntityDrift records a discarded tool result
func (m *Metrics) RecordEntityDrift(tool string) {
	if m == nil {
		return
	}
	m.EntityDriftTotal.WithLabelValues(tool).Inc()
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m != nil && m.gatherer != nil {
		return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// MetricsCollector periodically refreshes gauges from a sampling function
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	collect  func(*Metrics)
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, interval time.Duration, collect func(*Metrics)) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		metrics:  metrics,
		interval: interval,
		collect:  collect,
		stopCh:   make(chan struct{}),
	}
}

// Start begins metrics collection and blocks until ctx is done or Stop is called
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			if mc.metrics != nil && mc.collect != nil {
				mc.collect(mc.metrics)
			}
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}
