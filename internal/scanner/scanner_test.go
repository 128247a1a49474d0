package scanner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/NikhilSetiya/cohort-sentinel/internal/detector"
	"github.com/NikhilSetiya/cohort-sentinel/internal/guardrails"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/clock"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/config"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/metrics"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type memSource struct {
	mu      sync.Mutex
	windows map[string]map[string][]types.MetricWindow
	cohorts []types.Cohort
	fail    map[string]error
	calls   int
}

func newMemSource() *memSource {
	return &memSource{
		windows: map[string]map[string][]types.MetricWindow{},
		fail:    map[string]error{},
	}
}

func (s *memSource) add(cohort types.Cohort, metric string, values ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cohort.Key()
	if s.windows[key] == nil {
		s.windows[key] = map[string][]types.MetricWindow{}
		s.cohorts = append(s.cohorts, cohort)
	}
	existing := s.windows[key][metric]
	for _, v := range values {
		start := t0.Add(time.Duration(len(existing)) * time.Hour)
		existing = append(existing, types.MetricWindow{Start: start, End: start.Add(time.Hour), Value: v})
	}
	s.windows[key][metric] = existing
}

func (s *memSource) FetchWindows(ctx context.Context, filter types.Cohort, metrics []string, from, to time.Time) (map[string][]types.MetricWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if err := s.fail[filter.Key()]; err != nil {
		return nil, err
	}
	out := map[string][]types.MetricWindow{}
	for _, m := range metrics {
		out[m] = append([]types.MetricWindow(nil), s.windows[filter.Key()][m]...)
	}
	return out, nil
}

// blockingSource never answers before its context ends
type blockingSource struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingSource() *blockingSource {
	return &blockingSource{started: make(chan struct{})}
}

func (s *blockingSource) FetchWindows(ctx context.Context, filter types.Cohort, metrics []string, from, to time.Time) (map[string][]types.MetricWindow, error) {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

type listingSource struct {
	*memSource
}

func (s listingSource) ListCohorts(ctx context.Context, dims []string, filter types.Cohort) ([]types.Cohort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Cohort
	for _, c := range s.cohorts {
		if c.Matches(filter) {
			out = append(out, c.Copy())
		}
	}
	return out, nil
}

type memStore struct {
	mu        sync.Mutex
	anomalies []*types.Anomaly
	err       error
}

func (s *memStore) CreateAnomaly(ctx context.Context, a *types.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.anomalies = append(s.anomalies, a)
	return nil
}

// identity scores each window by its raw value
var identity = detector.DetectorFunc(func(series types.Series) ([]detector.Candidate, error) {
	out := make([]detector.Candidate, len(series.Windows))
	for i, w := range series.Windows {
		out[i] = detector.Candidate{Index: i, Observed: w.Value, Score: w.Value}
	}
	return out, nil
})

func testConfig(minSupport int, k float64, persistence int) DetectorConfig {
	return DetectorConfig{
		Name:            "conversion-drop",
		Detector:        identity,
		Metrics:         []string{"conversion_rate"},
		CohortBy:        []string{"merchant_id"},
		EntityDimension: "merchant_id",
		Lookback:        48 * time.Hour,
		Params:          Params{MinSupport: minSupport, K: k, Persistence: persistence},
	}
}

type fixture struct {
	source  *memSource
	store   *memStore
	clock   *clock.Manual
	scanner *Scanner
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		source: newMemSource(),
		store:  &memStore{},
		clock:  clock.NewManual(t0.Add(24 * time.Hour)),
	}
	guard := guardrails.New(guardrails.NewMemoryStore(), guardrails.Config{Cooldown: time.Hour, Clock: f.clock})
	opts = append([]Option{WithClock(f.clock)}, opts...)
	f.scanner = New(f.source, f.store, guard, opts...)
	return f
}

func TestScanCohorts_PersistenceScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := testConfig(5, 2.0, 3)
	merchant := types.Cohort{"merchant_id": "m-42"}

	f.source.add(merchant, "conversion_rate", 1.0, 1.0, 1.0, 1.0, 1.0)
	result, err := f.scanner.ScanCohorts(ctx, cfg, []types.Cohort{merchant})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pairs)
	assert.Empty(t, result.Anomalies)
	assert.Empty(t, result.Skipped)

	f.source.add(merchant, "conversion_rate", 2.5, 2.5, 2.5)
	result, err = f.scanner.ScanCohorts(ctx, cfg, []types.Cohort{merchant})
	require.NoError(t, err)
	require.Len(t, result.Anomalies, 1)

	a := result.Anomalies[0]
	assert.Equal(t, 3, a.PersistedN)
	assert.Equal(t, types.SeverityHigh, a.Severity)
	assert.Equal(t, types.AnomalyStatusNew, a.Status)
	assert.Equal(t, 2.5, a.Score)
	assert.Equal(t, t0.Add(7*time.Hour), a.WindowStart)
	assert.Equal(t, "merchant_id=m-42", a.CohortKey)
	assert.Equal(t, "merchant_id", a.EntityDimension)
	assert.Equal(t, types.Floats{2.5, 2.5, 2.5}, a.Evidence)
	assert.Len(t, f.store.anomalies, 1)

	// rescanning the same history emits nothing new
	result, err = f.scanner.ScanCohorts(ctx, cfg, []types.Cohort{merchant})
	require.NoError(t, err)
	assert.Empty(t, result.Anomalies)
	assert.Len(t, f.store.anomalies, 1)
}

func TestScanCohorts_NeverEmitsBelowMinSupport(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(5, 2.0, 1)
	merchant := types.Cohort{"merchant_id": "m-1"}
	empty := types.Cohort{"merchant_id": "m-empty"}

	f.source.add(merchant, "conversion_rate", 9, 9, 9, 9)

	result, err := f.scanner.ScanCohorts(context.Background(), cfg, []types.Cohort{merchant, empty})
	require.NoError(t, err)
	assert.Empty(t, result.Anomalies)
	assert.Empty(t, f.store.anomalies)
	assert.ElementsMatch(t, []Skip{
		{Cohort: "merchant_id=m-1", Metric: "conversion_rate", Reason: OutcomeInsufficientData, Have: 4},
		{Cohort: "merchant_id=m-empty", Metric: "conversion_rate", Reason: OutcomeNoData},
	}, result.Skipped)
}

func TestScanCohorts_FetchErrorIsIsolated(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(3, 2.0, 1)
	good := types.Cohort{"merchant_id": "m-good"}
	bad := types.Cohort{"merchant_id": "m-bad"}

	f.source.add(good, "conversion_rate", 1, 1, 5)
	f.source.add(bad, "conversion_rate", 1, 1, 5)
	f.source.fail[bad.Key()] = errors.NewExternalError("warehouse", "connection reset")

	result, err := f.scanner.ScanCohorts(context.Background(), cfg, []types.Cohort{good, bad})
	require.NoError(t, err)

	require.Len(t, result.Anomalies, 1)
	assert.Equal(t, "merchant_id=m-good", result.Anomalies[0].CohortKey)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "merchant_id=m-bad", result.Errors[0].Cohort)
	assert.True(t, errors.IsType(result.Errors[0].Err, errors.ErrorTypeExternal))
}

func TestScanCohorts_StoreFailureReported(t *testing.T) {
	f := newFixture(t)
	f.store.err = fmt.Errorf("disk full")
	merchant := types.Cohort{"merchant_id": "m-1"}
	f.source.add(merchant, "conversion_rate", 1, 1, 5)

	result, err := f.scanner.ScanCohorts(context.Background(), testConfig(3, 2.0, 1), []types.Cohort{merchant})
	require.NoError(t, err)
	assert.Empty(t, result.Anomalies)
	require.Len(t, result.Errors, 1)
	assert.True(t, errors.IsType(result.Errors[0].Err, errors.ErrorTypeInternal))
}

func TestScanCohorts_StoreRecoveryEmitsHeldAnomaly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := testConfig(3, 2.0, 1)
	merchant := types.Cohort{"merchant_id": "m-1"}
	f.source.add(merchant, "conversion_rate", 1, 1, 5)

	f.store.mu.Lock()
	f.store.err = fmt.Errorf("disk full")
	f.store.mu.Unlock()

	result, err := f.scanner.ScanCohorts(ctx, cfg, []types.Cohort{merchant})
	require.NoError(t, err)
	assert.Empty(t, result.Anomalies)
	require.Len(t, result.Errors, 1)

	f.store.mu.Lock()
	f.store.err = nil
	f.store.mu.Unlock()

	// no cool-down has started, so the retry does not wait for it
	result, err = f.scanner.ScanCohorts(ctx, cfg, []types.Cohort{merchant})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Anomalies, 1)
	assert.Equal(t, t0.Add(2*time.Hour), result.Anomalies[0].WindowStart)
	assert.Len(t, f.store.anomalies, 1)

	f.clock.Advance(2 * time.Hour)
	result, err = f.scanner.ScanCohorts(ctx, cfg, []types.Cohort{merchant})
	require.NoError(t, err)
	assert.Empty(t, result.Anomalies)
	assert.Len(t, f.store.anomalies, 1)
}

func TestScanCohorts_ExpandsFiltersWithLister(t *testing.T) {
	f := newFixture(t)
	f.scanner = New(listingSource{f.source}, f.store, guardrails.New(guardrails.NewMemoryStore(), guardrails.Config{}), WithClock(f.clock))

	cfg := testConfig(3, 2.0, 1)
	cfg.CohortBy = []string{"merchant_id", "channel"}

	f.source.add(types.Cohort{"merchant_id": "m-1", "channel": "web"}, "conversion_rate", 1, 1, 5)
	f.source.add(types.Cohort{"merchant_id": "m-2", "channel": "web"}, "conversion_rate", 1, 1, 1)
	f.source.add(types.Cohort{"merchant_id": "m-3", "channel": "app"}, "conversion_rate", 1, 1, 5)

	result, err := f.scanner.ScanCohorts(context.Background(), cfg, []types.Cohort{{"channel": "web"}})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pairs)
	require.Len(t, result.Anomalies, 1)
	assert.Equal(t, "channel=web,merchant_id=m-1", result.Anomalies[0].CohortKey)
}

func TestScanCohorts_ParallelPairs(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true, Registerer: reg})
	require.NoError(t, err)

	f := newFixture(t, WithConcurrency(4), WithMetrics(m))
	cfg := testConfig(3, 2.0, 1)
	cfg.Metrics = []string{"conversion_rate", "refund_rate"}

	var cohorts []types.Cohort
	for i := 0; i < 20; i++ {
		c := types.Cohort{"merchant_id": fmt.Sprintf("m-%02d", i)}
		f.source.add(c, "conversion_rate", 1, 1, 3.5)
		f.source.add(c, "refund_rate", 1, 1, 1)
		cohorts = append(cohorts, c)
	}

	result, err := f.scanner.ScanCohorts(context.Background(), cfg, cohorts)
	require.NoError(t, err)
	assert.Equal(t, 40, result.Pairs)
	require.Len(t, result.Anomalies, 20)
	assert.Equal(t, "merchant_id=m-00", result.Anomalies[0].CohortKey)
	assert.Equal(t, "merchant_id=m-19", result.Anomalies[19].CohortKey)

	assert.Equal(t, float64(20), testutil.ToFloat64(m.AnomaliesTotal.WithLabelValues(cfg.Name, "conversion_rate", "high")))
	assert.Equal(t, float64(40), testutil.ToFloat64(m.ScanPairsTotal.WithLabelValues(cfg.Name, OutcomeScanned)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ScansTotal.WithLabelValues(cfg.Name, "success")))
}

func TestScanCohorts_FetchTimeoutFailsPair(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	source := newBlockingSource()
	guard := guardrails.New(guardrails.NewMemoryStore(), guardrails.Config{Clock: f.clock})
	sc := New(source, f.store, guard, WithClock(f.clock), WithFetchTimeout(20*time.Millisecond))

	merchant := types.Cohort{"merchant_id": "m-1"}
	done := make(chan struct{})
	var (
		result *ScanResult
		err    error
	)
	go func() {
		defer close(done)
		result, err = sc.ScanCohorts(context.Background(), testConfig(3, 2, 1), []types.Cohort{merchant})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not return after the fetch timeout")
	}

	require.NoError(t, err)
	assert.Empty(t, result.Anomalies)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "merchant_id=m-1", result.Errors[0].Cohort)
	assert.True(t, errors.IsType(result.Errors[0].Err, errors.ErrorTypeTimeout))
}

func TestScanCohorts_CancelledContext(t *testing.T) {
	f := newFixture(t)
	merchant := types.Cohort{"merchant_id": "m-1"}
	f.source.add(merchant, "conversion_rate", 1, 1, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.scanner.ScanCohorts(ctx, testConfig(3, 2, 1), []types.Cohort{merchant})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Empty(t, result.Anomalies)
}

func TestDetectorConfig_Validate(t *testing.T) {
	valid := testConfig(5, 2, 3)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *DetectorConfig)
	}{
		{"no name", func(c *DetectorConfig) { c.Name = "" }},
		{"no detector", func(c *DetectorConfig) { c.Detector = nil }},
		{"no metrics", func(c *DetectorConfig) { c.Metrics = nil }},
		{"no lookback", func(c *DetectorConfig) { c.Lookback = 0 }},
		{"zero min support", func(c *DetectorConfig) { c.Params.MinSupport = 0 }},
		{"zero persistence", func(c *DetectorConfig) { c.Params.Persistence = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(5, 2, 3)
			tt.mutate(&cfg)

			f := newFixture(t)
			_, err := f.scanner.ScanCohorts(context.Background(), cfg, nil)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		})
	}
}

func TestFromSpec(t *testing.T) {
	spec := config.DetectorSpec{
		Name:            "refunds",
		Strategy:        "ewma",
		Metrics:         []string{"refund_rate"},
		CohortBy:        []string{"merchant_id"},
		Cohorts:         []map[string]string{{"merchant_id": "m-1"}},
		EntityDimension: "merchant_id",
		Lookback:        24 * time.Hour,
		Params:          config.DetectorParams{MinSupport: 5, K: 3, Persistence: 2, Alpha: 0.2},
	}

	cfg, cohorts, err := FromSpec(spec)
	require.NoError(t, err)
	assert.Equal(t, "ewma", cfg.Detector.Name())
	assert.Equal(t, Params{MinSupport: 5, K: 3, Persistence: 2}, cfg.Params)
	assert.Equal(t, []types.Cohort{{"merchant_id": "m-1"}}, cohorts)

	spec.Strategy = "zscore"
	spec.Params.Warmup = 4
	spec.Params.MaxScore = 50
	cfg, _, err = FromSpec(spec)
	require.NoError(t, err)

	series := types.Series{Cohort: types.Cohort{"merchant_id": "m-1"}, Metric: "refund_rate"}
	for i, v := range []float64{5, 5, 5, 5, 9} {
		start := t0.Add(time.Duration(i) * time.Hour)
		series.Windows = append(series.Windows, types.MetricWindow{Start: start, End: start.Add(time.Hour), Value: v})
	}
	cands, err := cfg.Detector.Score(series)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, 4, cands[0].Index)
	assert.Equal(t, 50.0, cands[0].Score)

	spec.Strategy = "prophet"
	_, _, err = FromSpec(spec)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		score      float64
		persistedN int
		want       types.Severity
	}{
		{1.0, 1, types.SeverityLow},
		{1.0, 3, types.SeverityMedium},
		{2.0, 1, types.SeverityMedium},
		{2.5, 3, types.SeverityHigh},
		{3.2, 2, types.SeverityHigh},
		{3.2, 5, types.SeverityCritical},
		{4.0, 1, types.SeverityCritical},
		{9.0, 10, types.SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.1f_%d", tt.score, tt.persistedN), func(t *testing.T) {
			assert.Equal(t, tt.want, Severity(tt.score, tt.persistedN))
		})
	}
}

func TestScheduler_RunOnceHandsAnomaliesToHandler(t *testing.T) {
	f := newFixture(t)
	merchant := types.Cohort{"merchant_id": "m-1"}
	f.source.add(merchant, "conversion_rate", 1, 1, 5)

	var got []*types.Anomaly
	sched := NewScheduler(f.scanner, []Job{{Config: testConfig(3, 2, 1), Cohorts: []types.Cohort{merchant}}}, time.Minute,
		func(ctx context.Context, a *types.Anomaly) { got = append(got, a) })

	results := sched.RunOnce(context.Background())
	require.Len(t, results, 1)
	require.Len(t, got, 1)
	assert.Equal(t, results[0].Anomalies[0].ID, got[0].ID)
	assert.Equal(t, int64(1), sched.Runs())
}

func TestScheduler_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	merchant := types.Cohort{"merchant_id": "m-1"}
	f.source.add(merchant, "conversion_rate", 1, 1, 1)

	sched := NewScheduler(f.scanner, []Job{{Config: testConfig(3, 2, 1), Cohorts: []types.Cohort{merchant}}}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sched.Start(ctx))
	err := sched.Start(ctx)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	require.Eventually(t, func() bool { return sched.Runs() >= 2 }, time.Second, 5*time.Millisecond)
	sched.Stop()
	sched.Stop()
	assert.False(t, sched.Running())
}

func TestScheduler_StopCancelsBlockedScan(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	source := newBlockingSource()
	guard := guardrails.New(guardrails.NewMemoryStore(), guardrails.Config{Clock: f.clock})
	sc := New(source, f.store, guard, WithClock(f.clock), WithFetchTimeout(time.Hour))

	merchant := types.Cohort{"merchant_id": "m-1"}
	sched := NewScheduler(sc, []Job{{Config: testConfig(3, 2, 1), Cohorts: []types.Cohort{merchant}}}, time.Minute, nil)
	require.NoError(t, sched.Start(context.Background()))

	select {
	case <-source.started:
	case <-time.After(2 * time.Second):
		t.Fatal("scan never reached the data source")
	}

	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on the in-flight fetch")
	}
	assert.False(t, sched.Running())
}
