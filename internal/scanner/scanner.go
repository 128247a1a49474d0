// Package scanner runs anomaly detectors over cohort metric series and turns
// the candidates that survive the guardrails into persisted anomalies.
package scanner

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/NikhilSetiya/cohort-sentinel/internal/detector"
	"github.com/NikhilSetiya/cohort-sentinel/internal/guardrails"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/clock"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/config"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/logging"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/metrics"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/tracing"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

// DataSource returns the windowed series of each requested metric for the
// cohort matching filter, ordered by window start. A metric with no rows is
// absent from the map or maps to an empty slice.
type DataSource interface {
	FetchWindows(ctx context.Context, filter types.Cohort, metrics []string, from, to time.Time) (map[string][]types.MetricWindow, error)
}

// CohortLister enumerates the concrete cohorts over dims that match filter
type CohortLister interface {
	ListCohorts(ctx context.Context, dims []string, filter types.Cohort) ([]types.Cohort, error)
}

// AnomalyStore persists emitted anomalies
type AnomalyStore interface {
	CreateAnomaly(ctx context.Context, anomaly *types.Anomaly) error
}

// Params gate candidates before they become anomalies
type Params struct {
	MinSupport  int     `json:"min_support"`
	K           float64 `json:"k"`
	Persistence int     `json:"persistence"`
}

// DetectorConfig is one configured scan
type DetectorConfig struct {
	Name            string
	Detector        detector.Detector
	Metrics         []string
	CohortBy        []string
	EntityDimension string
	Lookback        time.Duration
	Params          Params
}

// Validate checks the configuration is usable
func (c DetectorConfig) Validate() error {
	switch {
	case c.Name == "":
		return errors.NewValidationError("detector name is required")
	case c.Detector == nil:
		return errors.NewValidationError("detector strategy is required").WithDetail("detector", c.Name)
	case len(c.Metrics) == 0:
		return errors.NewValidationError("detector needs at least one metric").WithDetail("detector", c.Name)
	case c.Lookback <= 0:
		return errors.NewValidationError("lookback must be positive").WithDetail("detector", c.Name)
	case c.Params.MinSupport < 1:
		return errors.NewValidationError("min_support must be at least 1").WithDetail("detector", c.Name)
	case c.Params.Persistence < 1:
		return errors.NewValidationError("persistence must be at least 1").WithDetail("detector", c.Name)
	}
	return nil
}

// FromSpec builds a DetectorConfig and its cohort filters from a catalog entry
func FromSpec(spec config.DetectorSpec) (DetectorConfig, []types.Cohort, error) {
	d, err := detector.Lookup(spec.Strategy, detector.Params{
		Baseline: spec.Params.Baseline,
		Season:   spec.Params.Season,
		Alpha:    spec.Params.Alpha,
		Warmup:   spec.Params.Warmup,
		MaxScore: spec.Params.MaxScore,
	})
	if err != nil {
		return DetectorConfig{}, nil, err
	}

	cfg := DetectorConfig{
		Name:            spec.Name,
		Detector:        d,
		Metrics:         spec.Metrics,
		CohortBy:        spec.CohortBy,
		EntityDimension: spec.EntityDimension,
		Lookback:        spec.Lookback,
		Params: Params{
			MinSupport:  spec.Params.MinSupport,
			K:           spec.Params.K,
			Persistence: spec.Params.Persistence,
		},
	}

	cohorts := make([]types.Cohort, 0, len(spec.Cohorts))
	for _, c := range spec.Cohorts {
		cohorts = append(cohorts, types.Cohort(c).Copy())
	}
	return cfg, cohorts, cfg.Validate()
}

// Pair outcomes
const (
	OutcomeScanned          = "scanned"
	OutcomeNoData           = "no_data"
	OutcomeInsufficientData = "insufficient_data"
	OutcomeError            = "error"
)

// Skip records a pair that was not scored
type Skip struct {
	Cohort string `json:"cohort"`
	Metric string `json:"metric"`
	Reason string `json:"reason"`
	Have   int    `json:"have"`
}

// PairError records a failed pair
type PairError struct {
	Cohort string `json:"cohort"`
	Metric string `json:"metric"`
	Err    error  `json:"-"`
}

func (e PairError) Error() string {
	return e.Cohort + "/" + e.Metric + ": " + e.Err.Error()
}

// ScanResult summarises one ScanCohorts call. Per-pair failures are reported
// here rather than aborting the scan.
type ScanResult struct {
	Detector  string           `json:"detector"`
	Pairs     int              `json:"pairs"`
	Anomalies []*types.Anomaly `json:"anomalies"`
	Skipped   []Skip           `json:"skipped"`
	Errors    []PairError      `json:"-"`
	Duration  time.Duration    `json:"duration"`

	mu sync.Mutex
}

func (r *ScanResult) addAnomaly(a *types.Anomaly) {
	r.mu.Lock()
	r.Anomalies = append(r.Anomalies, a)
	r.mu.Unlock()
}

func (r *ScanResult) addSkip(s Skip) {
	r.mu.Lock()
	r.Skipped = append(r.Skipped, s)
	r.mu.Unlock()
}

func (r *ScanResult) addError(e PairError) {
	r.mu.Lock()
	r.Errors = append(r.Errors, e)
	r.mu.Unlock()
}

// Scanner drives a detector over cohorts and metrics
type Scanner struct {
	source      DataSource
	lister      CohortLister
	store       AnomalyStore
	guard        *guardrails.Guardrails
	concurrency  int
	fetchTimeout time.Duration

	clock   clock.Clock
	metrics *metrics.Metrics
	tracing *tracing.TracingService
	logger  *logging.Logger
}

// Option configures a Scanner
type Option func(*Scanner)

// WithConcurrency bounds the number of pairs scanned at once
func WithConcurrency(n int) Option {
	return func(s *Scanner) { s.concurrency = n }
}

// WithFetchTimeout bounds each FetchWindows call. A fetch that runs past it
// fails its pair; zero disables the bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Scanner) { s.fetchTimeout = d }
}

// WithCohortLister sets the lister used to expand partial cohort filters.
// By default the data source is used when it implements CohortLister.
func WithCohortLister(l CohortLister) Option {
	return func(s *Scanner) { s.lister = l }
}

func WithClock(c clock.Clock) Option {
	return func(s *Scanner) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scanner) { s.metrics = m }
}

func WithTracing(t *tracing.TracingService) Option {
	return func(s *Scanner) { s.tracing = t }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Scanner) { s.logger = l }
}

// New creates a scanner
func New(source DataSource, store AnomalyStore, guard *guardrails.Guardrails, opts ...Option) *Scanner {
	s := &Scanner{
		source:       source,
		store:        store,
		guard:        guard,
		concurrency:  8,
		fetchTimeout: 30 * time.Second,
		clock:        clock.Real(),
		tracing:      tracing.Global(),
		logger:       logging.GetLogger(),
	}
	if l, ok := source.(CohortLister); ok {
		s.lister = l
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	return s
}

type pair struct {
	cohort types.Cohort
	metric string
}

// ScanCohorts scores every (cohort, metric) pair of cfg in parallel. Filters
// that leave some of cfg.CohortBy unset are expanded into concrete cohorts
// when a CohortLister is available. The returned error is non-nil only for an
// invalid configuration or a cancelled context; the result is always usable.
func (s *Scanner) ScanCohorts(ctx context.Context, cfg DetectorConfig, cohorts []types.Cohort) (*ScanResult, error) {
	result := &ScanResult{Detector: cfg.Name}
	if err := cfg.Validate(); err != nil {
		return result, err
	}

	start := s.clock.Now()
	ctx = logging.WithScanID(ctx, uuid.NewString())

	resolved, err := s.resolveCohorts(ctx, cfg, cohorts)
	if err != nil {
		s.metrics.RecordScan(cfg.Name, "error", 0)
		return result, err
	}

	ctx, span := s.tracing.StartScanSpan(ctx, cfg.Name, len(resolved))
	defer span.End()

	pairs := make([]pair, 0, len(resolved)*len(cfg.Metrics))
	for _, c := range resolved {
		for _, m := range cfg.Metrics {
			pairs = append(pairs, pair{cohort: c, metric: m})
		}
	}
	result.Pairs = len(pairs)

	from, to := start.Add(-cfg.Lookback), start

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, p := range pairs {
		p := p
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			s.scanPair(gctx, cfg, p, from, to, result)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Anomalies, func(i, j int) bool {
		a, b := result.Anomalies[i], result.Anomalies[j]
		if a.CohortKey != b.CohortKey {
			return a.CohortKey < b.CohortKey
		}
		if a.Metric != b.Metric {
			return a.Metric < b.Metric
		}
		return a.WindowStart.Before(b.WindowStart)
	})

	result.Duration = s.clock.Now().Sub(start)
	span.SetAttributes(
		attribute.Int("scan.pairs", result.Pairs),
		attribute.Int("scan.anomalies", len(result.Anomalies)),
		attribute.Int("scan.errors", len(result.Errors)),
	)

	outcome := "success"
	if len(result.Errors) > 0 {
		outcome = "partial"
	}
	if err := ctx.Err(); err != nil {
		tracing.RecordError(span, err)
		s.metrics.RecordScan(cfg.Name, "cancelled", result.Duration)
		return result, err
	}
	s.metrics.RecordScan(cfg.Name, outcome, result.Duration)

	s.logger.WithContext(ctx).WithFields(logrus.Fields{
		"detector":  cfg.Name,
		"pairs":     result.Pairs,
		"anomalies": len(result.Anomalies),
		"skipped":   len(result.Skipped),
		"errors":    len(result.Errors),
		"duration":  result.Duration.String(),
	}).Info("Scan completed")

	return result, nil
}

func (s *Scanner) resolveCohorts(ctx context.Context, cfg DetectorConfig, filters []types.Cohort) ([]types.Cohort, error) {
	if len(filters) == 0 {
		filters = []types.Cohort{{}}
	}

	seen := make(map[string]bool)
	var out []types.Cohort
	add := func(c types.Cohort) {
		if key := c.Key(); !seen[key] {
			seen[key] = true
			out = append(out, c)
		}
	}

	for _, filter := range filters {
		if s.lister == nil || complete(filter, cfg.CohortBy) {
			if len(filter) > 0 {
				add(filter.Copy())
			}
			continue
		}

		listed, err := s.lister.ListCohorts(ctx, cfg.CohortBy, filter)
		if err != nil {
			return nil, errors.NewExternalError("data source", "failed to list cohorts").
				WithCause(err).
				WithDetail("detector", cfg.Name)
		}
		for _, c := range listed {
			add(c)
		}
	}

	if len(out) == 0 {
		s.logger.Warn("No cohorts to scan", "detector", cfg.Name)
	}
	return out, nil
}

func complete(filter types.Cohort, dims []string) bool {
	if len(dims) == 0 {
		return len(filter) > 0
	}
	for _, d := range dims {
		if _, ok := filter[d]; !ok {
			return false
		}
	}
	return true
}

func (s *Scanner) scanPair(ctx context.Context, cfg DetectorConfig, p pair, from, to time.Time, result *ScanResult) {
	cohortKey := p.cohort.Key()

	byMetric, err := s.fetch(ctx, p, from, to)
	if err != nil {
		s.failPair(ctx, cfg, p, result, err)
		return
	}

	windows := append([]types.MetricWindow(nil), byMetric[p.metric]...)
	sort.SliceStable(windows, func(i, j int) bool { return windows[i].Start.Before(windows[j].Start) })

	if len(windows) == 0 {
		result.addSkip(Skip{Cohort: cohortKey, Metric: p.metric, Reason: OutcomeNoData})
		s.metrics.RecordScanPair(cfg.Name, OutcomeNoData)
		s.logger.LogScanEvent(ctx, OutcomeNoData, cohortKey, p.metric, nil)
		return
	}
	if len(windows) < cfg.Params.MinSupport {
		err := errors.NewInsufficientDataError(cohortKey, p.metric, len(windows), cfg.Params.MinSupport)
		result.addSkip(Skip{Cohort: cohortKey, Metric: p.metric, Reason: OutcomeInsufficientData, Have: len(windows)})
		s.metrics.RecordScanPair(cfg.Name, OutcomeInsufficientData)
		s.logger.LogScanEvent(ctx, OutcomeInsufficientData, cohortKey, p.metric, logrus.Fields{
			"reason": err.Message,
		})
		return
	}

	series := types.Series{Cohort: p.cohort, Metric: p.metric, Windows: windows}
	candidates, err := cfg.Detector.Score(series)
	if err != nil {
		s.failPair(ctx, cfg, p, result, err)
		return
	}

	for _, c := range candidates {
		if c.Index < 0 || c.Index >= len(windows) {
			continue
		}
		candidate := types.AnomalyCandidate{
			Cohort:   p.cohort,
			Metric:   p.metric,
			Window:   windows[c.Index],
			Observed: c.Observed,
			Expected: c.Expected,
			Score:    c.Score,
		}

		anomaly, err := s.evaluate(ctx, cfg, candidate)
		if err != nil {
			s.failPair(ctx, cfg, p, result, err)
			return
		}
		if anomaly != nil {
			result.addAnomaly(anomaly)
		}
	}

	s.metrics.RecordScanPair(cfg.Name, OutcomeScanned)
}

func (s *Scanner) fetch(ctx context.Context, p pair, from, to time.Time) (map[string][]types.MetricWindow, error) {
	if s.fetchTimeout <= 0 {
		return s.source.FetchWindows(ctx, p.cohort, []string{p.metric}, from, to)
	}

	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	byMetric, err := s.source.FetchWindows(fctx, p.cohort, []string{p.metric}, from, to)
	if err != nil && ctx.Err() == nil && stderrors.Is(fctx.Err(), context.DeadlineExceeded) {
		return nil, errors.NewTimeoutError("fetch windows").
			WithCause(err).
			WithDetail("timeout", s.fetchTimeout.String())
	}
	return byMetric, err
}

// evaluate runs one candidate through the guardrails and persists the
// anomaly when every gate passes
func (s *Scanner) evaluate(ctx context.Context, cfg DetectorConfig, c types.AnomalyCandidate) (*types.Anomaly, error) {
	k := cfg.Params.K
	n, err := s.guard.CheckPersistence(ctx, c.Cohort, c.Metric, c.Window.Start, c.Score, k)
	if err != nil {
		return nil, err
	}
	if c.Score < k {
		return nil, nil
	}

	raise, err := s.guard.ShouldRaise(ctx, c.Cohort, c.Metric, c.Window.Start, c.Score, k, cfg.Params.Persistence)
	if err != nil || !raise {
		return nil, err
	}

	state, err := s.guard.State(ctx, c.Cohort, c.Metric)
	if err != nil {
		return nil, err
	}
	c.Evidence = types.Floats(state.Evidence)

	now := s.clock.Now()
	anomaly := &types.Anomaly{
		ID:              uuid.New(),
		Cohort:          c.Cohort.Copy(),
		CohortKey:       c.Cohort.Key(),
		Metric:          c.Metric,
		Detector:        cfg.Name,
		WindowStart:     c.Window.Start,
		WindowEnd:       c.Window.End,
		Observed:        c.Observed,
		Expected:        c.Expected,
		Score:           c.Score,
		Severity:        Severity(c.Score, n),
		PersistedN:      n,
		Evidence:        c.Evidence,
		EntityDimension: cfg.EntityDimension,
		Status:          types.AnomalyStatusNew,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.CreateAnomaly(ctx, anomaly); err != nil {
		// the window stays eligible once the store recovers
		if rerr := s.guard.ReleaseRaise(context.WithoutCancel(ctx), c.Cohort, c.Metric, c.Window.Start); rerr != nil {
			s.logger.LogError(ctx, rerr, "Failed to release alert claim", logrus.Fields{
				"cohort": anomaly.CohortKey,
				"metric": c.Metric,
			})
		}
		return nil, errors.NewInternalError("failed to persist anomaly").WithCause(err)
	}

	s.metrics.RecordAnomaly(cfg.Name, c.Metric, string(anomaly.Severity))
	s.logger.LogScanEvent(ctx, "anomaly_raised", anomaly.CohortKey, c.Metric, logrus.Fields{
		"anomaly_id":  anomaly.ID.String(),
		"score":       anomaly.Score,
		"severity":    anomaly.Severity,
		"persisted_n": n,
	})
	return anomaly, nil
}

func (s *Scanner) failPair(ctx context.Context, cfg DetectorConfig, p pair, result *ScanResult, err error) {
	cohortKey := p.cohort.Key()
	result.addError(PairError{Cohort: cohortKey, Metric: p.metric, Err: err})
	s.metrics.RecordScanPair(cfg.Name, OutcomeError)
	s.metrics.RecordError("scanner", string(errors.GetType(err)))
	s.logger.LogError(ctx, err, "Scan pair failed", logrus.Fields{
		"detector": cfg.Name,
		"cohort":   cohortKey,
		"metric":   p.metric,
	})
}
