package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

// MemoryRepository is an in-process Repository for single-node runs and
// tests. Values are copied on the way in and out.
type MemoryRepository struct {
	mu             sync.RWMutex
	anomalies      map[uuid.UUID]*types.Anomaly
	windows        map[string]uuid.UUID
	investigations map[uuid.UUID]*types.Investigation
	findings       map[uuid.UUID][]*types.Finding
	now            func() time.Time
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		anomalies:      make(map[uuid.UUID]*types.Anomaly),
		windows:        make(map[string]uuid.UUID),
		investigations: make(map[uuid.UUID]*types.Investigation),
		findings:       make(map[uuid.UUID][]*types.Finding),
		now:            time.Now,
	}
}

// Health always succeeds
func (r *MemoryRepository) Health(ctx context.Context) error {
	return nil
}

func windowKey(a *types.Anomaly) string {
	return a.CohortKey + "|" + a.Metric + "|" + a.WindowStart.UTC().Format(time.RFC3339Nano)
}

// CreateAnomaly stores a copy of anomaly
func (r *MemoryRepository) CreateAnomaly(ctx context.Context, anomaly *types.Anomaly) error {
	if anomaly.ID == uuid.Nil {
		anomaly.ID = uuid.New()
	}
	if anomaly.CohortKey == "" {
		anomaly.CohortKey = anomaly.Cohort.Key()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := windowKey(anomaly)
	if _, ok := r.windows[key]; ok {
		return errors.NewConflictError("anomaly already recorded for window").
			WithDetail("cohort", anomaly.CohortKey).
			WithDetail("metric", anomaly.Metric)
	}

	now := r.now()
	anomaly.CreatedAt = now
	anomaly.UpdatedAt = now
	r.anomalies[anomaly.ID] = copyAnomaly(anomaly)
	r.windows[key] = anomaly.ID
	return nil
}

// GetAnomaly returns a copy of the stored anomaly
func (r *MemoryRepository) GetAnomaly(ctx context.Context, id uuid.UUID) (*types.Anomaly, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.anomalies[id]
	if !ok {
		return nil, errors.NewNotFoundError("anomaly")
	}
	return copyAnomaly(a), nil
}

// UpdateAnomaly replaces the mutable lifecycle fields
func (r *MemoryRepository) UpdateAnomaly(ctx context.Context, anomaly *types.Anomaly) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.anomalies[anomaly.ID]
	if !ok {
		return errors.NewNotFoundError("anomaly")
	}
	anomaly.UpdatedAt = r.now()
	stored.Status = anomaly.Status
	stored.InvestigationID = copyUUID(anomaly.InvestigationID)
	stored.UpdatedAt = anomaly.UpdatedAt
	return nil
}

// ListAnomalies returns anomalies ordered by window, cohort and metric
func (r *MemoryRepository) ListAnomalies(ctx context.Context, filter *AnomalyFilter) ([]*types.Anomaly, error) {
	r.mu.RLock()
	var out []*types.Anomaly
	for _, a := range r.anomalies {
		if filter.matches(a) {
			out = append(out, copyAnomaly(a))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].WindowStart.Equal(out[j].WindowStart) {
			return out[i].WindowStart.Before(out[j].WindowStart)
		}
		if out[i].CohortKey != out[j].CohortKey {
			return out[i].CohortKey < out[j].CohortKey
		}
		return out[i].Metric < out[j].Metric
	})

	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CreateInvestigation stores a copy of inv
func (r *MemoryRepository) CreateInvestigation(ctx context.Context, inv *types.Investigation) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.investigations[inv.ID]; ok {
		return errors.NewConflictError("investigation already exists")
	}
	if _, ok := r.anomalies[inv.AnomalyID]; !ok {
		return errors.NewNotFoundError("anomaly")
	}

	now := r.now()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now
	r.investigations[inv.ID] = copyInvestigation(inv)
	return nil
}

// GetInvestigation returns a copy of the stored investigation
func (r *MemoryRepository) GetInvestigation(ctx context.Context, id uuid.UUID) (*types.Investigation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, ok := r.investigations[id]
	if !ok {
		return nil, errors.NewNotFoundError("investigation")
	}
	return copyInvestigation(inv), nil
}

// UpdateInvestigation replaces the stored investigation
func (r *MemoryRepository) UpdateInvestigation(ctx context.Context, inv *types.Investigation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.investigations[inv.ID]; !ok {
		return errors.NewNotFoundError("investigation")
	}
	inv.UpdatedAt = r.now()
	r.investigations[inv.ID] = copyInvestigation(inv)
	return nil
}

// AppendFinding records a copy of finding
func (r *MemoryRepository) AppendFinding(ctx context.Context, finding *types.Finding) error {
	if finding.ID == uuid.Nil {
		finding.ID = uuid.New()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.investigations[finding.InvestigationID]; !ok {
		return errors.NewNotFoundError("investigation")
	}
	if finding.CreatedAt.IsZero() {
		finding.CreatedAt = r.now()
	}
	f := *finding
	f.Data = copyMap(finding.Data)
	r.findings[finding.InvestigationID] = append(r.findings[finding.InvestigationID], &f)
	return nil
}

// GetFindings returns copies of an investigation's findings in the order recorded
func (r *MemoryRepository) GetFindings(ctx context.Context, investigationID uuid.UUID) ([]*types.Finding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.findings[investigationID]
	out := make([]*types.Finding, len(stored))
	for i, f := range stored {
		c := *f
		c.Data = copyMap(f.Data)
		out[i] = &c
	}
	return out, nil
}

func copyAnomaly(a *types.Anomaly) *types.Anomaly {
	c := *a
	c.Cohort = a.Cohort.Copy()
	c.Evidence = append(types.Floats(nil), a.Evidence...)
	c.InvestigationID = copyUUID(a.InvestigationID)
	return &c
}

func copyInvestigation(inv *types.Investigation) *types.Investigation {
	c := *inv
	c.Settings.Evidence = append([]float64(nil), inv.Settings.Evidence...)
	c.StartedAt = copyTime(inv.StartedAt)
	c.CompletedAt = copyTime(inv.CompletedAt)
	return &c
}

func copyUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyMap(m types.JSONMap) types.JSONMap {
	if m == nil {
		return nil
	}
	c := make(types.JSONMap, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// MemoryDataSource holds metric history in process. It implements the
// scanner's data source and cohort lister.
type MemoryDataSource struct {
	mu      sync.RWMutex
	cohorts map[string]types.Cohort
	series  map[string]map[string][]types.MetricWindow
}

// NewMemoryDataSource creates an empty data source
func NewMemoryDataSource() *MemoryDataSource {
	return &MemoryDataSource{
		cohorts: make(map[string]types.Cohort),
		series:  make(map[string]map[string][]types.MetricWindow),
	}
}

// WriteWindows merges windows into the cohort's metric history. A window
// with an existing start replaces the stored one.
func (s *MemoryDataSource) WriteWindows(ctx context.Context, cohort types.Cohort, metric string, windows []types.MetricWindow) error {
	key := cohort.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cohorts[key] = cohort.Copy()
	if s.series[key] == nil {
		s.series[key] = make(map[string][]types.MetricWindow)
	}

	existing := s.series[key][metric]
	for _, w := range windows {
		replaced := false
		for i := range existing {
			if existing[i].Start.Equal(w.Start) {
				existing[i] = w
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, w)
		}
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].Start.Before(existing[j].Start) })
	s.series[key][metric] = existing
	return nil
}

// FetchWindows returns windows starting in [from, to) keyed by metric
func (s *MemoryDataSource) FetchWindows(ctx context.Context, filter types.Cohort, metrics []string, from, to time.Time) (map[string][]types.MetricWindow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]types.MetricWindow, len(metrics))
	for _, metric := range metrics {
		for _, w := range s.series[filter.Key()][metric] {
			if !w.Start.Before(from) && w.Start.Before(to) {
				out[metric] = append(out[metric], w)
			}
		}
	}
	return out, nil
}

// ListCohorts returns stored cohorts that carry every dimension in dims and
// agree with filter
func (s *MemoryDataSource) ListCohorts(ctx context.Context, dims []string, filter types.Cohort) ([]types.Cohort, error) {
	s.mu.RLock()
	stored := make([]types.Cohort, 0, len(s.cohorts))
	for _, c := range s.cohorts {
		stored = append(stored, c)
	}
	s.mu.RUnlock()

	return selectCohorts(stored, dims, filter), nil
}
