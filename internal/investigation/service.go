// Package investigation owns the lifecycle of investigations opened from
// anomalies: entity extraction, tool dispatch through the resilience
// manager, drift rejection and risk scoring.
package investigation

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/NikhilSetiya/cohort-sentinel/internal/querycontext"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/clock"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/logging"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/metrics"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/resilience"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/tracing"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

// Store is the persistence the lifecycle needs
type Store interface {
	GetAnomaly(ctx context.Context, id uuid.UUID) (*types.Anomaly, error)
	UpdateAnomaly(ctx context.Context, anomaly *types.Anomaly) error
	CreateInvestigation(ctx context.Context, inv *types.Investigation) error
	GetInvestigation(ctx context.Context, id uuid.UUID) (*types.Investigation, error)
	UpdateInvestigation(ctx context.Context, inv *types.Investigation) error
	AppendFinding(ctx context.Context, finding *types.Finding) error
	GetFindings(ctx context.Context, investigationID uuid.UUID) ([]*types.Finding, error)
}

// StatusPublisher mirrors investigation status for pollers
type StatusPublisher interface {
	Publish(ctx context.Context, inv *types.Investigation) error
}

// Config controls the lifecycle
type Config struct {
	// MaxDuration caps a run; the investigation fails with partial findings when it elapses
	MaxDuration time.Duration
	// DateRangeDays is the query window handed to tools
	DateRangeDays int
	// RetryCount is passed to the resilience manager for every tool call
	RetryCount int
	// EntityDimension is used when the anomaly does not name one
	EntityDimension string
	// EntityTypes maps an entity dimension to the entity type given to tools
	EntityTypes map[string]string
}

// DefaultConfig returns the default lifecycle configuration
func DefaultConfig() *Config {
	return &Config{
		MaxDuration:     2 * time.Minute,
		DateRangeDays:   30,
		RetryCount:      2,
		EntityDimension: "merchant_id",
	}
}

// Service opens investigations and drives them to completion
type Service struct {
	store      Store
	resilience *resilience.Manager
	config     *Config
	publisher  StatusPublisher

	locks   [64]sync.Mutex
	mu      sync.Mutex
	running map[uuid.UUID]bool
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc

	clock   clock.Clock
	metrics *metrics.Metrics
	tracing *tracing.TracingService
	logger  *logging.Logger
}

// Option configures a Service
type Option func(*Service)

// WithPublisher mirrors every status change to p
func WithPublisher(p StatusPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithTracing(t *tracing.TracingService) Option {
	return func(s *Service) { s.tracing = t }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates the lifecycle service
func NewService(store Store, manager *resilience.Manager, config *Config, opts ...Option) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Service{
		store:      store,
		resilience: manager,
		config:     config,
		running:    make(map[uuid.UUID]bool),
		baseCtx:    baseCtx,
		cancel:     cancel,
		clock:      clock.Real(),
		tracing:    tracing.Global(),
		logger:     logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) lock(id uuid.UUID) func() {
	h := fnv.New32a()
	h.Write(id[:])
	mu := &s.locks[h.Sum32()%uint32(len(s.locks))]
	mu.Lock()
	return mu.Unlock
}

// Open returns the investigation of an anomaly, creating it in "pending" when
// the anomaly has none or its last one failed. Concurrent calls for the same
// anomaly yield the same investigation.
func (s *Service) Open(ctx context.Context, anomalyID uuid.UUID) (*types.Investigation, error) {
	unlock := s.lock(anomalyID)
	defer unlock()

	anomaly, err := s.store.GetAnomaly(ctx, anomalyID)
	if err != nil {
		return nil, err
	}

	if anomaly.InvestigationID != nil {
		existing, err := s.store.GetInvestigation(ctx, *anomaly.InvestigationID)
		switch {
		case err == nil && existing.Status != types.InvestigationStatusFailed:
			return existing, nil
		case err != nil && !errors.IsType(err, errors.ErrorTypeNotFound):
			return nil, err
		}
	}

	dimension := anomaly.EntityDimension
	if dimension == "" {
		dimension = s.config.EntityDimension
	}
	entityID := anomaly.Cohort[dimension]
	if dimension == "" || querycontext.Normalize(entityID) == "" {
		return nil, errors.NewEntityMissingError(dimension).WithDetail("anomaly_id", anomalyID.String())
	}

	entityType := dimension
	if t, ok := s.config.EntityTypes[dimension]; ok && t != "" {
		entityType = t
	}

	now := s.clock.Now()
	inv := &types.Investigation{
		ID:         uuid.New(),
		AnomalyID:  anomaly.ID,
		EntityID:   entityID,
		EntityType: entityType,
		Settings: types.InvestigationSettings{
			Metric:          anomaly.Metric,
			WindowStart:     anomaly.WindowStart,
			WindowEnd:       anomaly.WindowEnd,
			Score:           anomaly.Score,
			Severity:        anomaly.Severity,
			Evidence:        append([]float64(nil), anomaly.Evidence...),
			EntityDimension: dimension,
			DateRangeDays:   s.config.DateRangeDays,
		},
		Status:    types.InvestigationStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateInvestigation(ctx, inv); err != nil {
		return nil, errors.NewInternalError("failed to create investigation").WithCause(err)
	}

	anomaly.InvestigationID = &inv.ID
	anomaly.UpdatedAt = now
	if err := s.store.UpdateAnomaly(ctx, anomaly); err != nil {
		return nil, errors.NewInternalError("failed to link anomaly").WithCause(err)
	}

	s.publish(ctx, inv)
	s.metrics.RecordInvestigation(inv.Status, 0)
	s.logger.LogInvestigationEvent(ctx, "opened", inv.ID.String(), logrus.Fields{
		"anomaly_id":  anomalyID.String(),
		"entity_id":   entityID,
		"entity_type": entityType,
	})
	return inv, nil
}

// Acknowledge marks a new anomaly as seen by an operator
func (s *Service) Acknowledge(ctx context.Context, anomalyID uuid.UUID) (*types.Anomaly, error) {
	unlock := s.lock(anomalyID)
	defer unlock()

	anomaly, err := s.store.GetAnomaly(ctx, anomalyID)
	if err != nil {
		return nil, err
	}

	switch anomaly.Status {
	case types.AnomalyStatusAcknowledged:
		return anomaly, nil
	case types.AnomalyStatusNew:
	default:
		return nil, errors.NewConflictError("anomaly can no longer be acknowledged").
			WithDetail("status", anomaly.Status)
	}

	anomaly.Status = types.AnomalyStatusAcknowledged
	anomaly.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateAnomaly(ctx, anomaly); err != nil {
		return nil, err
	}
	return anomaly, nil
}

// Get returns the last persisted state of an investigation
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*types.Investigation, error) {
	return s.store.GetInvestigation(ctx, id)
}

// Findings returns the findings recorded for an investigation
func (s *Service) Findings(ctx context.Context, id uuid.UUID) ([]*types.Finding, error) {
	return s.store.GetFindings(ctx, id)
}

func (s *Service) claim(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return false
	}
	s.running[id] = true
	return true
}

func (s *Service) release(id uuid.UUID) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// Run dispatches tools for a pending investigation and records the outcome.
// A run that exceeds MaxDuration, or in which no tool produced a usable
// result, ends "failed" with whatever findings arrived. The returned error
// covers only problems that prevented the run from being recorded.
func (s *Service) Run(ctx context.Context, id uuid.UUID, tools []Tool) (*types.Investigation, error) {
	if len(tools) == 0 {
		return nil, errors.NewValidationError("at least one tool is required")
	}
	if !s.claim(id) {
		return nil, errors.NewConflictError("investigation is already running").WithDetail("investigation_id", id.String())
	}
	defer s.release(id)

	inv, err := s.store.GetInvestigation(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.IsTerminal() {
		return nil, errors.NewConflictError("investigation has already finished").
			WithDetail("investigation_id", id.String()).
			WithDetail("status", inv.Status)
	}

	qc, err := querycontext.New(inv.ID, inv.EntityID, inv.EntityType, inv.Settings.DateRangeDays, inv.CreatedAt,
		querycontext.WithClock(s.clock))
	if err != nil {
		return nil, err
	}

	ctx = logging.WithInvestigationID(ctx, inv.ID.String())
	ctx, span := s.tracing.StartSpan(ctx, "investigation.run",
		oteltrace.WithAttributes(
			attribute.String("investigation.id", inv.ID.String()),
			attribute.String("investigation.entity_type", inv.EntityType),
			attribute.Int("investigation.tools", len(tools)),
		),
	)
	defer span.End()
	ctx = tracing.WithTraceContext(ctx)

	start := s.clock.Now()
	if err := s.markRunning(ctx, inv, start); err != nil {
		return nil, err
	}

	outcome := s.dispatch(ctx, qc, tools)

	// the outcome is recorded even when ctx was cancelled
	persistCtx := context.WithoutCancel(ctx)
	now := s.clock.Now()
	inv.DriftCount = outcome.drift
	inv.CompletedAt = &now
	inv.UpdatedAt = now

	switch {
	case outcome.timedOut:
		inv.Status = types.InvestigationStatusFailed
		inv.Error = fmt.Sprintf("investigation exceeded max duration of %s", s.config.MaxDuration)
	case ctx.Err() != nil:
		inv.Status = types.InvestigationStatusFailed
		inv.Error = ctx.Err().Error()
	case outcome.succeeded == 0:
		inv.Status = types.InvestigationStatusFailed
		inv.Error = "no tool produced a usable result"
		if outcome.errs != nil {
			inv.Error = outcome.errs.Error()
		}
	default:
		inv.Status = types.InvestigationStatusCompleted
		if outcome.errs != nil {
			inv.Error = outcome.errs.Error()
		}
	}

	findings, err := s.store.GetFindings(persistCtx, inv.ID)
	if err != nil {
		return nil, err
	}
	inv.RiskScore = RiskScore(findings)

	if err := s.store.UpdateInvestigation(persistCtx, inv); err != nil {
		return nil, errors.NewInternalError("failed to record investigation outcome").WithCause(err)
	}
	if inv.Status == types.InvestigationStatusCompleted {
		s.setAnomalyStatus(persistCtx, inv.AnomalyID, types.AnomalyStatusResolved)
	}

	s.publish(persistCtx, inv)
	s.metrics.RecordInvestigation(inv.Status, now.Sub(start))
	span.SetAttributes(
		attribute.String("investigation.status", inv.Status),
		attribute.Float64("investigation.risk_score", inv.RiskScore),
		attribute.Int("investigation.drift_count", inv.DriftCount),
	)
	s.logger.LogInvestigationEvent(persistCtx, inv.Status, inv.ID.String(), logrus.Fields{
		"risk_score":  inv.RiskScore,
		"findings":    len(findings),
		"drift_count": inv.DriftCount,
		"duration":    now.Sub(start).String(),
	})
	return inv, nil
}

func (s *Service) markRunning(ctx context.Context, inv *types.Investigation, now time.Time) error {
	inv.Status = types.InvestigationStatusRunning
	inv.StartedAt = &now
	inv.UpdatedAt = now
	if err := s.store.UpdateInvestigation(ctx, inv); err != nil {
		return errors.NewInternalError("failed to start investigation").WithCause(err)
	}

	s.setAnomalyStatus(ctx, inv.AnomalyID, types.AnomalyStatusInvestigating)
	s.publish(ctx, inv)
	s.metrics.RecordInvestigation(inv.Status, 0)
	return nil
}

func (s *Service) setAnomalyStatus(ctx context.Context, anomalyID uuid.UUID, status string) {
	unlock := s.lock(anomalyID)
	defer unlock()

	anomaly, err := s.store.GetAnomaly(ctx, anomalyID)
	if err == nil && anomaly.Status != status {
		anomaly.Status = status
		anomaly.UpdatedAt = s.clock.Now()
		err = s.store.UpdateAnomaly(ctx, anomaly)
	}
	if err != nil {
		s.logger.LogError(ctx, err, "Failed to update anomaly status", logrus.Fields{
			"anomaly_id": anomalyID.String(),
			"status":     status,
		})
	}
}

type dispatchOutcome struct {
	succeeded int
	drift     int
	timedOut  bool
	errs      *multierror.Error
}

// dispatch runs every tool in parallel. Results are keyed by tool, never by
// arrival order, and a result about another entity is dropped.
func (s *Service) dispatch(ctx context.Context, qc *querycontext.QueryContext, tools []Tool) dispatchOutcome {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.config.MaxDuration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.config.MaxDuration)
	}
	defer cancel()

	var (
		mu        sync.Mutex
		errs      *multierror.Error
		succeeded uatomic.Int32
		drift     uatomic.Int32
	)
	fail := func(tool string, err error) {
		mu.Lock()
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", tool, err))
		mu.Unlock()
	}

	var g errgroup.Group
	for _, tool := range tools {
		tool := tool
		g.Go(func() error {
			tc := qc.ForTool(tool.Name())
			result, err := resilience.Do(runCtx, s.resilience, tool.Destination(), s.config.RetryCount,
				func(ctx context.Context) (*ToolResult, error) {
					return tool.Invoke(ctx, tc)
				})
			if err == nil && result == nil {
				err = errors.NewPermanentError(tool.Name(), "tool returned no result")
			}
			if err != nil {
				s.metrics.RecordToolCall(tool.Name(), "error")
				fail(tool.Name(), err)
				s.logger.LogInvestigationEvent(ctx, "tool_failed", qc.InvestigationID().String(), logrus.Fields{
					"tool":  tool.Name(),
					"error": err.Error(),
				})
				return nil
			}

			if err := qc.Validate(result.EntityID); err != nil {
				drift.Inc()
				s.metrics.RecordToolCall(tool.Name(), "drift")
				s.metrics.RecordEntityDrift(tool.Name())
				fail(tool.Name(), err)
				s.logger.LogInvestigationEvent(ctx, "entity_drift", qc.InvestigationID().String(), logrus.Fields{
					"tool":     tool.Name(),
					"expected": qc.EntityID(),
					"got":      result.EntityID,
				})
				return nil
			}

			if err := s.record(ctx, qc, tool.Name(), result); err != nil {
				s.metrics.RecordToolCall(tool.Name(), "error")
				fail(tool.Name(), err)
				return nil
			}
			succeeded.Inc()
			s.metrics.RecordToolCall(tool.Name(), "success")
			return nil
		})
	}
	_ = g.Wait()

	return dispatchOutcome{
		succeeded: int(succeeded.Load()),
		drift:     int(drift.Load()),
		timedOut:  runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil,
		errs:      errs,
	}
}

// record appends a tool's findings under the canonical entity
func (s *Service) record(ctx context.Context, qc *querycontext.QueryContext, tool string, result *ToolResult) error {
	ctx = context.WithoutCancel(ctx)
	for _, f := range result.Findings {
		finding := &types.Finding{
			ID:              uuid.New(),
			InvestigationID: qc.InvestigationID(),
			Tool:            tool,
			EntityID:        qc.EntityID(),
			Title:           f.Title,
			Description:     f.Description,
			Score:           f.Score,
			Data:            types.JSONMap(f.Data),
			CreatedAt:       s.clock.Now(),
		}
		if err := s.store.AppendFinding(ctx, finding); err != nil {
			return errors.NewInternalError("failed to append finding").WithCause(err)
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, inv *types.Investigation) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, inv); err != nil {
		s.logger.Warn("Failed to publish investigation status", "investigation_id", inv.ID.String(), "error", err)
	}
}

// Start runs the investigation in the background. The run outlives ctx and is
// bounded by MaxDuration and Stop.
func (s *Service) Start(ctx context.Context, id uuid.UUID, tools []Tool) error {
	select {
	case <-s.baseCtx.Done():
		return errors.NewConflictError("investigation service is stopped")
	default:
	}

	runCtx := logging.WithCorrelationID(s.baseCtx, logging.GetCorrelationID(ctx))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Run(runCtx, id, tools); err != nil {
			s.logger.LogError(runCtx, err, "Investigation run failed", logrus.Fields{
				"investigation_id": id.String(),
			})
		}
	}()
	return nil
}

// Investigate opens the anomaly's investigation and runs it to completion
// unless it is already running or finished
func (s *Service) Investigate(ctx context.Context, anomalyID uuid.UUID, tools []Tool) (*types.Investigation, error) {
	inv, err := s.Open(ctx, anomalyID)
	if err != nil {
		return nil, err
	}
	if inv.Status != types.InvestigationStatusPending {
		return inv, nil
	}
	return s.Run(ctx, inv.ID, tools)
}

// Stop waits for background runs. When ctx ends first the runs are cancelled
// and recorded as failed.
func (s *Service) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
