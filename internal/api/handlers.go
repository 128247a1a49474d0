package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NikhilSetiya/cohort-sentinel/internal/database"
	"github.com/NikhilSetiya/cohort-sentinel/internal/investigation"
	"github.com/NikhilSetiya/cohort-sentinel/internal/scanner"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/alerting"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/logging"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/resilience"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

const maxListLimit = 500

// AnomalyReader is the read side of anomaly persistence
type AnomalyReader interface {
	GetAnomaly(ctx context.Context, id uuid.UUID) (*types.Anomaly, error)
	ListAnomalies(ctx context.Context, filter *database.AnomalyFilter) ([]*types.Anomaly, error)
}

// Lifecycle is the investigation surface exposed to operators.
// *investigation.Service implements it.
type Lifecycle interface {
	Open(ctx context.Context, anomalyID uuid.UUID) (*types.Investigation, error)
	Start(ctx context.Context, id uuid.UUID, tools []investigation.Tool) error
	Acknowledge(ctx context.Context, anomalyID uuid.UUID) (*types.Anomaly, error)
	Get(ctx context.Context, id uuid.UUID) (*types.Investigation, error)
	Findings(ctx context.Context, id uuid.UUID) ([]*types.Finding, error)
}

// StatusReader serves investigation snapshots for polling.
// *cache.InvestigationCache implements it.
type StatusReader interface {
	Get(ctx context.Context, id uuid.UUID) (*types.Investigation, error)
}

// ScanRunner triggers one scheduling round. *scanner.Scheduler implements it.
type ScanRunner interface {
	RunOnce(ctx context.Context) []*scanner.ScanResult
}

// AlertReader lists firing alerts. *alerting.Service implements it.
type AlertReader interface {
	ActiveAlerts() []*alerting.Alert
}

// Handler serves the operator routes
type Handler struct {
	anomalies AnomalyReader
	lifecycle Lifecycle
	tools     []investigation.Tool
	manager   *resilience.Manager
	status    StatusReader
	scans     ScanRunner
	alerts    AlertReader
	logger    *logging.Logger
}

// Deps are the collaborators of the operator API. Status, Scans and Alerts
// are optional.
type Deps struct {
	Anomalies AnomalyReader
	Lifecycle Lifecycle
	Tools     []investigation.Tool
	Manager   *resilience.Manager
	Status    StatusReader
	Scans     ScanRunner
	Alerts    AlertReader
	Logger    *logging.Logger
}

// NewHandler creates the operator handler
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Handler{
		anomalies: deps.Anomalies,
		lifecycle: deps.Lifecycle,
		tools:     deps.Tools,
		manager:   deps.Manager,
		status:    deps.Status,
		scans:     deps.Scans,
		alerts:    deps.Alerts,
		logger:    logger,
	}
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		BadRequestResponse(c, "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// ListAnomalies handles GET /anomalies
func (h *Handler) ListAnomalies(c *gin.Context) {
	filter := &database.AnomalyFilter{
		Status:    c.Query("status"),
		Metric:    c.Query("metric"),
		Detector:  c.Query("detector"),
		CohortKey: c.Query("cohort_key"),
		Limit:     100,
	}

	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			BadRequestResponse(c, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = since
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > maxListLimit {
			BadRequestResponse(c, "limit must be between 1 and 500")
			return
		}
		filter.Limit = limit
	}

	anomalies, err := h.anomalies.ListAnomalies(c.Request.Context(), filter)
	if err != nil {
		AppErrorResponse(c, err)
		return
	}
	if anomalies == nil {
		anomalies = []*types.Anomaly{}
	}
	SuccessResponse(c, anomalies)
}

// GetAnomaly handles GET /anomalies/:id
func (h *Handler) GetAnomaly(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	anomaly, err := h.anomalies.GetAnomaly(c.Request.Context(), id)
	if err != nil {
		AppErrorResponse(c, err)
		return
	}
	SuccessResponse(c, anomaly)
}

// AcknowledgeAnomaly handles POST /anomalies/:id/acknowledge
func (h *Handler) AcknowledgeAnomaly(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	anomaly, err := h.lifecycle.Acknowledge(c.Request.Context(), id)
	if err != nil {
		AppErrorResponse(c, err)
		return
	}

	h.logger.Info("Anomaly acknowledged",
		"anomaly_id", id.String(),
		"operator", c.GetString("operator"),
	)
	SuccessResponse(c, anomaly)
}

// OpenInvestigation handles POST /anomalies/:id/investigations. A pending
// investigation is dispatched in the background; an existing running or
// completed one is returned as is.
func (h *Handler) OpenInvestigation(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	inv, err := h.lifecycle.Open(ctx, id)
	if err != nil {
		AppErrorResponse(c, err)
		return
	}

	if inv.Status != types.InvestigationStatusPending {
		SuccessResponse(c, inv)
		return
	}

	if err := h.lifecycle.Start(ctx, inv.ID, h.tools); err != nil {
		AppErrorResponse(c, err)
		return
	}

	h.logger.Info("Investigation dispatched",
		"anomaly_id", id.String(),
		"investigation_id", inv.ID.String(),
		"operator", c.GetString("operator"),
	)
	AcceptedResponse(c, inv)
}

// GetInvestigation handles GET /investigations/:id
func (h *Handler) GetInvestigation(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	inv, err := h.lifecycle.Get(c.Request.Context(), id)
	if err != nil {
		AppErrorResponse(c, err)
		return
	}
	SuccessResponse(c, inv)
}

// GetInvestigationStatus handles GET /investigations/:id/status. The cached
// snapshot is preferred; a miss falls back to the store.
func (h *Handler) GetInvestigationStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var inv *types.Investigation
	if h.status != nil {
		cached, err := h.status.Get(ctx, id)
		if err == nil {
			inv = cached
		}
	}
	if inv == nil {
		stored, err := h.lifecycle.Get(ctx, id)
		if err != nil {
			AppErrorResponse(c, err)
			return
		}
		inv = stored
	}

	SuccessResponse(c, gin.H{
		"id":           inv.ID,
		"status":       inv.Status,
		"risk_score":   inv.RiskScore,
		"drift_count":  inv.DriftCount,
		"error":        inv.Error,
		"completed_at": inv.CompletedAt,
	})
}

// GetFindings handles GET /investigations/:id/findings
func (h *Handler) GetFindings(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := h.lifecycle.Get(ctx, id); err != nil {
		AppErrorResponse(c, err)
		return
	}

	findings, err := h.lifecycle.Findings(ctx, id)
	if err != nil {
		AppErrorResponse(c, err)
		return
	}
	if findings == nil {
		findings = []*types.Finding{}
	}
	SuccessResponse(c, findings)
}

// ListDestinations handles GET /destinations
func (h *Handler) ListDestinations(c *gin.Context) {
	names := h.manager.Destinations()
	states := make([]resilience.State, 0, len(names))
	for _, name := range names {
		state, err := h.manager.State(name)
		if err != nil {
			continue
		}
		states = append(states, state)
	}
	SuccessResponse(c, states)
}

// GetDestination handles GET /destinations/:name
func (h *Handler) GetDestination(c *gin.Context) {
	state, err := h.manager.State(c.Param("name"))
	if err != nil {
		AppErrorResponse(c, err)
		return
	}
	SuccessResponse(c, state)
}

type scanSummary struct {
	Detector  string           `json:"detector"`
	Pairs     int              `json:"pairs"`
	Anomalies []*types.Anomaly `json:"anomalies"`
	Skipped   []scanner.Skip   `json:"skipped"`
	Errors    []string         `json:"errors"`
	Duration  string           `json:"duration"`
}

// RunScans handles POST /scans and runs every configured detector once
func (h *Handler) RunScans(c *gin.Context) {
	if h.scans == nil {
		ErrorResponse(c, http.StatusNotImplemented, "NOT_CONFIGURED", "no scan jobs are configured")
		return
	}

	results := h.scans.RunOnce(c.Request.Context())
	summaries := make([]scanSummary, 0, len(results))
	for _, r := range results {
		s := scanSummary{
			Detector:  r.Detector,
			Pairs:     r.Pairs,
			Anomalies: r.Anomalies,
			Skipped:   r.Skipped,
			Errors:    make([]string, 0, len(r.Errors)),
			Duration:  r.Duration.String(),
		}
		for _, e := range r.Errors {
			s.Errors = append(s.Errors, e.Error())
		}
		summaries = append(summaries, s)
	}

	h.logger.Info("Manual scan round completed",
		"detectors", len(summaries),
		"operator", c.GetString("operator"),
	)
	SuccessResponse(c, summaries)
}

// ListAlerts handles GET /alerts. Without alerting the list is empty.
func (h *Handler) ListAlerts(c *gin.Context) {
	if h.alerts == nil {
		SuccessResponse(c, []*alerting.Alert{})
		return
	}
	SuccessResponse(c, h.alerts.ActiveAlerts())
}
