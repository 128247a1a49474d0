package database

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

// Repository is the persistence surface used by the scanner and the
// investigation service
type Repository interface {
	// Health checks database connectivity
	Health(ctx context.Context) error

	// Anomaly operations
	CreateAnomaly(ctx context.Context, anomaly *types.Anomaly) error
	GetAnomaly(ctx context.Context, id uuid.UUID) (*types.Anomaly, error)
	UpdateAnomaly(ctx context.Context, anomaly *types.Anomaly) error
	ListAnomalies(ctx context.Context, filter *AnomalyFilter) ([]*types.Anomaly, error)

	// Investigation operations
	CreateInvestigation(ctx context.Context, inv *types.Investigation) error
	GetInvestigation(ctx context.Context, id uuid.UUID) (*types.Investigation, error)
	UpdateInvestigation(ctx context.Context, inv *types.Investigation) error

	// Finding operations
	AppendFinding(ctx context.Context, finding *types.Finding) error
	GetFindings(ctx context.Context, investigationID uuid.UUID) ([]*types.Finding, error)
}

// AnomalyFilter narrows ListAnomalies. Zero fields match everything.
type AnomalyFilter struct {
	Status    string    `json:"status,omitempty"`
	Metric    string    `json:"metric,omitempty"`
	Detector  string    `json:"detector,omitempty"`
	CohortKey string    `json:"cohort_key,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

func (f *AnomalyFilter) matches(a *types.Anomaly) bool {
	if f == nil {
		return true
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Metric != "" && a.Metric != f.Metric {
		return false
	}
	if f.Detector != "" && a.Detector != f.Detector {
		return false
	}
	if f.CohortKey != "" && a.CohortKey != f.CohortKey {
		return false
	}
	if !f.Since.IsZero() && a.WindowStart.Before(f.Since) {
		return false
	}
	return true
}

// WindowWriter loads metric history into a data source
type WindowWriter interface {
	WriteWindows(ctx context.Context, cohort types.Cohort, metric string, windows []types.MetricWindow) error
}
