package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

const anomalyColumns = `id, cohort, cohort_key, metric, detector, window_start, window_end,
	observed, expected, score, severity, persisted_n, evidence, entity_dimension,
	status, investigation_id, created_at, updated_at`

const investigationColumns = `id, anomaly_id, entity_id, entity_type, settings, status,
	risk_score, drift_count, error_message, started_at, completed_at, created_at, updated_at`

const findingColumns = `id, investigation_id, tool, entity_id, title, description, score, data, created_at`

// SQLRepository implements Repository on any of the supported drivers
type SQLRepository struct {
	db  *DB
	now func() time.Time
}

// NewSQLRepository creates a repository backed by db
func NewSQLRepository(db *DB) *SQLRepository {
	return &SQLRepository{db: db, now: time.Now}
}

// Health checks database connectivity
func (r *SQLRepository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// CreateAnomaly inserts an anomaly. A second anomaly for the same cohort,
// metric and window is a conflict.
func (r *SQLRepository) CreateAnomaly(ctx context.Context, anomaly *types.Anomaly) error {
	if anomaly.ID == uuid.Nil {
		anomaly.ID = uuid.New()
	}
	if anomaly.CohortKey == "" {
		anomaly.CohortKey = anomaly.Cohort.Key()
	}
	now := r.now().UTC()
	anomaly.CreatedAt = now
	anomaly.UpdatedAt = now
	anomaly.WindowStart = anomaly.WindowStart.UTC()
	anomaly.WindowEnd = anomaly.WindowEnd.UTC()

	query := `INSERT INTO anomalies (` + anomalyColumns + `)
		VALUES (:id, :cohort, :cohort_key, :metric, :detector, :window_start, :window_end,
			:observed, :expected, :score, :severity, :persisted_n, :evidence, :entity_dimension,
			:status, :investigation_id, :created_at, :updated_at)`

	if _, err := r.db.NamedExecContext(ctx, query, anomaly); err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("anomaly already recorded for window").
				WithDetail("cohort", anomaly.CohortKey).
				WithDetail("metric", anomaly.Metric)
		}
		return errors.NewInternalError("failed to create anomaly").WithCause(err)
	}

	return nil
}

// GetAnomaly retrieves an anomaly by ID
func (r *SQLRepository) GetAnomaly(ctx context.Context, id uuid.UUID) (*types.Anomaly, error) {
	var anomaly types.Anomaly
	query := r.db.Rebind(`SELECT ` + anomalyColumns + ` FROM anomalies WHERE id = ?`)

	if err := r.db.GetContext(ctx, &anomaly, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("anomaly")
		}
		return nil, errors.NewInternalError("failed to get anomaly").WithCause(err)
	}

	return &anomaly, nil
}

// UpdateAnomaly persists the mutable lifecycle fields
func (r *SQLRepository) UpdateAnomaly(ctx context.Context, anomaly *types.Anomaly) error {
	anomaly.UpdatedAt = r.now().UTC()

	query := `
		UPDATE anomalies
		SET status = :status, investigation_id = :investigation_id, updated_at = :updated_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, anomaly)
	if err != nil {
		return errors.NewInternalError("failed to update anomaly").WithCause(err)
	}

	return expectRow(result, "anomaly")
}

// ListAnomalies returns anomalies ordered by window, cohort and metric
func (r *SQLRepository) ListAnomalies(ctx context.Context, filter *AnomalyFilter) ([]*types.Anomaly, error) {
	var where []string
	var args []interface{}
	if filter != nil {
		if filter.Status != "" {
			where = append(where, "status = ?")
			args = append(args, filter.Status)
		}
		if filter.Metric != "" {
			where = append(where, "metric = ?")
			args = append(args, filter.Metric)
		}
		if filter.Detector != "" {
			where = append(where, "detector = ?")
			args = append(args, filter.Detector)
		}
		if filter.CohortKey != "" {
			where = append(where, "cohort_key = ?")
			args = append(args, filter.CohortKey)
		}
		if !filter.Since.IsZero() {
			where = append(where, "window_start >= ?")
			args = append(args, filter.Since.UTC())
		}
	}

	query := `SELECT ` + anomalyColumns + ` FROM anomalies`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY window_start, cohort_key, metric"
	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var anomalies []*types.Anomaly
	if err := r.db.SelectContext(ctx, &anomalies, r.db.Rebind(query), args...); err != nil {
		return nil, errors.NewInternalError("failed to list anomalies").WithCause(err)
	}

	return anomalies, nil
}

// CreateInvestigation inserts an investigation
func (r *SQLRepository) CreateInvestigation(ctx context.Context, inv *types.Investigation) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	now := r.now().UTC()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now

	query := `INSERT INTO investigations (` + investigationColumns + `)
		VALUES (:id, :anomaly_id, :entity_id, :entity_type, :settings, :status,
			:risk_score, :drift_count, :error_message, :started_at, :completed_at, :created_at, :updated_at)`

	if _, err := r.db.NamedExecContext(ctx, query, inv); err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("investigation already exists")
		}
		return errors.NewInternalError("failed to create investigation").WithCause(err)
	}

	return nil
}

// GetInvestigation retrieves an investigation by ID
func (r *SQLRepository) GetInvestigation(ctx context.Context, id uuid.UUID) (*types.Investigation, error) {
	var inv types.Investigation
	query := r.db.Rebind(`SELECT ` + investigationColumns + ` FROM investigations WHERE id = ?`)

	if err := r.db.GetContext(ctx, &inv, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("investigation")
		}
		return nil, errors.NewInternalError("failed to get investigation").WithCause(err)
	}

	return &inv, nil
}

// UpdateInvestigation persists status, score and timing
func (r *SQLRepository) UpdateInvestigation(ctx context.Context, inv *types.Investigation) error {
	inv.UpdatedAt = r.now().UTC()

	query := `
		UPDATE investigations
		SET status = :status, risk_score = :risk_score, drift_count = :drift_count,
			error_message = :error_message, started_at = :started_at,
			completed_at = :completed_at, updated_at = :updated_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, inv)
	if err != nil {
		return errors.NewInternalError("failed to update investigation").WithCause(err)
	}

	return expectRow(result, "investigation")
}

// AppendFinding records a finding against its investigation
func (r *SQLRepository) AppendFinding(ctx context.Context, finding *types.Finding) error {
	if finding.ID == uuid.Nil {
		finding.ID = uuid.New()
	}
	if finding.CreatedAt.IsZero() {
		finding.CreatedAt = r.now().UTC()
	}

	query := `INSERT INTO findings (` + findingColumns + `)
		VALUES (:id, :investigation_id, :tool, :entity_id, :title, :description, :score, :data, :created_at)`

	if _, err := r.db.NamedExecContext(ctx, query, finding); err != nil {
		return errors.NewInternalError("failed to append finding").WithCause(err)
	}

	return nil
}

// GetFindings returns an investigation's findings in the order recorded
func (r *SQLRepository) GetFindings(ctx context.Context, investigationID uuid.UUID) ([]*types.Finding, error) {
	var findings []*types.Finding
	query := r.db.Rebind(`SELECT ` + findingColumns + ` FROM findings
		WHERE investigation_id = ? ORDER BY created_at, id`)

	if err := r.db.SelectContext(ctx, &findings, query, investigationID); err != nil {
		return nil, errors.NewInternalError("failed to get findings").WithCause(err)
	}

	return findings, nil
}

func expectRow(result sql.Result, resource string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternalError("failed to get rows affected").WithCause(err)
	}
	if rowsAffected == 0 {
		return errors.NewNotFoundError(resource)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if stderrors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
