package database

import (
	"context"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

// SQLDataSource reads metric history from the metric_windows table.
// Cohorts are stored with exactly the dimensions they are scanned by, so
// FetchWindows matches the canonical cohort key.
type SQLDataSource struct {
	db *DB
}

// NewSQLDataSource creates a data source backed by db
func NewSQLDataSource(db *DB) *SQLDataSource {
	return &SQLDataSource{db: db}
}

type windowRow struct {
	Metric string `db:"metric"`
	types.MetricWindow
}

// FetchWindows returns windows starting in [from, to) keyed by metric
func (s *SQLDataSource) FetchWindows(ctx context.Context, filter types.Cohort, metrics []string, from, to time.Time) (map[string][]types.MetricWindow, error) {
	out := make(map[string][]types.MetricWindow, len(metrics))
	if len(metrics) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`
		SELECT metric, window_start, window_end, value
		FROM metric_windows
		WHERE cohort_key = ? AND metric IN (?) AND window_start >= ? AND window_start < ?
		ORDER BY metric, window_start`,
		filter.Key(), metrics, from.UTC(), to.UTC())
	if err != nil {
		return nil, errors.NewInternalError("failed to build window query").WithCause(err)
	}

	var rows []windowRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.NewExternalError("metric store", "failed to fetch windows").WithCause(err)
	}

	for _, row := range rows {
		out[row.Metric] = append(out[row.Metric], row.MetricWindow)
	}
	return out, nil
}

// ListCohorts returns stored cohorts that carry every dimension in dims and
// agree with filter
func (s *SQLDataSource) ListCohorts(ctx context.Context, dims []string, filter types.Cohort) ([]types.Cohort, error) {
	var stored []types.Cohort
	if err := s.db.SelectContext(ctx, &stored, `SELECT DISTINCT cohort FROM metric_windows`); err != nil {
		return nil, errors.NewExternalError("metric store", "failed to list cohorts").WithCause(err)
	}
	return selectCohorts(stored, dims, filter), nil
}

// WriteWindows upserts windows for one cohort and metric
func (s *SQLDataSource) WriteWindows(ctx context.Context, cohort types.Cohort, metric string, windows []types.MetricWindow) error {
	var conflict string
	switch s.db.Driver() {
	case "mysql":
		conflict = ` ON DUPLICATE KEY UPDATE window_end = VALUES(window_end), value = VALUES(value)`
	default:
		conflict = ` ON CONFLICT (cohort_key, metric, window_start)
			DO UPDATE SET window_end = excluded.window_end, value = excluded.value`
	}
	query := s.db.Rebind(`INSERT INTO metric_windows (cohort_key, cohort, metric, window_start, window_end, value)
		VALUES (?, ?, ?, ?, ?, ?)` + conflict)

	key := cohort.Key()
	return s.db.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		for _, w := range windows {
			if _, err := tx.ExecContext(ctx, query, key, cohort, metric, w.Start.UTC(), w.End.UTC(), w.Value); err != nil {
				return errors.NewInternalError("failed to write window").WithCause(err)
			}
		}
		return nil
	})
}

func selectCohorts(stored []types.Cohort, dims []string, filter types.Cohort) []types.Cohort {
	seen := make(map[string]bool)
	var out []types.Cohort
	for _, c := range stored {
		if !c.Matches(filter) || !hasDims(c, dims) {
			continue
		}
		if key := c.Key(); !seen[key] {
			seen[key] = true
			out = append(out, c.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func hasDims(c types.Cohort, dims []string) bool {
	for _, dim := range dims {
		if _, ok := c[dim]; !ok {
			return false
		}
	}
	return true
}
