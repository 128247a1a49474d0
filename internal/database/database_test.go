package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/cohort-sentinel/internal/querycontext"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/config"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func newSQLiteDB(t *testing.T) *DB {
	t.Helper()

	cfg := &config.Config{Database: config.DatabaseConfig{
		Driver: "sqlite",
		Name:   filepath.Join(t.TempDir(), "sentinel.db"),
	}}
	dsn := cfg.SQLiteDSN()

	m, err := NewMigrator("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, m.Up())
	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
	m.Close()

	db, err := Connect(context.Background(), "sqlite", dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(context.Background(), "oracle", "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestDB_SQLite(t *testing.T) {
	db := newSQLiteDB(t)

	assert.NoError(t, db.Health(context.Background()))
	assert.Equal(t, "sqlite", db.Driver())
	assert.Equal(t, querycontext.DialectANSI, db.Dialect())
	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
}

func TestMigrator_UpIsIdempotentAndDownDrops(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{
		Driver: "sqlite",
		Name:   filepath.Join(t.TempDir(), "migrate.db"),
	}}

	m, err := NewMigrator("sqlite", cfg.SQLiteDSN())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Up())
	require.NoError(t, m.Up())
	require.NoError(t, m.Down())

	version, _, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
}

func TestMigrator_UnsupportedDriver(t *testing.T) {
	_, err := NewMigrator("oracle", "whatever")
	assert.Error(t, err)
}

func TestWithTransaction_RollsBack(t *testing.T) {
	db := newSQLiteDB(t)
	ctx := context.Background()

	boom := errors.NewInternalError("boom")
	err := db.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO metric_windows (cohort_key, cohort, metric, window_start, window_end, value)
			VALUES ('k', '{}', 'm', ?, ?, 1)`, t0, t0.Add(time.Hour))
		require.NoError(t, err)
		return boom
	})
	assert.Equal(t, boom, err)

	var n int
	require.NoError(t, db.GetContext(ctx, &n, `SELECT COUNT(*) FROM metric_windows`))
	assert.Equal(t, 0, n)
}

type repoFactory func(t *testing.T) Repository

func repositories() map[string]repoFactory {
	return map[string]repoFactory{
		"memory": func(t *testing.T) Repository { return NewMemoryRepository() },
		"sqlite": func(t *testing.T) Repository { return NewSQLRepository(newSQLiteDB(t)) },
	}
}

func newAnomaly(cohort types.Cohort, metric string, window int) *types.Anomaly {
	start := t0.Add(time.Duration(window) * time.Hour)
	return &types.Anomaly{
		Cohort:          cohort,
		CohortKey:       cohort.Key(),
		Metric:          metric,
		Detector:        "zscore",
		WindowStart:     start,
		WindowEnd:       start.Add(time.Hour),
		Observed:        40,
		Expected:        10,
		Score:           3.2,
		Severity:        types.SeverityHigh,
		PersistedN:      3,
		Evidence:        types.Floats{2.5, 2.9, 3.2},
		EntityDimension: "merchant_id",
		Status:          types.AnomalyStatusNew,
	}
}

func TestRepository_Anomalies(t *testing.T) {
	for name, factory := range repositories() {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()
			cohort := types.Cohort{"merchant_id": "m-1", "geo": "US"}

			a := newAnomaly(cohort, "refund_rate", 7)
			require.NoError(t, repo.CreateAnomaly(ctx, a))
			assert.NotEqual(t, uuid.Nil, a.ID)

			got, err := repo.GetAnomaly(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, cohort, got.Cohort)
			assert.Equal(t, "geo=US,merchant_id=m-1", got.CohortKey)
			assert.True(t, got.WindowStart.Equal(a.WindowStart))
			assert.Equal(t, types.Floats{2.5, 2.9, 3.2}, got.Evidence)
			assert.Equal(t, types.SeverityHigh, got.Severity)
			assert.Nil(t, got.InvestigationID)

			err = repo.CreateAnomaly(ctx, newAnomaly(cohort, "refund_rate", 7))
			assert.True(t, errors.IsType(err, errors.ErrorTypeConflict), "duplicate window: %v", err)

			invID := uuid.New()
			got.Status = types.AnomalyStatusInvestigating
			got.InvestigationID = &invID
			require.NoError(t, repo.UpdateAnomaly(ctx, got))

			reread, err := repo.GetAnomaly(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, types.AnomalyStatusInvestigating, reread.Status)
			require.NotNil(t, reread.InvestigationID)
			assert.Equal(t, invID, *reread.InvestigationID)

			_, err = repo.GetAnomaly(ctx, uuid.New())
			assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

			missing := newAnomaly(cohort, "refund_rate", 99)
			missing.ID = uuid.New()
			err = repo.UpdateAnomaly(ctx, missing)
			assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
		})
	}
}

func TestRepository_ListAnomalies(t *testing.T) {
	for name, factory := range repositories() {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()

			m1 := types.Cohort{"merchant_id": "m-1"}
			m2 := types.Cohort{"merchant_id": "m-2"}
			require.NoError(t, repo.CreateAnomaly(ctx, newAnomaly(m2, "refund_rate", 3)))
			require.NoError(t, repo.CreateAnomaly(ctx, newAnomaly(m1, "refund_rate", 3)))
			require.NoError(t, repo.CreateAnomaly(ctx, newAnomaly(m1, "chargebacks", 1)))
			resolved := newAnomaly(m1, "refund_rate", 5)
			resolved.Status = types.AnomalyStatusResolved
			require.NoError(t, repo.CreateAnomaly(ctx, resolved))

			all, err := repo.ListAnomalies(ctx, nil)
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, "chargebacks", all[0].Metric)
			assert.Equal(t, "merchant_id=m-1", all[1].CohortKey)
			assert.Equal(t, "merchant_id=m-2", all[2].CohortKey)

			open, err := repo.ListAnomalies(ctx, &AnomalyFilter{Status: types.AnomalyStatusNew, Metric: "refund_rate"})
			require.NoError(t, err)
			assert.Len(t, open, 2)

			recent, err := repo.ListAnomalies(ctx, &AnomalyFilter{Since: t0.Add(3 * time.Hour), Limit: 2})
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.True(t, recent[0].WindowStart.Equal(t0.Add(3*time.Hour)))

			byCohort, err := repo.ListAnomalies(ctx, &AnomalyFilter{CohortKey: "merchant_id=m-2", Detector: "zscore"})
			require.NoError(t, err)
			assert.Len(t, byCohort, 1)
		})
	}
}

func TestRepository_InvestigationsAndFindings(t *testing.T) {
	for name, factory := range repositories() {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()

			a := newAnomaly(types.Cohort{"merchant_id": "m-1"}, "refund_rate", 7)
			require.NoError(t, repo.CreateAnomaly(ctx, a))

			inv := &types.Investigation{
				AnomalyID:  a.ID,
				EntityID:   "m-1",
				EntityType: "merchant",
				Status:     types.InvestigationStatusPending,
				Settings: types.InvestigationSettings{
					Metric:          "refund_rate",
					WindowStart:     a.WindowStart,
					WindowEnd:       a.WindowEnd,
					Score:           3.2,
					Severity:        types.SeverityHigh,
					Evidence:        []float64{2.5, 2.9, 3.2},
					EntityDimension: "merchant_id",
					DateRangeDays:   30,
				},
			}
			require.NoError(t, repo.CreateInvestigation(ctx, inv))

			got, err := repo.GetInvestigation(ctx, inv.ID)
			require.NoError(t, err)
			assert.Equal(t, "m-1", got.EntityID)
			assert.Equal(t, 30, got.Settings.DateRangeDays)
			assert.Equal(t, []float64{2.5, 2.9, 3.2}, got.Settings.Evidence)
			assert.Nil(t, got.StartedAt)

			started := t0.Add(8 * time.Hour)
			completed := started.Add(time.Minute)
			got.Status = types.InvestigationStatusCompleted
			got.RiskScore = 0.75
			got.DriftCount = 1
			got.Error = "partial"
			got.StartedAt = &started
			got.CompletedAt = &completed
			require.NoError(t, repo.UpdateInvestigation(ctx, got))

			reread, err := repo.GetInvestigation(ctx, inv.ID)
			require.NoError(t, err)
			assert.Equal(t, types.InvestigationStatusCompleted, reread.Status)
			assert.InDelta(t, 0.75, reread.RiskScore, 1e-9)
			assert.Equal(t, 1, reread.DriftCount)
			assert.Equal(t, "partial", reread.Error)
			require.NotNil(t, reread.CompletedAt)
			assert.True(t, reread.CompletedAt.Equal(completed))

			for i, title := range []string{"first", "second"} {
				require.NoError(t, repo.AppendFinding(ctx, &types.Finding{
					InvestigationID: inv.ID,
					Tool:            "history",
					EntityID:        "m-1",
					Title:           title,
					Score:           0.5,
					Data:            types.JSONMap{"rank": float64(i)},
					CreatedAt:       t0.Add(time.Duration(i) * time.Second),
				}))
			}

			findings, err := repo.GetFindings(ctx, inv.ID)
			require.NoError(t, err)
			require.Len(t, findings, 2)
			assert.Equal(t, "first", findings[0].Title)
			assert.Equal(t, "second", findings[1].Title)
			assert.Equal(t, float64(1), findings[1].Data["rank"])

			none, err := repo.GetFindings(ctx, uuid.New())
			require.NoError(t, err)
			assert.Empty(t, none)

			_, err = repo.GetInvestigation(ctx, uuid.New())
			assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
		})
	}
}

type windowSource interface {
	WindowWriter
	FetchWindows(ctx context.Context, filter types.Cohort, metrics []string, from, to time.Time) (map[string][]types.MetricWindow, error)
	ListCohorts(ctx context.Context, dims []string, filter types.Cohort) ([]types.Cohort, error)
}

func TestDataSources(t *testing.T) {
	sources := map[string]func(t *testing.T) windowSource{
		"memory": func(t *testing.T) windowSource {
			return NewMemoryDataSource()
		},
		"sqlite": func(t *testing.T) windowSource {
			return NewSQLDataSource(newSQLiteDB(t))
		},
	}

	hourly := func(values ...float64) []types.MetricWindow {
		out := make([]types.MetricWindow, len(values))
		for i, v := range values {
			start := t0.Add(time.Duration(i) * time.Hour)
			out[i] = types.MetricWindow{Start: start, End: start.Add(time.Hour), Value: v}
		}
		return out
	}

	for name, factory := range sources {
		t.Run(name, func(t *testing.T) {
			src := factory(t)
			ctx := context.Background()

			us := types.Cohort{"merchant_id": "m-1", "geo": "US"}
			eu := types.Cohort{"merchant_id": "m-2", "geo": "EU"}
			require.NoError(t, src.WriteWindows(ctx, us, "refund_rate", hourly(1, 2, 3, 4)))
			require.NoError(t, src.WriteWindows(ctx, us, "chargebacks", hourly(9)))
			require.NoError(t, src.WriteWindows(ctx, eu, "refund_rate", hourly(5, 6)))

			// rewrite of window 1 replaces the value
			require.NoError(t, src.WriteWindows(ctx, us, "refund_rate", []types.MetricWindow{
				{Start: t0.Add(time.Hour), End: t0.Add(2 * time.Hour), Value: 20},
			}))

			got, err := src.FetchWindows(ctx, types.Cohort{"geo": "US", "merchant_id": "m-1"},
				[]string{"refund_rate", "chargebacks"}, t0.Add(time.Hour), t0.Add(3*time.Hour))
			require.NoError(t, err)
			require.Len(t, got["refund_rate"], 2)
			assert.Equal(t, 20.0, got["refund_rate"][0].Value)
			assert.Equal(t, 3.0, got["refund_rate"][1].Value)
			assert.True(t, got["refund_rate"][0].Start.Equal(t0.Add(time.Hour)))
			assert.Empty(t, got["chargebacks"])

			cohorts, err := src.ListCohorts(ctx, []string{"merchant_id", "geo"}, types.Cohort{})
			require.NoError(t, err)
			require.Len(t, cohorts, 2)
			assert.Equal(t, eu, cohorts[0])
			assert.Equal(t, us, cohorts[1])

			filtered, err := src.ListCohorts(ctx, []string{"merchant_id"}, types.Cohort{"geo": "EU"})
			require.NoError(t, err)
			assert.Equal(t, []types.Cohort{eu}, filtered)

			none, err := src.ListCohorts(ctx, []string{"channel"}, types.Cohort{})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}
