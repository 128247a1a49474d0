package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/NikhilSetiya/cohort-sentinel/internal/querycontext"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/config"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// DB wraps the database connection with the driver it was opened with
type DB struct {
	*sqlx.DB
	driver string
	config *config.DatabaseConfig
}

// New connects using the configured driver
func New(cfg *config.Config) (*DB, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("database configuration is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return Connect(ctx, cfg.Database.Driver, cfg.DatabaseURL(), &cfg.Database)
}

// Connect opens and pings a connection. pool may be nil.
func Connect(ctx context.Context, driver, dsn string, pool *config.DatabaseConfig) (*DB, error) {
	switch driver {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unsupported database driver %q", driver))
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.NewInternalError("failed to open database").WithCause(err)
	}

	if pool == nil {
		pool = &config.DatabaseConfig{MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute}
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(10 * time.Minute)

	// a single writer avoids SQLITE_BUSY under concurrent scans
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewInternalError("failed to ping database").WithCause(err)
	}

	return &DB{DB: db, driver: driver, config: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.DB != nil {
		return db.DB.Close()
	}
	return nil
}

// Health checks the database connection health
func (db *DB) Health(ctx context.Context) error {
	if db.DB == nil {
		return errors.NewInternalError("database connection is nil")
	}

	if err := db.PingContext(ctx); err != nil {
		return errors.NewInternalError("database health check failed").WithCause(err)
	}

	return nil
}

// Driver returns the driver name the connection was opened with
func (db *DB) Driver() string {
	return db.driver
}

// Dialect returns the quoting dialect matching the driver
func (db *DB) Dialect() querycontext.Dialect {
	d, err := querycontext.ParseDialect(db.driver)
	if err != nil {
		return querycontext.DialectANSI
	}
	return d
}

// WithTransaction executes a function within a database transaction
func (db *DB) WithTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.NewInternalError("failed to begin transaction").WithCause(err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.NewInternalError("failed to rollback transaction").
				WithCause(fmt.Errorf("original error: %v, rollback error: %v", err, rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.NewInternalError("failed to commit transaction").WithCause(err)
	}

	return nil
}

// Stats returns database connection statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}
