package database

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
)

//go:embed migrations
var migrations embed.FS

// Migrator handles database migrations. Each driver has its own schema
// directory under migrations/.
type Migrator struct {
	migrate *migrate.Migrate
	db      *sql.DB
}

// NewMigrator opens a dedicated connection for running migrations
func NewMigrator(driver, dsn string) (*Migrator, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.NewInternalError("failed to open database connection").WithCause(err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.NewInternalError("failed to ping database").WithCause(err)
	}

	var instance migratedb.Driver
	switch driver {
	case "postgres":
		instance, err = postgres.WithInstance(db, &postgres.Config{})
	case "mysql":
		instance, err = mysql.WithInstance(db, &mysql.Config{})
	case "sqlite":
		instance, err = sqlite.WithInstance(db, &sqlite.Config{})
	default:
		db.Close()
		return nil, errors.NewValidationError(fmt.Sprintf("unsupported database driver %q", driver))
	}
	if err != nil {
		db.Close()
		return nil, errors.NewInternalError("failed to create migration driver").WithCause(err)
	}

	source, err := iofs.New(migrations, "migrations/"+driver)
	if err != nil {
		db.Close()
		return nil, errors.NewInternalError("failed to load embedded migrations").WithCause(err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driver, instance)
	if err != nil {
		db.Close()
		return nil, errors.NewInternalError("failed to create migrate instance").WithCause(err)
	}

	return &Migrator{
		migrate: m,
		db:      db,
	}, nil
}

// Close closes the migrator and its connection
func (m *Migrator) Close() error {
	var err error
	if m.migrate != nil {
		if sourceErr, dbErr := m.migrate.Close(); sourceErr != nil || dbErr != nil {
			err = fmt.Errorf("source error: %v, db error: %v", sourceErr, dbErr)
		}
	}
	if m.db != nil {
		// the migration driver may already have closed it
		if dbErr := m.db.Close(); dbErr != nil && err == nil {
			err = dbErr
		}
	}
	return err
}

// Up runs all available migrations
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil {
		if err == migrate.ErrNoChange {
			return nil
		}
		return errors.NewInternalError("failed to run migrations").WithCause(err)
	}
	return nil
}

// Down rolls back all migrations
func (m *Migrator) Down() error {
	if err := m.migrate.Down(); err != nil {
		if err == migrate.ErrNoChange {
			return nil
		}
		return errors.NewInternalError("failed to rollback migrations").WithCause(err)
	}
	return nil
}

// Steps runs n migrations up (positive) or down (negative)
func (m *Migrator) Steps(n int) error {
	if err := m.migrate.Steps(n); err != nil {
		if err == migrate.ErrNoChange {
			return nil
		}
		return errors.NewInternalError("failed to run migration steps").WithCause(err)
	}
	return nil
}

// Version returns the current migration version
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if err != nil {
		if err == migrate.ErrNilVersion {
			return 0, false, nil
		}
		return 0, false, errors.NewInternalError("failed to get migration version").WithCause(err)
	}
	return version, dirty, nil
}

// Force sets the migration version without running migrations
func (m *Migrator) Force(version int) error {
	if err := m.migrate.Force(version); err != nil {
		return errors.NewInternalError("failed to force migration version").WithCause(err)
	}
	return nil
}

// Drop removes every table in the database, including the version table
func (m *Migrator) Drop() error {
	if err := m.migrate.Drop(); err != nil {
		return errors.NewInternalError("failed to drop database schema").WithCause(err)
	}
	return nil
}
