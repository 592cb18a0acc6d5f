// Package migration creates the schema on startup so the service is usable
// out of the box for local and self-hosted environments.
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	billingdomain "github.com/smallbiznis/meterly/internal/billing/domain"
	operationdomain "github.com/smallbiznis/meterly/internal/operation/domain"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	userdomain "github.com/smallbiznis/meterly/internal/user/domain"
	dbpkg "github.com/smallbiznis/meterly/pkg/db"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Models lists every persisted table in dependency order.
func Models() []any {
	return []any{
		&userdomain.User{},
		&subscriptiondomain.Subscription{},
		&billingdomain.BillingRecord{},
		&operationdomain.Operation{},
	}
}

// Migrate applies the versioned SQL migrations on postgres and falls back
// to gorm AutoMigrate for sqlite and mysql.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}
	if dbpkg.Name(db) == dbpkg.Postgres {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("open sql handle: %w", err)
		}
		return RunMigrations(sqlDB)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// RunMigrations applies every pending embedded migration to a postgres
// database.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	src, err := newSource()
	if err != nil {
		return err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// migrator.Close would close the shared *sql.DB.

	return nil
}

func newSource() (source.Driver, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	return src, nil
}
