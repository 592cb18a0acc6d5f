package db

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/smallbiznis/meterly/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	Postgres = "postgres"
	MySQL    = "mysql"
	SQLite   = "sqlite"
)

var ErrUnsupportedDialect = errors.New("unsupported_database_type")

// Dialect builds the gorm dialector for cfg.DBType. Every DSN pins the
// session to UTC since period bounds are compared as timestamps.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	switch normalize(cfg.DBType) {
	case MySQL:
		return mysql.Open(dsn), nil
	case Postgres:
		return postgres.Open(dsn), nil
	default:
		return sqlite.Open(dsn), nil
	}
}

// DSN renders the connection string for the configured database.
func DSN(cfg config.Config) (string, error) {
	switch normalize(cfg.DBType) {
	case Postgres:
		sslMode := cfg.DBSSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, sslMode,
		), nil
	case MySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser, url.QueryEscape(cfg.DBPassword), cfg.DBHost, cfg.DBPort, cfg.DBName,
		), nil
	case SQLite:
		if strings.TrimSpace(cfg.DBPath) == "" {
			return "", fmt.Errorf("%w: sqlite requires DATABASE_PATH", ErrUnsupportedDialect)
		}
		sep := "?"
		if strings.Contains(cfg.DBPath, "?") {
			sep = "&"
		}
		// glebarez/sqlite applies _pragma parameters on every new connection
		return cfg.DBPath + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDialect, cfg.DBType)
	}
}

// Name reports the dialect of an open handle.
func Name(db *gorm.DB) string {
	if db == nil || db.Dialector == nil {
		return ""
	}
	return db.Dialector.Name()
}

// LockingClause returns the row-lock suffix for SELECT statements that run
// inside a transaction. SQLite serializes writers and has no FOR UPDATE.
func LockingClause(db *gorm.DB) string {
	switch Name(db) {
	case Postgres, MySQL:
		return " FOR UPDATE"
	default:
		return ""
	}
}

func normalize(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}
