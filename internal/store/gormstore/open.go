package gormstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverPostgres     = "postgres"
	DriverSQLite       = "sqlite"
	defaultSQLitePath  = "credits.db"
	sqliteBusyPragma   = "_pragma=busy_timeout(5000)"
	sqliteMemoryMarker = ":memory:"
)

// Database is an opened connection plus the driver it speaks.
type Database struct {
	DB     *gorm.DB
	Driver string
}

// Close releases the underlying pool.
func (database *Database) Close() error {
	sqlDB, err := database.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Open connects to postgres:// URLs or to a SQLite file (sqlite:// URL or bare path).
func Open(ctx context.Context, dsn string) (*Database, error) {
	driver, sqlitePath, err := ResolveDriver(dsn)
	if err != nil {
		return nil, err
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	switch driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(withBusyTimeout(sqlitePath)), cfg)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite serializes writers; one connection avoids SQLITE_BUSY under load.
		sqlDB.SetMaxOpenConns(1)
	}
	return &Database{DB: db.WithContext(ctx), Driver: driver}, nil
}

// PrepareSchema migrates SQLite databases. Postgres schemas are applied out of band.
func PrepareSchema(ctx context.Context, database *Database) error {
	if database.Driver != DriverSQLite {
		return nil
	}
	if err := New(database.DB).AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// ResolveDriver maps a DSN to a driver name and, for SQLite, a local path.
func ResolveDriver(dsn string) (string, string, error) {
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return DriverPostgres, "", nil
	}
	if strings.HasPrefix(trimmed, "sqlite://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLitePath
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return DriverSQLite, sqlitePath, err
	}
	if trimmed == "" {
		return "", "", fmt.Errorf("database url is required")
	}
	sqlitePath, err := normalizeSQLitePath(trimmed)
	return DriverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == sqliteMemoryMarker {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func withBusyTimeout(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + sqliteBusyPragma
	}
	return path + "?" + sqliteBusyPragma
}
