package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	// DriverSQLite3 is the cgo driver, registered only in cgo builds.
	DriverSQLite3 = "sqlite3"
)

// DBConfig holds configuration for the database connection.
type DBConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultDBConfig returns default configuration.
func DefaultDBConfig() *DBConfig {
	return &DBConfig{
		Driver:          DriverPostgres,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// IsSQLite reports whether driver is one of the sqlite drivers.
func IsSQLite(driver string) bool {
	return driver == DriverSQLite || driver == DriverSQLite3
}

// OpenDB opens and pings a database.
func OpenDB(config *DBConfig) (*sql.DB, error) {
	if config == nil {
		config = DefaultDBConfig()
	}
	if strings.TrimSpace(config.URL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	driver := config.Driver
	if driver == "" {
		driver = DriverPostgres
	}

	db, err := sql.Open(driver, config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if IsSQLite(driver) {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
