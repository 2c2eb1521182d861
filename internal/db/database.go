// Package db provides the SQL implementation of the subwatch store. It
// supports PostgreSQL through lib/pq and SQLite through modernc.org/sqlite,
// handles schema migrations and maps driver errors onto typed errors.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/anstrom/subwatch/internal/errors"
	"github.com/anstrom/subwatch/internal/logging"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know by name.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// sanitizeDBError converts raw database errors into safe, sanitized errors
// that don't expose internal SQL details or credentials to API clients.
// The original error is preserved in the Cause field for internal debugging.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var dbErr *errors.DatabaseError
	if stderrors.As(err, &dbErr) {
		return err
	}

	if stderrors.Is(err, sql.ErrNoRows) {
		dbErr = errors.NewDatabaseError(errors.CodeNotFound, "Resource not found")
	} else if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		dbErr = errors.NewDatabaseError(errors.CodeCanceled, "Database operation was canceled")
	} else if pqErr := (*pq.Error)(nil); stderrors.As(err, &pqErr) {
		dbErr = fromPostgres(pqErr, operation)
	} else if liteErr := (*sqlite.Error)(nil); stderrors.As(err, &liteErr) {
		dbErr = fromSQLite(liteErr, operation)
	} else {
		dbErr = errors.NewDatabaseError(errors.CodeDatabaseQuery, fmt.Sprintf("Database operation failed: %s", operation))
	}

	dbErr.Operation = operation
	dbErr.Cause = err
	return dbErr
}

func fromPostgres(pqErr *pq.Error, operation string) *errors.DatabaseError {
	switch pqErr.Code {
	case "23505": // unique_violation
		return errors.NewDatabaseError(errors.CodeConflict, "Resource already exists")
	case "23503": // foreign_key_violation
		return errors.NewDatabaseError(errors.CodeValidation, "Referenced resource does not exist")
	case "23502": // not_null_violation
		return errors.NewDatabaseError(errors.CodeValidation, "Required field is missing")
	case "23514": // check_violation
		return errors.NewDatabaseError(errors.CodeValidation, "Data validation failed")
	case "57014": // query_canceled
		return errors.NewDatabaseError(errors.CodeCanceled, "Database operation was canceled")
	case "57P01": // admin_shutdown
		return errors.NewDatabaseError(errors.CodeDatabaseConnection, "Database connection lost")
	}
	if strings.HasPrefix(string(pqErr.Code), "08") {
		return errors.NewDatabaseError(errors.CodeDatabaseConnection, "Database connection error")
	}
	return errors.NewDatabaseError(errors.CodeDatabaseQuery, fmt.Sprintf("Database operation failed: %s", operation))
}

func fromSQLite(liteErr *sqlite.Error, operation string) *errors.DatabaseError {
	switch liteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return errors.NewDatabaseError(errors.CodeConflict, "Resource already exists")
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return errors.NewDatabaseError(errors.CodeValidation, "Referenced resource does not exist")
	case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		return errors.NewDatabaseError(errors.CodeValidation, "Required field is missing")
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		return errors.NewDatabaseError(errors.CodeValidation, "Data validation failed")
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return errors.NewDatabaseError(errors.CodeDatabaseConnection, "Database is locked")
	}
	return errors.NewDatabaseError(errors.CodeDatabaseQuery, fmt.Sprintf("Database operation failed: %s", operation))
}

const (
	// Default database configuration values.
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5
	defaultConnMaxIdleTime = 5
)

// DB wraps sqlx.DB with the dialect it was opened with.
type DB struct {
	*sqlx.DB
}

// Dialect returns the driver name the connection was opened with.
func (db *DB) Dialect() string {
	return db.DriverName()
}

// Config holds database configuration.
type Config struct {
	Driver          string        `yaml:"driver" json:"driver"`
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	Path            string        `yaml:"path" json:"path"` // sqlite file
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration.
// Database name, username, and password must be explicitly configured.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverPostgres,
		Host:            "localhost",
		Port:            defaultPostgresPort,
		Database:        "", // Must be configured
		Username:        "", // Must be configured
		Password:        "", // Must be configured
		SSLMode:         "disable",
		Path:            "subwatch.db",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime * time.Minute,
		ConnMaxIdleTime: defaultConnMaxIdleTime * time.Minute,
	}
}

// dsn builds the driver connection string.
func (c *Config) dsn() (string, error) {
	switch c.Driver {
	case DriverPostgres, "":
		// lib/pq escapes values in key=value form
		return fmt.Sprintf(
			"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
		), nil
	case DriverSQLite:
		// _txlock=immediate takes the write lock at BEGIN, serializing
		// read-modify-write transactions across processes.
		return "file:" + c.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", nil
	default:
		return "", errors.ErrConfigInvalid("database.driver", c.Driver)
	}
}

// Connect opens and verifies a database connection.
// Returns sanitized errors that don't leak credentials or DSN details.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	dsn, err := config.dsn()
	if err != nil {
		return nil, err
	}
	driver := config.Driver
	if driver == "" {
		driver = DriverPostgres
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, errors.ErrDatabaseConnection(err)
	}

	if driver == DriverSQLite {
		// one writer at a time; the pool would only produce SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.ErrorDatabase("Failed to close database connection after ping failure", closeErr)
		}
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to verify database connection", err)
	}

	if driver == DriverSQLite {
		logging.InfoDatabase("Connected to database", "driver", driver, "path", config.Path)
	} else {
		logging.InfoDatabase("Connected to database",
			"driver", driver, "host", config.Host, "port", config.Port, "database", config.Database)
	}
	return &DB{DB: db}, nil
}
