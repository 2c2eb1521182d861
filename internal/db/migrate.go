package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/anstrom/subwatch/internal/errors"
	"github.com/anstrom/subwatch/internal/logging"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// Migration represents an applied database migration.
type Migration struct {
	ID        int       `db:"id"`
	Name      string    `db:"name"`
	AppliedAt time.Time `db:"applied_at"`
	Checksum  string    `db:"checksum"`
}

// MigrationStatus describes one migration file and whether it was applied.
type MigrationStatus struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
	// Modified is set when the file no longer matches the recorded checksum.
	Modified bool
}

var migrationsTableDDL = map[string]string{
	DriverPostgres: `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`,
	DriverSQLite: `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			checksum TEXT NOT NULL
		)`,
}

// Migrator applies the embedded migrations for the connection's dialect.
type Migrator struct {
	db  *DB
	dir string
	fs  fs.FS
}

// NewMigrator creates a new migrator instance.
func NewMigrator(db *DB) *Migrator {
	return &Migrator{db: db, dir: path.Join("migrations", db.Dialect()), fs: migrationFiles}
}

// ensureMigrationsTable creates the migrations tracking table if it doesn't exist.
func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	ddl, ok := migrationsTableDDL[m.db.Dialect()]
	if !ok {
		return errors.NewDatabaseError(errors.CodeDatabaseMigration,
			fmt.Sprintf("no migrations for driver %s", m.db.Dialect()))
	}
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration, "failed to create migrations table", err)
	}
	return nil
}

// getAppliedMigrations returns already applied migrations keyed by name.
func (m *Migrator) getAppliedMigrations(ctx context.Context) (map[string]Migration, error) {
	var migrations []Migration
	query := `SELECT id, name, applied_at, checksum FROM schema_migrations ORDER BY id`

	if err := m.db.SelectContext(ctx, &migrations, query); err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseMigration, "failed to get applied migrations", err)
	}

	applied := make(map[string]Migration, len(migrations))
	for _, migration := range migrations {
		applied[migration.Name] = migration
	}
	return applied, nil
}

// getMigrationFiles returns the dialect's migration files in apply order.
func (m *Migrator) getMigrationFiles() ([]string, error) {
	var files []string

	err := fs.WalkDir(m.fs, m.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".sql") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseMigration, "failed to read migration files", err)
	}

	sort.Strings(files)
	return files, nil
}

func migrationName(file string) string {
	return strings.TrimSuffix(path.Base(file), ".sql")
}

// calculateChecksum calculates a SHA-256 checksum for migration content.
func calculateChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// executeMigration runs one migration file and records it in the same transaction.
func (m *Migrator) executeMigration(ctx context.Context, file string) error {
	content, err := fs.ReadFile(m.fs, file)
	if err != nil {
		return fmt.Errorf("failed to read migration file %s: %w", file, err)
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", file, err)
	}

	insert := tx.Rebind(`INSERT INTO schema_migrations (name, checksum) VALUES (?, ?)`)
	if _, err := tx.ExecContext(ctx, insert, migrationName(file), calculateChecksum(content)); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", file, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", file, err)
	}
	return nil
}

// Up runs all pending migrations and returns how many were applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	files, err := m.getMigrationFiles()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, file := range files {
		name := migrationName(file)
		if _, exists := applied[name]; exists {
			continue
		}

		logging.InfoDatabase("Applying migration", "migration", name)
		if err := m.executeMigration(ctx, file); err != nil {
			return count, errors.WrapDatabaseError(errors.CodeDatabaseMigration,
				fmt.Sprintf("migration %s failed", name), err)
		}
		count++
	}

	return count, nil
}

// Status reports every known migration and whether it has been applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	files, err := m.getMigrationFiles()
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(files))
	for _, file := range files {
		st := MigrationStatus{Name: migrationName(file)}
		if migration, ok := applied[st.Name]; ok {
			st.Applied = true
			st.AppliedAt = migration.AppliedAt
			content, err := fs.ReadFile(m.fs, file)
			if err == nil {
				st.Modified = calculateChecksum(content) != migration.Checksum
			}
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// ConnectAndMigrate connects to the database and applies pending migrations.
func ConnectAndMigrate(ctx context.Context, config *Config) (*DB, error) {
	db, err := Connect(ctx, config)
	if err != nil {
		return nil, err
	}

	if _, err := NewMigrator(db).Up(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
