package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/anstrom/subwatch/internal/config"
	"github.com/anstrom/subwatch/internal/db"
	"github.com/anstrom/subwatch/internal/store"
)

// DatabaseOperation represents a function that operates on a database connection.
type DatabaseOperation func(ctx context.Context, cfg *config.Config, database *db.DB) error

// StoreOperation represents a function that operates on the engine store.
type StoreOperation func(ctx context.Context, cfg *config.Config, st store.Store) error

// withDatabase executes the given operation with a database connection.
// It handles all database setup and cleanup.
func withDatabase(ctx context.Context, operation DatabaseOperation) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}()

	return operation(ctx, cfg, database)
}

// withStore executes the given operation against the SQL store.
func withStore(ctx context.Context, operation StoreOperation) error {
	return withDatabase(ctx, func(ctx context.Context, cfg *config.Config, database *db.DB) error {
		return operation(ctx, cfg, db.NewStore(database))
	})
}
