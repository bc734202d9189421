package commands

import (
	"database/sql"
	"fmt"

	"github.com/nightwatchci/nightwatch/config"
	"github.com/nightwatchci/nightwatch/db"
	"github.com/nightwatchci/nightwatch/errors"
	"github.com/nightwatchci/nightwatch/logger"
	"github.com/nightwatchci/nightwatch/pipeline"
)

// openDatabase loads configuration and opens the database with all
// migrations applied. pathOverride takes precedence over config.
func openDatabase(pathOverride string) (*sql.DB, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	path := pathOverride
	if path == "" {
		path = cfg.GetDatabasePath()
	}

	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return database, cfg, nil
}

// findPipeline resolves a pipeline by ID or by name.
func findPipeline(store *pipeline.Store, ref string) (*pipeline.Pipeline, error) {
	p, err := store.Get(ref)
	if err == nil {
		return p, nil
	}
	if !errors.IsNotFoundError(err) {
		return nil, err
	}

	p, err = store.GetByName(ref)
	if errors.IsNotFoundError(err) {
		return nil, errors.NewNotFoundError("no pipeline with ID or name %q", ref)
	}
	return p, err
}

// truncate shortens a string to maxLen characters for table display.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
