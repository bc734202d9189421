package pipeline

import (
	"context"
	"database/sql"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/nightwatchci/nightwatch/errors"
	"github.com/nightwatchci/nightwatch/logger"
)

// Store provides database operations for pipelines
type Store struct {
	db *sql.DB
}

// NewStore creates a new pipeline store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new pipeline
func (s *Store) Create(p *Pipeline) error {
	stepsJSON, err := MarshalSteps(p.Steps)
	if err != nil {
		return err
	}
	envJSON, err := MarshalEnv(p.Env)
	if err != nil {
		return err
	}
	cacheJSON, err := MarshalCache(p.Cache)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pipelines (
			id, name, repo_url, branch, schedule, steps, env, cache_config,
			step_timeout_seconds, state, next_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var nextRunAt sql.NullString
	if p.NextRunAt != nil {
		nextRunAt = sql.NullString{String: p.NextRunAt.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err = s.db.Exec(query,
		p.ID, p.Name, p.RepoURL, p.Branch, p.Schedule, stepsJSON, envJSON, cacheJSON,
		p.StepTimeoutSeconds, p.State, nextRunAt,
		p.CreatedAt.UTC().Format(time.RFC3339), p.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return errors.Wrapf(errors.ErrConflict, "pipeline name %q already exists", p.Name)
		}
		return errors.Wrap(err, "failed to create pipeline")
	}

	logger.Debugw("Pipeline created", "pipeline_id", p.ID, "name", p.Name, "schedule", p.Schedule)
	return nil
}

// Update persists changes to an existing pipeline
func (s *Store) Update(p *Pipeline) error {
	stepsJSON, err := MarshalSteps(p.Steps)
	if err != nil {
		return err
	}
	envJSON, err := MarshalEnv(p.Env)
	if err != nil {
		return err
	}
	cacheJSON, err := MarshalCache(p.Cache)
	if err != nil {
		return err
	}

	query := `
		UPDATE pipelines SET
			name = ?, repo_url = ?, branch = ?, schedule = ?, steps = ?, env = ?,
			cache_config = ?, step_timeout_seconds = ?, state = ?, next_run_at = ?,
			last_run_at = ?, last_run_id = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		p.Name, p.RepoURL, p.Branch, p.Schedule, stepsJSON, envJSON,
		cacheJSON, p.StepTimeoutSeconds, p.State, nullableTime(p.NextRunAt),
		nullableTime(p.LastRunAt), nullableString(p.LastRunID),
		time.Now().UTC().Format(time.RFC3339), p.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update pipeline")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check update result")
	}
	if rows == 0 {
		return errors.NewNotFoundError("pipeline %s not found", p.ID)
	}
	return nil
}

// Get retrieves a pipeline by ID
func (s *Store) Get(id string) (*Pipeline, error) {
	query := selectColumns + ` WHERE id = ?`
	return s.scanOne(s.db.QueryRow(query, id), id)
}

// GetByName retrieves a pipeline by its unique name
func (s *Store) GetByName(name string) (*Pipeline, error) {
	query := selectColumns + ` WHERE name = ? AND state != 'deleted'`
	return s.scanOne(s.db.QueryRow(query, name), name)
}

// List returns all pipelines that are not deleted, ordered by name
func (s *Store) List() ([]*Pipeline, error) {
	query := selectColumns + ` WHERE state != 'deleted' ORDER BY name`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pipelines")
	}
	defer rows.Close()
	return s.scanRows(rows)
}

// ListDue returns active pipelines whose next_run_at is at or before now,
// ordered oldest first so the most overdue pipeline launches first.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Pipeline, error) {
	query := selectColumns + `
		WHERE state = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due pipelines")
	}
	defer rows.Close()
	return s.scanRows(rows)
}

// UpdateAfterLaunch records a launched run and advances next_run_at.
func (s *Store) UpdateAfterLaunch(id, runID string, launchedAt, nextRunAt time.Time) error {
	query := `
		UPDATE pipelines SET
			last_run_at = ?, last_run_id = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.Exec(query,
		launchedAt.UTC().Format(time.RFC3339), runID,
		nextRunAt.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record pipeline launch")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check launch update result")
	}
	if rows == 0 {
		return errors.NewNotFoundError("pipeline %s not found", id)
	}
	return nil
}

// UpdateState transitions a pipeline between active, paused, and deleted.
// Pausing clears next_run_at; resuming recomputes it from the schedule.
func (s *Store) UpdateState(id, state string) error {
	p, err := s.Get(id)
	if err != nil {
		return err
	}

	var nextRunAt sql.NullString
	if state == StateActive {
		sched, err := ParseSchedule(p.Schedule)
		if err != nil {
			return err
		}
		nextRunAt = sql.NullString{String: sched.Next(time.Now()).UTC().Format(time.RFC3339), Valid: true}
	}

	query := `UPDATE pipelines SET state = ?, next_run_at = ?, updated_at = ? WHERE id = ?`
	_, err = s.db.Exec(query, state, nextRunAt, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrap(err, "failed to update pipeline state")
	}

	logger.Infow("Pipeline state changed", "pipeline_id", id, "name", p.Name, "state", state)
	return nil
}

const selectColumns = `
	SELECT id, name, repo_url, branch, schedule, steps, env, cache_config,
	       step_timeout_seconds, state, next_run_at, last_run_at, last_run_id,
	       created_at, updated_at
	FROM pipelines
`

func (s *Store) scanOne(row *sql.Row, ref string) (*Pipeline, error) {
	p, err := scanPipeline(row.Scan)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("pipeline %s not found", ref)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan pipeline")
	}
	return p, nil
}

func (s *Store) scanRows(rows *sql.Rows) ([]*Pipeline, error) {
	var pipelines []*Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan pipeline row")
		}
		pipelines = append(pipelines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate pipeline rows")
	}
	return pipelines, nil
}

func scanPipeline(scan func(dest ...any) error) (*Pipeline, error) {
	var p Pipeline
	var stepsJSON, envJSON, cacheJSON string
	var nextRunAt, lastRunAt, lastRunID sql.NullString
	var createdAt, updatedAt string

	err := scan(
		&p.ID, &p.Name, &p.RepoURL, &p.Branch, &p.Schedule,
		&stepsJSON, &envJSON, &cacheJSON,
		&p.StepTimeoutSeconds, &p.State, &nextRunAt, &lastRunAt, &lastRunID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if p.Steps, err = UnmarshalSteps(stepsJSON); err != nil {
		return nil, err
	}
	if p.Env, err = UnmarshalEnv(envJSON); err != nil {
		return nil, err
	}
	if p.Cache, err = UnmarshalCache(cacheJSON); err != nil {
		return nil, err
	}

	if p.NextRunAt, err = parseNullableTime(nextRunAt); err != nil {
		return nil, err
	}
	if p.LastRunAt, err = parseNullableTime(lastRunAt); err != nil {
		return nil, err
	}
	if lastRunID.Valid {
		p.LastRunID = lastRunID.String
	}

	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse created_at")
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse updated_at")
	}

	return &p, nil
}

func parseNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse timestamp")
	}
	return &t, nil
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
