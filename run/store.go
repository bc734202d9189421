package run

import (
	"database/sql"
	"time"

	"github.com/nightwatchci/nightwatch/errors"
	"github.com/nightwatchci/nightwatch/logger"
)

// Store provides database operations for runs and step results
type Store struct {
	db *sql.DB
}

// NewStore creates a new run store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new run
func (s *Store) Create(r *Run) error {
	query := `
		INSERT INTO runs (id, pipeline_id, trigger_kind, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		r.ID, r.PipelineID, r.TriggerKind, r.Status,
		r.CreatedAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create run")
	}
	return nil
}

// Update persists changes to an existing run
func (s *Store) Update(r *Run) error {
	query := `
		UPDATE runs SET
			status = ?, commit_sha = ?, error_message = ?,
			started_at = ?, completed_at = ?, duration_ms = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.Exec(query,
		r.Status, nullableString(r.CommitSHA), nullableString(r.ErrorMessage),
		nullableTime(r.StartedAt), nullableTime(r.CompletedAt), r.DurationMS,
		time.Now().UTC().Format(time.RFC3339), r.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update run")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check update result")
	}
	if rows == 0 {
		return errors.NewNotFoundError("run %s not found", r.ID)
	}
	return nil
}

// Get retrieves a run by ID
func (s *Store) Get(id string) (*Run, error) {
	query := selectRunColumns + ` WHERE id = ?`
	r, err := scanRun(s.db.QueryRow(query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("run %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan run")
	}
	return r, nil
}

// ListRecent returns the most recent runs across all pipelines.
func (s *Store) ListRecent(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectRunColumns + ` ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent runs")
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListByPipeline returns the most recent runs for a single pipeline.
func (s *Store) ListByPipeline(pipelineID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectRunColumns + ` WHERE pipeline_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.Query(query, pipelineID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pipeline runs")
	}
	defer rows.Close()
	return scanRuns(rows)
}

// CancelActiveForPipeline marks all pending and running runs of a pipeline
// as cancelled and returns the affected run IDs. Used when a newer run
// supersedes in-flight ones.
func (s *Store) CancelActiveForPipeline(pipelineID, reason string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM runs WHERE pipeline_id = ? AND status IN ('pending', 'running')`,
		pipelineID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query active runs")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan run id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate active runs")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range ids {
		_, err := s.db.Exec(
			`UPDATE runs SET status = ?, error_message = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
			StatusCancelled, reason, now, now, id,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to cancel run %s", id)
		}
		logger.Infow("Run cancelled", "run_id", id, "pipeline_id", pipelineID, "reason", reason)
	}
	return ids, nil
}

// CreateStepResult persists the outcome of one step.
func (s *Store) CreateStepResult(sr *StepResult) error {
	query := `
		INSERT INTO step_results (run_id, ordinal, name, status, exit_code, duration_ms, log_tail, cache_hit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		sr.RunID, sr.Ordinal, sr.Name, sr.Status, sr.ExitCode,
		sr.DurationMS, sr.LogTail, sr.CacheHit,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create step result")
	}
	return nil
}

// DeleteStepResults removes a run's step results. A re-queued job re-runs
// the whole pipeline, so results from the interrupted attempt must not
// survive into the new one.
func (s *Store) DeleteStepResults(runID string) error {
	if _, err := s.db.Exec(`DELETE FROM step_results WHERE run_id = ?`, runID); err != nil {
		return errors.Wrapf(err, "failed to delete step results for run %s", runID)
	}
	return nil
}

// ListStepResults returns a run's step results ordered by ordinal.
func (s *Store) ListStepResults(runID string) ([]*StepResult, error) {
	query := `
		SELECT run_id, ordinal, name, status, exit_code, duration_ms, log_tail, cache_hit, created_at
		FROM step_results WHERE run_id = ? ORDER BY ordinal
	`
	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list step results")
	}
	defer rows.Close()

	var results []*StepResult
	for rows.Next() {
		var sr StepResult
		var createdAt string
		err := rows.Scan(&sr.RunID, &sr.Ordinal, &sr.Name, &sr.Status, &sr.ExitCode,
			&sr.DurationMS, &sr.LogTail, &sr.CacheHit, &createdAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan step result")
		}
		if sr.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to parse step result timestamp")
		}
		results = append(results, &sr)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate step results")
	}
	return results, nil
}

// DeleteOlderThan removes terminal runs (and their step results, via FK
// cascade) that completed before the cutoff. Returns the number deleted.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM runs WHERE status IN ('succeeded', 'failed', 'cancelled') AND completed_at < ?`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old runs")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count deleted runs")
	}
	return rows, nil
}

const selectRunColumns = `
	SELECT id, pipeline_id, trigger_kind, status, commit_sha, error_message,
	       started_at, completed_at, duration_ms, created_at, updated_at
	FROM runs
`

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var r Run
	var commitSHA, errorMessage, startedAt, completedAt sql.NullString
	var durationMS sql.NullInt64
	var createdAt, updatedAt string

	err := scan(
		&r.ID, &r.PipelineID, &r.TriggerKind, &r.Status, &commitSHA, &errorMessage,
		&startedAt, &completedAt, &durationMS, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if commitSHA.Valid {
		r.CommitSHA = commitSHA.String
	}
	if errorMessage.Valid {
		r.ErrorMessage = errorMessage.String
	}
	if durationMS.Valid {
		r.DurationMS = durationMS.Int64
	}
	if r.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse created_at")
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse updated_at")
	}
	return &r, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run row")
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate run rows")
	}
	return runs, nil
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
