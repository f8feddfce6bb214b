package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/easelhq/easel/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    status        TEXT NOT NULL,
    mode          TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    request       TEXT NOT NULL,
    ack_id        TEXT NOT NULL,
    result_id     TEXT NOT NULL DEFAULT '',
    parent_id     TEXT NOT NULL DEFAULT '',
    worker_id     TEXT NOT NULL DEFAULT '',
    artifacts     TEXT NOT NULL DEFAULT '',
    failure_kind  TEXT NOT NULL DEFAULT '',
    error         TEXT NOT NULL DEFAULT '',
    guidance      TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER,
    created_at    DATETIME NOT NULL,
    dispatched_at DATETIME,
    started_at    DATETIME,
    finished_at   DATETIME
)`

const createPreferencesTable = `
CREATE TABLE IF NOT EXISTS preferences (
    user_id    TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      TEXT NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (user_id, key)
)`

// migrations run in order at open. Each statement is idempotent.
var migrations = []string{
	createJobsTable,
	createPreferencesTable,
	`CREATE INDEX IF NOT EXISTS idx_jobs_ack_id ON jobs (ack_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_result_id ON jobs (result_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON jobs (user_id, status)`,
}

const jobColumns = `id, status, mode, user_id, request, ack_id, result_id,
	parent_id, worker_id, artifacts, failure_kind, error, guidance,
	duration_ms, created_at, dispatched_at, started_at, finished_at`

// ErrNotFound is returned when a job or preference is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	request, err := json.Marshal(j.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	artifacts, err := encodeArtifacts(j.Artifacts)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Status, j.Mode, j.UserID, string(request), j.AckID, j.ResultID,
		j.ParentID, j.WorkerID, artifacts, j.FailureKind, j.Error, j.Guidance,
		j.DurationMS, j.CreatedAt, j.DispatchedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetJobByCorrelation resolves either correlation handle, the acknowledgement
// id or the bound result id, to its job. When several jobs share a handle the
// newest wins.
func (s *SQLiteStore) GetJobByCorrelation(ctx context.Context, correlationID string) (*model.Job, error) {
	if correlationID == "" {
		return nil, ErrNotFound
	}
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE ack_id = ? OR (result_id != '' AND result_id = ?)
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		correlationID, correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by correlation: %w", err)
	}
	return j, nil
}

// ListJobs returns a filtered, paginated list of jobs ordered newest first,
// along with the total count matching the filter.
func (s *SQLiteStore) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where := ""
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// ListQueuedJobs returns every queued job in submission order, oldest first.
// The dispatcher rebuilds its queue from this at startup.
func (s *SQLiteStore) ListQueuedJobs(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ?
		ORDER BY created_at ASC, id ASC`, model.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued jobs: %w", err)
	}
	return jobs, nil
}

// MarkDispatched transitions a queued job to dispatched and records the
// assigned worker.
func (s *SQLiteStore) MarkDispatched(ctx context.Context, id, workerID string) error {
	return s.transition(ctx, id, model.StatusDispatched, func(tx *sql.Tx, started *time.Time) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, worker_id = ?, dispatched_at = ? WHERE id = ?",
			model.StatusDispatched, workerID, time.Now().UTC(), id)
		return err
	})
}

// UpdateJobStatus transitions a job to the given status. Running sets
// started_at; terminal statuses set finished_at and the duration when the
// job had started.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status string) error {
	return s.transition(ctx, id, status, func(tx *sql.Tx, started *time.Time) error {
		now := time.Now().UTC()
		switch {
		case status == model.StatusRunning:
			_, err := tx.ExecContext(ctx,
				"UPDATE jobs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
			return err
		case model.TerminalStatus(status):
			_, err := tx.ExecContext(ctx,
				"UPDATE jobs SET status = ?, finished_at = ?, duration_ms = ? WHERE id = ?",
				status, now, durationMS(started, now), id)
			return err
		default:
			_, err := tx.ExecContext(ctx,
				"UPDATE jobs SET status = ? WHERE id = ?", status, id)
			return err
		}
	})
}

// FinishJob transitions a job to a terminal status and records its outcome.
func (s *SQLiteStore) FinishJob(ctx context.Context, id string, term Terminal) error {
	if !model.TerminalStatus(term.Status) {
		return ErrInvalidTransition
	}
	artifacts, err := encodeArtifacts(term.Artifacts)
	if err != nil {
		return err
	}
	return s.transition(ctx, id, term.Status, func(tx *sql.Tx, started *time.Time) error {
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, artifacts = ?, failure_kind = ?,
				error = ?, guidance = ?, finished_at = ?, duration_ms = ?
			WHERE id = ?`,
			term.Status, artifacts, term.FailureKind, term.Error, term.Guidance,
			now, durationMS(started, now), id)
		return err
	})
}

// BindResultID attaches the front-end's result correlation id to a job.
// Rebinding with the same id is a no-op; a different id is a conflict.
func (s *SQLiteStore) BindResultID(ctx context.Context, id, resultID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT result_id FROM jobs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read result id: %w", err)
	}
	if current == resultID {
		return tx.Commit()
	}
	if current != "" {
		return ErrResultBound
	}
	if _, err := tx.ExecContext(ctx, "UPDATE jobs SET result_id = ? WHERE id = ?", resultID, id); err != nil {
		return fmt.Errorf("bind result id: %w", err)
	}
	return tx.Commit()
}

// FailInterrupted marks every dispatched or running job as failed. Called
// once at startup: such jobs were in flight when the previous process died
// and their outcome is unknown.
func (s *SQLiteStore) FailInterrupted(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, failure_kind = ?, error = ?, finished_at = ?
		WHERE status IN (?, ?)`,
		model.StatusFailed, model.FailureInterrupted, "interrupted by service restart",
		time.Now().UTC(), model.StatusDispatched, model.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// GetJobStats returns aggregate job statistics.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &JobStats{
		CountByStatus: make(map[string]int),
		CountByMode:   make(map[string]int),
	}

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	if err := countGroups(ctx, tx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := countGroups(ctx, tx, "mode", stats.CountByMode); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM jobs WHERE duration_ms IS NOT NULL").Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// PruneJobs deletes terminal jobs that finished before the cutoff and
// returns how many were removed.
func (s *SQLiteStore) PruneJobs(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?, ?) AND finished_at < ?`,
		model.StatusSucceeded, model.StatusFailed, model.StatusCancelled, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// GetPreferences returns every stored preference for a user, decoded from
// its canonical JSON encoding. Users without preferences get an empty map.
func (s *SQLiteStore) GetPreferences(ctx context.Context, userID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM preferences WHERE user_id = ? ORDER BY key", userID)
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	defer rows.Close()

	prefs := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("decode preference %s: %w", key, err)
		}
		prefs[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preferences: %w", err)
	}
	return prefs, nil
}

// SetPreference stores one preference value, JSON-encoded, replacing any
// previous value for the key.
func (s *SQLiteStore) SetPreference(ctx context.Context, userID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode preference %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO preferences (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}

// DeletePreference removes one stored preference.
func (s *SQLiteStore) DeletePreference(ctx context.Context, userID, key string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM preferences WHERE user_id = ? AND key = ?", userID, key)
	if err != nil {
		return fmt.Errorf("delete preference: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// transition loads the job's current status inside a transaction, validates
// the move, and runs the update. The current started_at is handed to the
// update for duration computation.
func (s *SQLiteStore) transition(ctx context.Context, id, to string, update func(tx *sql.Tx, started *time.Time) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	var started *time.Time
	err = tx.QueryRowContext(ctx, "SELECT status, started_at FROM jobs WHERE id = ?", id).Scan(&current, &started)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	if !model.ValidTransition(current, to) {
		return ErrInvalidTransition
	}
	if err := update(tx, started); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	j := &model.Job{}
	var request, artifacts string
	err := row.Scan(
		&j.ID, &j.Status, &j.Mode, &j.UserID, &request, &j.AckID, &j.ResultID,
		&j.ParentID, &j.WorkerID, &artifacts, &j.FailureKind, &j.Error, &j.Guidance,
		&j.DurationMS, &j.CreatedAt, &j.DispatchedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(request), &j.Request); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if artifacts != "" {
		if err := json.Unmarshal([]byte(artifacts), &j.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	return j, nil
}

func encodeArtifacts(artifacts []string) (string, error) {
	if len(artifacts) == 0 {
		return "", nil
	}
	b, err := json.Marshal(artifacts)
	if err != nil {
		return "", fmt.Errorf("encode artifacts: %w", err)
	}
	return string(b), nil
}

func durationMS(started *time.Time, now time.Time) *int {
	if started == nil {
		return nil
	}
	ms := int(now.Sub(*started).Milliseconds())
	return &ms
}

func countGroups(ctx context.Context, tx *sql.Tx, column string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM jobs GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}
