package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/cauldron/internal/model"

	_ "modernc.org/sqlite"
)

const createExperimentsTable = `
CREATE TABLE IF NOT EXISTS experiments (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    status            TEXT NOT NULL,
    created_by        TEXT NOT NULL,
    config            TEXT NOT NULL,
    error             TEXT NOT NULL DEFAULT '',
    total_runs        INTEGER,
    successful_runs   INTEGER,
    failed_runs       INTEGER,
    avg_duration_ms   REAL,
    total_duration_ms INTEGER,
    backend_stats     TEXT,
    created_at        DATETIME NOT NULL,
    started_at        DATETIME,
    completed_at      DATETIME
)`

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id              TEXT PRIMARY KEY,
    experiment_id   TEXT NOT NULL REFERENCES experiments(id),
    position        INTEGER NOT NULL,
    backend         TEXT NOT NULL,
    model           TEXT NOT NULL,
    test_case_index INTEGER NOT NULL,
    test_case       TEXT NOT NULL,
    status          TEXT NOT NULL,
    started_at      DATETIME,
    completed_at    DATETIME,
    duration_ms     INTEGER,
    response_text   TEXT NOT NULL DEFAULT '',
    usage           TEXT,
    metadata        TEXT,
    error           TEXT NOT NULL DEFAULT ''
)`

const createRunsIndex = `CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment_id, position)`

const experimentColumns = `id, status, created_by, config, error,
	total_runs, successful_runs, failed_runs, avg_duration_ms, total_duration_ms, backend_stats,
	created_at, started_at, completed_at`

// ErrNotFound is returned when an experiment is not found.
var ErrNotFound = errors.New("experiment not found")

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

	// Each connection to :memory: is its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createExperimentsTable, createRunsTable, createRunsIndex} {
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

// CreateExperiment inserts a new experiment record.
func (s *SQLiteStore) CreateExperiment(ctx context.Context, e *model.Experiment) error {
	cfg, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, name, status, created_by, config, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Config.Name, e.Status, e.CreatedBy, string(cfg), e.Error,
		e.CreatedAt, e.StartedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}
	return nil
}

// GetExperiment retrieves an experiment by ID, including its result when completed.
func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)
	e, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}

	if e.Result != nil {
		runs, err := s.GetRuns(ctx, id)
		if err != nil {
			return nil, err
		}
		e.Result.Runs = runs
	}
	return e, nil
}

// ListExperiments returns a paginated list of experiments ordered by
// created_at DESC, along with the total count. Results are summaries without runs.
func (s *SQLiteStore) ListExperiments(ctx context.Context, limit, offset int) ([]*model.Experiment, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM experiments").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count experiments: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	var experiments []*model.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan experiment: %w", err)
		}
		experiments = append(experiments, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate experiments: %w", err)
	}

	return experiments, total, nil
}

// TransitionExperiment performs a compare-and-set status update.
func (s *SQLiteStore) TransitionExperiment(ctx context.Context, id, from, to string, at time.Time) error {
	if !model.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	var result sql.Result
	var err error
	if to == model.StatusRunning {
		result, err = s.db.ExecContext(ctx,
			"UPDATE experiments SET status = ?, started_at = ? WHERE id = ? AND status = ?",
			to, at, id, from,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			"UPDATE experiments SET status = ?, completed_at = ? WHERE id = ? AND status = ?",
			to, at, id, from,
		)
	}
	if err != nil {
		return fmt.Errorf("update experiment status: %w", err)
	}

	return s.checkAffected(ctx, result, id, from, to)
}

// CompleteExperiment writes the result summary and every run, then marks the
// experiment completed. Nothing is written unless the experiment is running.
func (s *SQLiteStore) CompleteExperiment(ctx context.Context, id string, result *model.ExperimentResult, at time.Time) error {
	stats, err := json.Marshal(result.BackendStats)
	if err != nil {
		return fmt.Errorf("encode backend stats: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE experiments SET status = ?, completed_at = ?,
			total_runs = ?, successful_runs = ?, failed_runs = ?,
			avg_duration_ms = ?, total_duration_ms = ?, backend_stats = ?
		WHERE id = ? AND status = ?`,
		model.StatusCompleted, at,
		result.TotalRuns, result.SuccessfulRuns, result.FailedRuns,
		result.AvgDurationMS, result.TotalDurationMS, string(stats),
		id, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("complete experiment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, "SELECT status FROM experiments WHERE id = ?", id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get experiment status: %w", err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, model.StatusCompleted)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO runs (
			id, experiment_id, position, backend, model, test_case_index, test_case,
			status, started_at, completed_at, duration_ms, response_text, usage, metadata, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare run insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range result.Runs {
		tc, err := json.Marshal(r.TestCase)
		if err != nil {
			return fmt.Errorf("encode test case for run %s: %w", r.ID, err)
		}
		usage, err := nullJSON(r.Usage)
		if err != nil {
			return fmt.Errorf("encode usage for run %s: %w", r.ID, err)
		}
		meta, err := nullJSON(r.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for run %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, id, i, r.Backend, r.Model, r.TestCaseIndex, string(tc),
			r.Status, r.StartedAt, r.CompletedAt, r.DurationMS, r.ResponseText, usage, meta, r.Error,
		); err != nil {
			return fmt.Errorf("insert run %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FailExperiment marks a running experiment failed with the given message.
func (s *SQLiteStore) FailExperiment(ctx context.Context, id, errMsg string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE experiments SET status = ?, error = ?, completed_at = ? WHERE id = ? AND status = ?",
		model.StatusFailed, errMsg, at, id, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("fail experiment: %w", err)
	}
	return s.checkAffected(ctx, result, id, model.StatusRunning, model.StatusFailed)
}

// FailRunning marks every running experiment failed with errMsg.
func (s *SQLiteStore) FailRunning(ctx context.Context, errMsg string, at time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE experiments SET status = ?, error = ?, completed_at = ? WHERE status = ?",
		model.StatusFailed, errMsg, at, model.StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("fail running experiments: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail running experiments: %w", err)
	}
	return int(n), nil
}

// GetRuns returns the stored runs of an experiment in matrix order.
func (s *SQLiteStore) GetRuns(ctx context.Context, experimentID string) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, experiment_id, backend, model, test_case_index, test_case,
			status, started_at, completed_at, duration_ms, response_text, usage, metadata, error
		FROM runs WHERE experiment_id = ? ORDER BY position`, experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("get runs: %w", err)
	}
	defer rows.Close()

	runs := []model.Run{}
	for rows.Next() {
		var r model.Run
		var tc string
		var usage, meta sql.NullString
		if err := rows.Scan(
			&r.ID, &r.ExperimentID, &r.Backend, &r.Model, &r.TestCaseIndex, &tc,
			&r.Status, &r.StartedAt, &r.CompletedAt, &r.DurationMS, &r.ResponseText, &usage, &meta, &r.Error,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := decodeNumbers([]byte(tc), &r.TestCase); err != nil {
			return nil, fmt.Errorf("decode test case for run %s: %w", r.ID, err)
		}
		if err := decodeNullJSON(usage, &r.Usage); err != nil {
			return nil, fmt.Errorf("decode usage for run %s: %w", r.ID, err)
		}
		if err := decodeNullJSON(meta, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for run %s: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetStats returns experiment counts by status, run counts by backend and
// status, and the mean duration of successful runs.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ExperimentsByStatus: make(map[string]int),
		RunsByBackend:       make(map[string]map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM experiments GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count experiments by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.ExperimentsByStatus[status] = count
		stats.TotalExperiments += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, "SELECT backend, status, COUNT(*) FROM runs GROUP BY backend, status")
	if err != nil {
		return nil, fmt.Errorf("count runs by backend: %w", err)
	}
	for rows.Next() {
		var backend, status string
		var count int
		if err := rows.Scan(&backend, &status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan backend count: %w", err)
		}
		if stats.RunsByBackend[backend] == nil {
			stats.RunsByBackend[backend] = make(map[string]int)
		}
		stats.RunsByBackend[backend][status] = count
		stats.TotalRuns += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backend counts: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM runs WHERE status = ? AND duration_ms IS NOT NULL",
		model.StatusCompleted,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("avg run duration: %w", err)
	}
	if avg.Valid {
		stats.AvgRunDurationMS = avg.Float64
	}

	return stats, nil
}

// checkAffected distinguishes a missing experiment from a lost compare-and-set.
func (s *SQLiteStore) checkAffected(ctx context.Context, result sql.Result, id, from, to string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM experiments WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get experiment status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s (expected %s)", ErrInvalidTransition, status, to, from)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(sc scanner) (*model.Experiment, error) {
	var (
		e          model.Experiment
		cfg        string
		totalRuns  sql.NullInt64
		successful sql.NullInt64
		failed     sql.NullInt64
		avg        sql.NullFloat64
		totalDur   sql.NullInt64
		stats      sql.NullString
	)
	if err := sc.Scan(
		&e.ID, &e.Status, &e.CreatedBy, &cfg, &e.Error,
		&totalRuns, &successful, &failed, &avg, &totalDur, &stats,
		&e.CreatedAt, &e.StartedAt, &e.CompletedAt,
	); err != nil {
		return nil, err
	}
	if err := decodeNumbers([]byte(cfg), &e.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if totalRuns.Valid {
		r := &model.ExperimentResult{
			ExperimentID:   e.ID,
			TotalRuns:      int(totalRuns.Int64),
			SuccessfulRuns: int(successful.Int64),
			FailedRuns:     int(failed.Int64),
			Runs:           []model.Run{},
		}
		if avg.Valid {
			v := avg.Float64
			r.AvgDurationMS = &v
		}
		if totalDur.Valid {
			v := totalDur.Int64
			r.TotalDurationMS = &v
		}
		if err := decodeNullJSON(stats, &r.BackendStats); err != nil {
			return nil, fmt.Errorf("decode backend stats: %w", err)
		}
		e.Result = r
	}
	return &e, nil
}

func nullJSON(v map[string]any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// decodeNumbers decodes JSON keeping untyped numbers as json.Number, so test
// case values render with the digits they were stored with.
func decodeNumbers(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(dst)
}

func decodeNullJSON(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}
