package state

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the run ledger on a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// NewSQLiteStore creates an unopened store.
func NewSQLiteStore(logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteStore{logger: logger}
}

// Open opens the database at path, creating parent directories as needed.
// Use ":memory:" for an in-memory database.
func (s *SQLiteStore) Open(path string) error {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	// A single connection serializes writers and keeps an in-memory
	// database from splitting across pool connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("pinging state database: %w", err)
	}
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return fmt.Errorf("configuring state database: %w", err)
		}
	}

	s.db = db
	s.path = path
	s.logger.Debug("state database opened", slog.String("path", path))
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path the store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}

func generateID() string {
	return uuid.New().String()
}

// CreateRun inserts a new run in the running state.
func (s *SQLiteStore) CreateRun(method, outPath string, totalTasks int) (*MergeRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	run := &MergeRun{
		ID:         generateID(),
		Method:     method,
		OutPath:    outPath,
		Status:     RunStatusRunning,
		TotalTasks: totalTasks,
		StartedAt:  time.Now().UTC(),
	}
	s.logger.Debug("creating merge run",
		slog.String("id", run.ID),
		slog.String("method", method),
		slog.String("out_path", outPath))

	_, err := s.db.Exec(
		`INSERT INTO runs (id, method, out_path, status, total_tasks, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Method, run.OutPath, string(run.Status), run.TotalTasks, run.StartedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	return run, nil
}

// CompleteRun marks a run as finished with the given status.
func (s *SQLiteStore) CompleteRun(id string, status RunStatus, errMsg string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	var errorPtr *string
	if errMsg != "" {
		errorPtr = &errMsg
	}
	result, err := s.db.Exec(
		`UPDATE runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(status), time.Now().UTC().UnixMilli(), errorPtr, id,
	)
	if err != nil {
		return fmt.Errorf("completing run: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// RecordTensor upserts the outcome of one output tensor. Re-recording a
// tensor overwrites the previous row, so retries keep the latest result.
func (s *SQLiteStore) RecordTensor(runID, tensor string, status TensorStatus, elapsed time.Duration) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	_, err := s.db.Exec(
		`INSERT INTO run_tensors (run_id, tensor, status, milliseconds) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id, tensor) DO UPDATE SET status = excluded.status, milliseconds = excluded.milliseconds`,
		runID, tensor, string(status), elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("recording tensor %s: %w", tensor, err)
	}
	return nil
}

const runColumns = `r.id, r.method, r.out_path, r.status, r.total_tasks, r.started_at, r.completed_at, r.error,
	(SELECT COUNT(*) FROM run_tensors rt WHERE rt.run_id = r.id)`

func scanRun(row interface{ Scan(...any) error }) (*MergeRun, error) {
	var (
		run         MergeRun
		status      string
		startedAt   int64
		completedAt sql.NullInt64
		errMsg      sql.NullString
	)
	err := row.Scan(&run.ID, &run.Method, &run.OutPath, &status, &run.TotalTasks,
		&startedAt, &completedAt, &errMsg, &run.Tensors)
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.StartedAt = time.UnixMilli(startedAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		run.CompletedAt = &t
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(id string) (*MergeRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs r WHERE r.id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return run, nil
}

// GetLatestRun retrieves the most recent run, or nil when the ledger is
// empty.
func (s *SQLiteStore) GetLatestRun() (*MergeRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	row := s.db.QueryRow(`SELECT ` + runColumns + ` FROM runs r ORDER BY r.started_at DESC, r.rowid DESC LIMIT 1`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves the most recent runs, newest first, up to limit.
func (s *SQLiteStore) ListRuns(limit int) ([]*MergeRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs r ORDER BY r.started_at DESC, r.rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*MergeRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunTensors retrieves the per-tensor rows of a run, sorted by tensor
// name.
func (s *SQLiteStore) RunTensors(runID string) ([]*TensorRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.Query(
		`SELECT run_id, tensor, status, milliseconds FROM run_tensors WHERE run_id = ? ORDER BY tensor`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing run tensors: %w", err)
	}
	defer rows.Close()

	var tensors []*TensorRun
	for rows.Next() {
		var (
			tr     TensorRun
			status string
		)
		if err := rows.Scan(&tr.RunID, &tr.Tensor, &status, &tr.Milliseconds); err != nil {
			return nil, fmt.Errorf("listing run tensors: %w", err)
		}
		tr.Status = TensorStatus(status)
		tensors = append(tensors, &tr)
	}
	return tensors, rows.Err()
}
