package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/polarfoxDev/cpsnap/internal/model"
	_ "modernc.org/sqlite"
)

type DB struct {
	db *sql.DB
}

func InitDB(dbPath string) (*DB, error) {
	// Retry logic for handling concurrent initialization: two runs started by
	// cron at the same minute may open a fresh file together
	var db *sql.DB
	var err error
	maxRetries := 5
	baseDelay := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		db, err = sql.Open("sqlite", dbPath)
		if err != nil {
			if attempt == maxRetries-1 {
				return nil, fmt.Errorf("failed to open database after %d attempts: %w", maxRetries, err)
			}
			continue
		}

		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Minute * 5)

		pragmas := []string{
			"PRAGMA busy_timeout = 10000", // set this FIRST
			"PRAGMA journal_mode = WAL",
			"PRAGMA foreign_keys = ON",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA temp_store = MEMORY",
		}

		pragmaFailed := false
		for _, pragma := range pragmas {
			if _, err = db.Exec(pragma); err != nil {
				db.Close()
				if attempt == maxRetries-1 {
					return nil, fmt.Errorf("failed to set pragma %q after %d attempts: %w", pragma, maxRetries, err)
				}
				pragmaFailed = true
				break
			}
		}
		if pragmaFailed {
			continue
		}

		if err = createSchema(db); err != nil {
			db.Close()
			if attempt == maxRetries-1 {
				return nil, fmt.Errorf("failed to create schema after %d attempts: %w", maxRetries, err)
			}
			continue
		}

		return &DB{db: db}, nil
	}

	return nil, fmt.Errorf("failed to initialize database after %d attempts: %w", maxRetries, err)
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT NOT NULL PRIMARY KEY,
		policy TEXT NOT NULL,
		host TEXT NOT NULL,
		pid INTEGER DEFAULT 0,
		dry_run INTEGER DEFAULT 0,
		destination TEXT,
		snapshot_name TEXT,
		snapshot_path TEXT,
		refreshed INTEGER DEFAULT 0,
		capacity INTEGER DEFAULT 0,
		occupancy TEXT,
		pruned TEXT,
		status TEXT NOT NULL,
		error_kind TEXT,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_policy ON runs(policy);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		policy TEXT,
		run_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_policy ON logs(policy);
	CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level);
	CREATE INDEX IF NOT EXISTS idx_logs_run_id ON logs(run_id);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	// databases created before runs recorded their process
	var hasPID int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('runs') WHERE name = 'pid'`).Scan(&hasPID); err != nil {
		return fmt.Errorf("failed to inspect runs table: %w", err)
	}
	if hasPID == 0 {
		if _, err := db.Exec(`ALTER TABLE runs ADD COLUMN pid INTEGER DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to add pid column: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// GetDB returns the underlying *sql.DB for use by other packages (e.g., logger)
func (d *DB) GetDB() *sql.DB {
	return d.db
}

// StartRun records a run in the running state
func (d *DB) StartRun(ctx context.Context, r *model.RunReport) error {
	query := `
	INSERT INTO runs (id, policy, host, pid, dry_run, destination, capacity, status, started_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, query, r.ID, r.Policy, r.Host, r.PID, r.DryRun, r.Destination, r.Capacity, model.RunRunning, r.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun stores the final state of a run
func (d *DB) FinishRun(ctx context.Context, r *model.RunReport) error {
	occupancy, err := json.Marshal(r.Occupancy)
	if err != nil {
		return fmt.Errorf("failed to encode occupancy: %w", err)
	}
	pruned, err := json.Marshal(r.Pruned)
	if err != nil {
		return fmt.Errorf("failed to encode pruned entries: %w", err)
	}

	query := `
	UPDATE runs SET
		destination = ?,
		snapshot_name = ?,
		snapshot_path = ?,
		refreshed = ?,
		capacity = ?,
		occupancy = ?,
		pruned = ?,
		status = ?,
		error_kind = ?,
		error = ?,
		completed_at = ?
	WHERE id = ?
	`
	_, err = d.db.ExecContext(ctx, query,
		r.Destination,
		r.SnapshotName,
		r.SnapshotPath,
		r.Refreshed,
		r.Capacity,
		string(occupancy),
		string(pruned),
		r.Status,
		nullString(r.ErrorKind),
		nullString(r.Error),
		r.CompletedAt,
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", r.ID, err)
	}
	return nil
}

// CleanupInterruptedRuns marks runs of host as aborted when they are still
// in the running state but their process is gone. Runs of live processes,
// such as a concurrent invocation for another policy, are left alone.
func (d *DB) CleanupInterruptedRuns(ctx context.Context, host string) (int, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, COALESCE(pid, 0) FROM runs WHERE status = ? AND host = ?`,
		model.RunRunning, host,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to query running runs: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		var pid int
		if err := rows.Scan(&id, &pid); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan run: %w", err)
		}
		if !processAlive(pid) {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to query running runs: %w", err)
	}

	cleaned := 0
	for _, id := range stale {
		result, err := d.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
			model.RunAborted, time.Now(), id, model.RunRunning,
		)
		if err != nil {
			return cleaned, fmt.Errorf("failed to abort run %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return cleaned, fmt.Errorf("failed to get rows affected: %w", err)
		}
		cleaned += int(n)
	}
	return cleaned, nil
}

// processAlive sends signal 0 to pid. Rows without a pid cannot be
// attributed to a live process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

const runColumns = `id, policy, host, COALESCE(pid, 0), dry_run, COALESCE(destination, ''), COALESCE(snapshot_name, ''),
	COALESCE(snapshot_path, ''), refreshed, capacity, COALESCE(occupancy, ''), COALESCE(pruned, ''),
	status, COALESCE(error_kind, ''), COALESCE(error, ''), started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*model.RunReport, error) {
	r := &model.RunReport{}
	var occupancy, pruned string
	var completed sql.NullTime
	err := s.Scan(
		&r.ID, &r.Policy, &r.Host, &r.PID, &r.DryRun, &r.Destination, &r.SnapshotName,
		&r.SnapshotPath, &r.Refreshed, &r.Capacity, &occupancy, &pruned,
		&r.Status, &r.ErrorKind, &r.Error, &r.StartedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	r.Occupancy = []model.Occupancy{}
	if occupancy != "" {
		if err := json.Unmarshal([]byte(occupancy), &r.Occupancy); err != nil {
			return nil, fmt.Errorf("decode occupancy of run %s: %w", r.ID, err)
		}
	}
	r.Pruned = []string{}
	if pruned != "" && pruned != "null" {
		if err := json.Unmarshal([]byte(pruned), &r.Pruned); err != nil {
			return nil, fmt.Errorf("decode pruned entries of run %s: %w", r.ID, err)
		}
	}
	return r, nil
}

// ListRuns returns runs newest first, optionally for one policy
func (d *DB) ListRuns(ctx context.Context, policy string, limit int) ([]*model.RunReport, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE 1=1"
	args := []any{}
	if policy != "" {
		query += " AND policy = ?"
		args = append(args, policy)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	// Initialize as empty slice so JSON encodes as [] instead of null
	runs := make([]*model.RunReport, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns nil, nil if no run has the given ID
func (d *DB) GetRun(ctx context.Context, id string) (*model.RunReport, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	r, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
