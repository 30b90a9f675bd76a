package logging

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/polarfoxDev/cpsnap/internal/helpers"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// shortRunID is how much of a run ID the console prefix shows
const shortRunID = 8

var levelRank = map[LogLevel]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}

// ParseLevel accepts level names case-insensitively
func ParseLevel(s string) (LogLevel, error) {
	for l := range levelRank {
		if strings.EqualFold(string(l), s) {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// Logger provides structured logging with both console and database output.
// A Logger without a database only writes to the console.
type Logger struct {
	db       *sql.DB
	console  io.Writer
	minLevel LogLevel // console threshold; the database keeps everything
	mu       sync.Mutex
}

// LogEntry represents a single log entry
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Policy    string    `json:"policy"` // retention policy name (e.g., "daily")
	RunID     string    `json:"runId"`  // runs.id from the history database
}

// New creates a new Logger using an existing database connection, which may
// be nil. The caller is responsible for closing the database connection.
func New(db *sql.DB, console io.Writer) (*Logger, error) {
	if console == nil {
		console = os.Stdout
	}
	return &Logger{
		db:       db,
		console:  console,
		minLevel: LevelInfo,
	}, nil
}

// SetConsoleLevel hides console messages below level
func (l *Logger) SetConsoleLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log writes a log entry to both console and database
func (l *Logger) Log(level LogLevel, policy, runID string, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	message := fmt.Sprintf(format, args...)
	timestamp := time.Now()

	if levelRank[level] >= levelRank[l.minLevel] {
		prefix := timestamp.Format("2006-01-02 15:04:05")
		if policy != "" {
			prefix += fmt.Sprintf(" [%s", policy)
			if runID != "" {
				prefix += "/" + helpers.TruncateString(runID, shortRunID)
			}
			prefix += "]"
		}
		fmt.Fprintf(l.console, "%s %s: %s\n", prefix, level, message)
	}

	if l.db == nil {
		return
	}
	_, err := l.db.Exec(
		"INSERT INTO logs (timestamp, level, message, policy, run_id) VALUES (?, ?, ?, ?, ?)",
		timestamp, string(level), message, nullString(policy), nullString(runID),
	)
	if err != nil {
		// If DB write fails, at least we have console output
		fmt.Fprintf(l.console, "ERROR: failed to write to log database: %v\n", err)
	}
}

func (l *Logger) Info(format string, args ...any) {
	l.Log(LevelInfo, "", "", format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.Log(LevelWarn, "", "", format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.Log(LevelError, "", "", format, args...)
}

func (l *Logger) Debug(format string, args ...any) {
	l.Log(LevelDebug, "", "", format, args...)
}

// Logf provides compatibility with the func(string, ...any) signature
func (l *Logger) Logf(format string, args ...any) {
	l.Info(format, args...)
}

// QueryOptions defines filters for querying logs
type QueryOptions struct {
	Policy string
	RunID  string
	Level  LogLevel
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Query retrieves log entries based on filters, newest first
func (l *Logger) Query(ctx context.Context, opts QueryOptions) ([]LogEntry, error) {
	if l.db == nil {
		return nil, fmt.Errorf("no log database configured")
	}
	query := "SELECT id, timestamp, level, message, COALESCE(policy, ''), COALESCE(run_id, '') FROM logs WHERE 1=1"
	args := []any{}

	if opts.Policy != "" {
		query += " AND policy = ?"
		args = append(args, opts.Policy)
	}
	if opts.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, opts.RunID)
	}
	if opts.Level != "" {
		query += " AND level = ?"
		args = append(args, string(opts.Level))
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since)
	}
	if !opts.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, opts.Until)
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	return l.query(ctx, query, args...)
}

// QueryByRunID retrieves the log of one run in the order it was written
func (l *Logger) QueryByRunID(ctx context.Context, runID string, limit int) ([]LogEntry, error) {
	if l.db == nil {
		return nil, fmt.Errorf("no log database configured")
	}
	query := "SELECT id, timestamp, level, message, COALESCE(policy, ''), COALESCE(run_id, '') FROM logs WHERE run_id = ? ORDER BY id ASC"
	args := []any{runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return l.query(ctx, query, args...)
}

func (l *Logger) query(ctx context.Context, query string, args ...any) ([]LogEntry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	// Initialize as empty slice so JSON encodes as [] instead of null
	entries := make([]LogEntry, 0)
	for rows.Next() {
		var e LogEntry
		var levelStr string
		if err := rows.Scan(&e.ID, &e.Timestamp, &levelStr, &e.Message, &e.Policy, &e.RunID); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		e.Level = LogLevel(levelStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneOldLogs removes log entries older than the specified duration
func (l *Logger) PruneOldLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	if l.db == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)
	result, err := l.db.ExecContext(ctx, "DELETE FROM logs WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune logs: %w", err)
	}
	return result.RowsAffected()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// RunLogger wraps a Logger with the policy and run of one invocation
type RunLogger struct {
	logger *Logger
	policy string
	runID  string
}

// NewRunLogger creates a RunLogger; runID may be empty when history is off
func (l *Logger) NewRunLogger(policy, runID string) *RunLogger {
	return &RunLogger{logger: l, policy: policy, runID: runID}
}

func (rl *RunLogger) Info(format string, args ...any) {
	rl.logger.Log(LevelInfo, rl.policy, rl.runID, format, args...)
}

func (rl *RunLogger) Warn(format string, args ...any) {
	rl.logger.Log(LevelWarn, rl.policy, rl.runID, format, args...)
}

func (rl *RunLogger) Error(format string, args ...any) {
	rl.logger.Log(LevelError, rl.policy, rl.runID, format, args...)
}

func (rl *RunLogger) Debug(format string, args ...any) {
	rl.logger.Log(LevelDebug, rl.policy, rl.runID, format, args...)
}

// Logf provides compatibility with func(string, ...any) signature
func (rl *RunLogger) Logf(format string, args ...any) {
	rl.Info(format, args...)
}

// Debugf is Logf at debug level, for chatty backend tracing
func (rl *RunLogger) Debugf(format string, args ...any) {
	rl.Debug(format, args...)
}
