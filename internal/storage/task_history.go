// Package storage keeps a SQLite audit trail of task executions.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/agentpool/internal/model"
)

// ErrNotFound is returned when no history row exists for a task
var ErrNotFound = errors.New("task history not found")

// TaskHistory represents a historical task execution record
type TaskHistory struct {
	TaskID      string             `json:"task_id"`
	Kind        string             `json:"kind"`
	Priority    model.TaskPriority `json:"priority"`
	AgentID     string             `json:"agent_id,omitempty"`
	Status      model.TaskStatus   `json:"status"`
	Output      string             `json:"output,omitempty"`
	Error       string             `json:"error,omitempty"`
	SubmittedAt time.Time          `json:"submitted_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Duration    time.Duration      `json:"duration,omitempty"`
}

// Filter narrows List and Count; zero fields match everything
type Filter struct {
	Status  model.TaskStatus
	AgentID string
	Kind    string
}

func (f Filter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, f.Kind)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// maxOutput bounds the stored output of a single task
const maxOutput = 64 * 1024

// SQLiteTaskHistory records dispatches and results in SQLite
type SQLiteTaskHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteTaskHistory opens (or creates) the history database at dbPath
func NewSQLiteTaskHistory(logger *zap.Logger, dbPath string) (*SQLiteTaskHistory, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	storage := &SQLiteTaskHistory{
		logger: logger.Named("task-history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteTaskHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			task_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			priority INTEGER NOT NULL,
			agent_id TEXT,
			status TEXT NOT NULL,
			output TEXT,
			error TEXT,
			submitted_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			duration INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_agent_id ON task_history(agent_id);
		CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
		CREATE INDEX IF NOT EXISTS idx_task_history_submitted_at ON task_history(submitted_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// RecordDispatch stores a running row for a task handed to an agent
func (s *SQLiteTaskHistory) RecordDispatch(ctx context.Context, task *model.Task, agentID string) error {
	submitted := task.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (
			task_id, kind, priority, agent_id, status, submitted_at, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			status = excluded.status,
			started_at = excluded.started_at`,
		task.ID,
		model.KindName(task.Kind),
		int(task.Priority),
		agentID,
		string(model.TaskStatusRunning),
		submitted,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to store task history: %w", err)
	}
	return nil
}

// RecordResult stores the final state of a task. Tasks that never reached
// an agent (expired, rejected at shutdown) get a row of their own.
func (s *SQLiteTaskHistory) RecordResult(ctx context.Context, result *model.TaskResult) error {
	output := string(result.Output)
	if len(output) > maxOutput {
		output = output[:maxOutput]
	}

	completed := result.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	var started sql.NullTime
	var duration sql.NullInt64
	if !result.StartedAt.IsZero() {
		started = sql.NullTime{Time: result.StartedAt, Valid: true}
		duration = sql.NullInt64{Int64: int64(completed.Sub(result.StartedAt)), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (
			task_id, kind, priority, agent_id, status, output, error,
			submitted_at, started_at, completed_at, duration
		) VALUES (?, '', 0, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			agent_id = COALESCE(NULLIF(excluded.agent_id, ''), task_history.agent_id),
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			started_at = COALESCE(task_history.started_at, excluded.started_at),
			completed_at = excluded.completed_at,
			duration = excluded.duration`,
		result.TaskID,
		result.AgentID,
		string(result.Status),
		sql.NullString{String: output, Valid: output != ""},
		sql.NullString{String: result.Error, Valid: result.Error != ""},
		completed,
		started,
		completed,
		duration,
	)
	if err != nil {
		return fmt.Errorf("failed to update task history: %w", err)
	}
	return nil
}

const selectColumns = `SELECT task_id, kind, priority, agent_id, status, output, error,
	submitted_at, started_at, completed_at, duration FROM task_history`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanHistory(row scanner) (*TaskHistory, error) {
	var history TaskHistory
	var agentID, output, errorStr sql.NullString
	var startedAt, completedAt sql.NullTime
	var durationNanos sql.NullInt64
	var priority int

	err := row.Scan(
		&history.TaskID,
		&history.Kind,
		&priority,
		&agentID,
		&history.Status,
		&output,
		&errorStr,
		&history.SubmittedAt,
		&startedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		return nil, err
	}

	history.Priority = model.TaskPriority(priority)
	history.AgentID = agentID.String
	history.Output = output.String
	history.Error = errorStr.String
	if startedAt.Valid {
		history.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		history.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		history.Duration = time.Duration(durationNanos.Int64)
	}
	return &history, nil
}

// Get retrieves the record of a task
func (s *SQLiteTaskHistory) Get(ctx context.Context, taskID string) (*TaskHistory, error) {
	history, err := scanHistory(s.db.QueryRowContext(ctx, selectColumns+" WHERE task_id = ?", taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to scan task history: %w", err)
	}
	return history, nil
}

// List retrieves records newest first
func (s *SQLiteTaskHistory) List(ctx context.Context, filter Filter, offset, limit int) ([]*TaskHistory, error) {
	where, args := filter.where()
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, selectColumns+where+" ORDER BY submitted_at DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	defer rows.Close()

	var histories []*TaskHistory
	for rows.Next() {
		history, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task history: %w", err)
		}
		histories = append(histories, history)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return histories, nil
}

// Count returns the number of records matching the filter
func (s *SQLiteTaskHistory) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filter.where()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count task history: %w", err)
	}
	return count, nil
}

// DeleteBefore deletes records submitted before the given time
func (s *SQLiteTaskHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM task_history WHERE submitted_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete task history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old task history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteTaskHistory) Close() error {
	return s.db.Close()
}
