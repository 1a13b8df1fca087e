package scheduler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store handles task, execution, lease and progress-log persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a scheduler store with SQLite backend.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		schedule_json TEXT NOT NULL,
		owner TEXT NOT NULL,
		prompt TEXT NOT NULL,
		config_json TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		session_id TEXT,
		scheduled_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		status TEXT NOT NULL,
		result TEXT,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS leases (
		task_id TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS progress_log (
		execution_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		line TEXT NOT NULL,
		PRIMARY KEY (execution_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_executions_task_id ON executions(task_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_executions_scheduled_at ON executions(scheduled_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// CreateTask persists a new task.
func (s *Store) CreateTask(t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()

	scheduleJSON, err := json.Marshal(t.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	enabled := 0
	if t.Enabled {
		enabled = 1
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, name, schedule_json, owner, prompt, config_json, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, string(scheduleJSON), t.Owner, t.Prompt, string(configJSON), enabled,
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano))

	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, name, schedule_json, owner, prompt, config_json, enabled, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)

	return scanTask(row)
}

// GetTaskByName retrieves a task by its human-readable name.
// Returns nil, nil when no task with the given name exists.
func (s *Store) GetTaskByName(name string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, name, schedule_json, owner, prompt, config_json, enabled, created_at, updated_at
		FROM tasks WHERE name = ? LIMIT 1
	`, name)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// ListTasks returns all tasks, optionally filtered by enabled status.
func (s *Store) ListTasks(enabledOnly bool) ([]*Task, error) {
	query := `SELECT id, name, schedule_json, owner, prompt, config_json, enabled, created_at, updated_at FROM tasks`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// UpdateTask updates an existing task.
func (s *Store) UpdateTask(t *Task) error {
	t.UpdatedAt = time.Now()

	scheduleJSON, err := json.Marshal(t.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	enabled := 0
	if t.Enabled {
		enabled = 1
	}

	_, err = s.db.Exec(`
		UPDATE tasks SET name = ?, schedule_json = ?, owner = ?, prompt = ?, config_json = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, t.Name, string(scheduleJSON), t.Owner, t.Prompt, string(configJSON), enabled,
		t.UpdatedAt.Format(time.RFC3339Nano), t.ID)

	return err
}

// DeleteTask removes a task, its executions and its lease.
func (s *Store) DeleteTask(id string) error {
	if _, err := s.db.Exec(`DELETE FROM leases WHERE task_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	return err
}

// AcquireLease claims the per-task execution lease for holder. It
// returns false when another live holder owns the lease; an expired
// lease is taken over so a crashed executor does not block the task
// forever.
func (s *Store) AcquireLease(taskID, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl).Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var curHolder, curExpires string
	err = tx.QueryRow(`SELECT holder, expires_at FROM leases WHERE task_id = ?`, taskID).
		Scan(&curHolder, &curExpires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(`INSERT INTO leases (task_id, holder, expires_at) VALUES (?, ?, ?)`,
			taskID, holder, expires); err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	default:
		exp, _ := time.Parse(time.RFC3339Nano, curExpires)
		if curHolder != holder && exp.After(now) {
			return false, nil
		}
		if _, err := tx.Exec(`UPDATE leases SET holder = ?, expires_at = ? WHERE task_id = ?`,
			holder, expires, taskID); err != nil {
			return false, err
		}
	}

	return true, tx.Commit()
}

// ReleaseLease gives up the lease if holder still owns it.
func (s *Store) ReleaseLease(taskID, holder string) error {
	_, err := s.db.Exec(`DELETE FROM leases WHERE task_id = ? AND holder = ?`, taskID, holder)
	return err
}

// CreateExecution records a new execution.
func (s *Store) CreateExecution(e *Execution) error {
	if e.ID == "" {
		e.ID = NewID()
	}

	_, err := s.db.Exec(`
		INSERT INTO executions (id, task_id, session_id, scheduled_at, started_at, completed_at, status, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TaskID, nullIfEmpty(e.SessionID), e.ScheduledAt.Format(time.RFC3339Nano),
		formatTimePtr(e.StartedAt), formatTimePtr(e.CompletedAt), e.Status, e.Result)

	return err
}

// UpdateExecution updates an execution record.
func (s *Store) UpdateExecution(e *Execution) error {
	_, err := s.db.Exec(`
		UPDATE executions SET session_id = ?, started_at = ?, completed_at = ?, status = ?, result = ?
		WHERE id = ?
	`, nullIfEmpty(e.SessionID), formatTimePtr(e.StartedAt), formatTimePtr(e.CompletedAt),
		e.Status, e.Result, e.ID)

	return err
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(id string) (*Execution, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, session_id, scheduled_at, started_at, completed_at, status, result
		FROM executions WHERE id = ?
	`, id)

	return scanExecution(row)
}

// ListExecutions returns executions for a task, newest first.
func (s *Store) ListExecutions(taskID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, task_id, session_id, scheduled_at, started_at, completed_at, status, result
		FROM executions WHERE task_id = ?
		ORDER BY scheduled_at DESC LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}

	return execs, rows.Err()
}

// RunningExecution returns the Running execution for a task, or nil.
func (s *Store) RunningExecution(taskID string) (*Execution, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, session_id, scheduled_at, started_at, completed_at, status, result
		FROM executions WHERE task_id = ? AND status = ?
		ORDER BY scheduled_at DESC LIMIT 1
	`, taskID, StatusRunning)

	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// AppendProgress appends one JSON line to an execution's progress log.
// seq orders lines within the execution.
func (s *Store) AppendProgress(executionID string, seq int, line string) error {
	_, err := s.db.Exec(`
		INSERT INTO progress_log (execution_id, seq, line) VALUES (?, ?, ?)
	`, executionID, seq, line)
	return err
}

// ProgressLog returns an execution's progress log lines in order.
func (s *Store) ProgressLog(executionID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT line FROM progress_log WHERE execution_id = ? ORDER BY seq ASC
	`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}

	return lines, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var scheduleJSON, configJSON string
	var enabled int
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.Name, &scheduleJSON, &t.Owner, &t.Prompt, &configJSON, &enabled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scheduleJSON), &t.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(configJSON), &t.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	t.Enabled = enabled == 1
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &t, nil
}

func scanExecution(row scanner) (*Execution, error) {
	var e Execution
	var scheduledAt string
	var sessionID, startedAt, completedAt, result sql.NullString

	err := row.Scan(&e.ID, &e.TaskID, &sessionID, &scheduledAt, &startedAt, &completedAt, &e.Status, &result)
	if err != nil {
		return nil, err
	}

	e.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
	if sessionID.Valid {
		e.SessionID = sessionID.String
	}
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		e.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		e.CompletedAt = &t
	}
	if result.Valid {
		e.Result = result.String
	}

	return &e, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
