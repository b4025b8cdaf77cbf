package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTaskNotFound is returned when a task id has no row.
var ErrTaskNotFound = errors.New("task not found")

// Status is the persisted task status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validNext encodes the monotonic status transitions. A status never goes
// backwards and a terminal status never changes.
var validNext = map[Status][]Status{
	StatusPending:  {StatusStarting},
	StatusStarting: {StatusRunning, StatusFailed},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusCancelled},
}

// ValidTransition reports whether from → to is an allowed status transition.
func ValidTransition(from, to Status) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task represents a task in the database
type Task struct {
	ID          string
	Instruction string
	Status      Status
	Error       sql.NullString
	ContainerID sql.NullString
	SessionID   sql.NullString
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StatusAttrs carries the optional columns written alongside a status change.
// Empty fields are left untouched.
type StatusAttrs struct {
	Error       string
	ContainerID string
	SessionID   string
}

// CreateTask inserts a new task
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task.Status == "" {
		task.Status = StatusPending
	}
	task.CreatedAt = time.Now()
	task.UpdatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, instruction, status, error, container_id, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Instruction, task.Status, task.Error, task.ContainerID,
		task.SessionID, task.CreatedAt, task.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID. Returns ErrTaskNotFound when no row exists.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	task := &Task{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, instruction, status, error, container_id, session_id, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`, id).Scan(
		&task.ID, &task.Instruction, &task.Status, &task.Error,
		&task.ContainerID, &task.SessionID, &task.CreatedAt, &task.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// ListTasksByStatus returns all tasks in the given status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status Status) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instruction, status, error, container_id, session_id, created_at, updated_at
		FROM tasks
		WHERE status = ?
		ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task := &Task{}
		err := rows.Scan(
			&task.ID, &task.Instruction, &task.Status, &task.Error,
			&task.ContainerID, &task.SessionID, &task.CreatedAt, &task.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// UpdateTaskStatus moves a task to the given status and records the optional
// attrs. The monotonic transition rule is enforced here so a terminal status
// can never be overwritten, whatever order runner messages arrived in.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status Status, attrs StatusAttrs) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current Status
	err = tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to get task status: %w", err)
	}

	if !ValidTransition(current, status) {
		return fmt.Errorf("invalid status transition %s → %s for task %s", current, status, id)
	}

	query := "UPDATE tasks SET status = ?, updated_at = ?"
	args := []any{status, time.Now()}
	if attrs.Error != "" {
		query += ", error = ?"
		args = append(args, attrs.Error)
	}
	if attrs.ContainerID != "" {
		query += ", container_id = ?"
		args = append(args, attrs.ContainerID)
	}
	if attrs.SessionID != "" {
		query += ", session_id = ?"
		args = append(args, attrs.SessionID)
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}

	return nil
}

// TaskCount returns the number of tasks that have not reached a terminal status.
func (s *Store) TaskCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}
