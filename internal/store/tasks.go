package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// CreateTask inserts a task.
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, formatTS(t.NextRun), t.Status, formatTS(t.CreatedAt))
	if err != nil {
		s.logger.Error("store: create task failed", "id", t.ID, "error", err)
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, status, created_at
		 FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks returns tasks for one group, or all tasks when groupFolder is
// empty (the main group's view).
func (s *Store) ListTasks(ctx context.Context, groupFolder string) ([]Task, error) {
	query := `SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, status, created_at
		FROM tasks`
	var args []any
	if groupFolder != "" {
		query += ` WHERE group_folder = ?`
		args = append(args, groupFolder)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DueTasks returns active tasks whose next_run is at or before now.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, status, created_at
		 FROM tasks WHERE status = ? AND next_run <= ? ORDER BY next_run`,
		TaskActive, formatTS(now))
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask persists status and next_run changes.
func (s *Store) UpdateTask(ctx context.Context, t Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET prompt=?, schedule_type=?, schedule_value=?, context_mode=?, next_run=?, status=? WHERE id=?`,
		t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode, formatTS(t.NextRun), t.Status, t.ID)
	if err != nil {
		s.logger.Error("store: update task failed", "id", t.ID, "error", err)
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var nextRun, createdAt string
	err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType,
		&t.ScheduleValue, &t.ContextMode, &nextRun, &t.Status, &createdAt)
	if err != nil {
		return Task{}, err
	}
	if t.NextRun, err = parseTS(nextRun); err != nil {
		return Task{}, err
	}
	if t.CreatedAt, err = parseTS(createdAt); err != nil {
		return Task{}, err
	}
	return t, nil
}
