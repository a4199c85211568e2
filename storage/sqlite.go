package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"kanban-sync/domain"
)

// SQLStore keeps tasks in a SQLite database.
type SQLStore struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &SQLStore{db: db, now: time.Now, newID: uuid.NewString}, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, title, description, status, assignee_id, created_at, updated_at`

// ListTasks returns the tasks matching filter, newest first. Search is applied
// after the scan since SQLite's lower() only folds ASCII.
func (s *SQLStore) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.AssigneeID != "" {
		where = append(where, `assignee_id = ?`)
		args = append(args, filter.AssigneeID)
	}
	if !filter.From.IsZero() {
		where = append(where, `created_at >= ?`)
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, `created_at <= ?`)
		args = append(args, formatTime(filter.To))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if filter.Matches(t) {
			tasks = append(tasks, t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, s.db, id)
}

func (s *SQLStore) CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	now := s.now().UTC()
	t := domain.Task{ID: s.newID(), CreatedAt: now}
	in.Apply(&t, now)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks(`+taskColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, t.ID, t.Title, t.Description, string(t.Status), nullString(t.AssigneeID), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *SQLStore) UpdateTask(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	t, err := getTask(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	in.Apply(&t, s.now().UTC())
	if _, err := tx.ExecContext(ctx, `
UPDATE tasks SET title = ?, description = ?, status = ?, assignee_id = ?, updated_at = ?
WHERE id = ?
`, t.Title, t.Description, string(t.Status), nullString(t.AssigneeID), formatTime(t.UpdatedAt), id); err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, fmt.Errorf("commit update: %w", err)
	}
	return t, nil
}

func (s *SQLStore) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	t, err := getTask(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return domain.Task{}, fmt.Errorf("delete task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, fmt.Errorf("commit delete: %w", err)
	}
	return t, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTask(ctx context.Context, q queryRower, id string) (domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (domain.Task, error) {
	var (
		t                    domain.Task
		status               string
		assignee             sql.NullString
		createdAt, updatedAt string
	)
	if err := scanner.Scan(&t.ID, &t.Title, &t.Description, &status, &assignee, &createdAt, &updatedAt); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	if assignee.Valid {
		v := assignee.String
		t.AssigneeID = &v
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Task{}, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Task{}, fmt.Errorf("task %s updated_at: %w", t.ID, err)
	}
	return t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
