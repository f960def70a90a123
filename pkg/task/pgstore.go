package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type taskDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is the Postgres-backed task collection. Each call runs under a
// bounded timeout; the transport above imposes none of its own.
type PgStore struct {
	DB          taskDB
	CallTimeout time.Duration
}

func NewPgStore(db taskDB) *PgStore {
	return &PgStore{DB: db, CallTimeout: 5 * time.Second}
}

func (s *PgStore) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// EnsureSchema creates the tasks table and its two lookup indexes. The
// compound indexes are performance paths only; they carry no semantics.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	_, err := s.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			completed   BOOLEAN NOT NULL DEFAULT FALSE,
			owner_id    TEXT NOT NULL,
			priority    TEXT NOT NULL DEFAULT 'medium',
			due_date    TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure tasks table: %w", err)
	}
	_, err = s.DB.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_owner_completed ON tasks(owner_id, completed)`)
	if err != nil {
		return fmt.Errorf("ensure owner/completed index: %w", err)
	}
	_, err = s.DB.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_owner_due ON tasks(owner_id, due_date)`)
	if err != nil {
		return fmt.Errorf("ensure owner/due index: %w", err)
	}
	return nil
}

func (s *PgStore) Insert(ctx context.Context, t *Task) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	_, err := s.DB.Exec(ctx, `
		INSERT INTO tasks (id, title, description, completed, owner_id, priority, due_date, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ID, t.Title, t.Description, t.Completed, t.OwnerID, string(t.Priority), t.DueDate, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const taskColumns = `id, title, description, completed, owner_id, priority, due_date, created_at, updated_at`

func (s *PgStore) ByID(ctx context.Context, id string) (*Task, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	row := s.DB.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PgStore) ByOwner(ctx context.Context, ownerID string) ([]Task, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	rows, err := s.DB.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id=$1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *PgStore) ByOwnerAndStatus(ctx context.Context, ownerID string, completed bool) ([]Task, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	rows, err := s.DB.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id=$1 AND completed=$2 ORDER BY created_at DESC`, ownerID, completed)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	return collectTasks(rows)
}

func (s *PgStore) Update(ctx context.Context, t *Task) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	tag, err := s.DB.Exec(ctx, `
		UPDATE tasks
		SET title=$2, description=$3, completed=$4, priority=$5, due_date=$6, updated_at=$7
		WHERE id=$1`,
		t.ID, t.Title, t.Description, t.Completed, string(t.Priority), t.DueDate, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	tag, err := s.DB.Exec(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var priority string
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Completed, &t.OwnerID, &priority, &t.DueDate, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Priority = Priority(priority)
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]Task, error) {
	defer rows.Close()
	items := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}
