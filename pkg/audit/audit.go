package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Record captures one task mutation: who did what to which record.
type Record struct {
	AuditID   string          `json:"audit_id"`
	Action    string          `json:"action"`
	TaskID    string          `json:"task_id"`
	ActorID   string          `json:"actor_id"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Writer appends mutation records to the audit trail table.
type Writer struct {
	DB auditDB
}

func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS task_audit (
			audit_id   TEXT PRIMARY KEY,
			action     TEXT NOT NULL,
			task_id    TEXT NOT NULL,
			actor_id   TEXT NOT NULL,
			detail     JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure audit table: %w", err)
	}
	_, err = w.DB.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_task_audit_task ON task_audit(task_id, created_at)`)
	if err != nil {
		return fmt.Errorf("ensure audit index: %w", err)
	}
	return nil
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO task_audit (audit_id, action, task_id, actor_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.AuditID, rec.Action, rec.TaskID, rec.ActorID, rec.Detail, rec.CreatedAt)
	return err
}

// ByTask returns the trail for one task, oldest first.
func (w *Writer) ByTask(ctx context.Context, taskID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT audit_id, action, task_id, actor_id, detail, created_at
		FROM task_audit WHERE task_id=$1 ORDER BY created_at ASC LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.AuditID, &rec.Action, &rec.TaskID, &rec.ActorID, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}
