package audit

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type call struct {
	sql  string
	args []any
}

type fakeDB struct {
	execs   []call
	queries []call
	items   []Record
	execErr error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, call{sql: sql, args: args})
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, call{sql: sql, args: args})
	return &fakeRows{items: f.items}, nil
}

type fakeRows struct {
	items []Record
	idx   int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.items) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	rec := r.items[r.idx-1]
	*dest[0].(*string) = rec.AuditID
	*dest[1].(*string) = rec.Action
	*dest[2].(*string) = rec.TaskID
	*dest[3].(*string) = rec.ActorID
	*dest[4].(*json.RawMessage) = rec.Detail
	*dest[5].(*time.Time) = rec.CreatedAt
	return nil
}

func (r *fakeRows) Close() {}

func (r *fakeRows) Err() error { return nil }

func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *fakeRows) Values() ([]any, error) { return nil, nil }

func (r *fakeRows) RawValues() [][]byte { return nil }

func (r *fakeRows) Conn() *pgx.Conn { return nil }

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db}
	if err := w.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensureSchema: %v", err)
	}
	if len(db.execs) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(db.execs))
	}
	if !strings.Contains(db.execs[0].sql, "task_audit") || !strings.Contains(db.execs[1].sql, "idx_task_audit_task") {
		t.Fatalf("statements = %+v", db.execs)
	}
}

func TestAppend(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db}
	rec := Record{
		AuditID:   "a-1",
		Action:    "task.create",
		TaskID:    "t-1",
		ActorID:   "u1",
		CreatedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execs) != 1 || len(db.execs[0].args) != 6 {
		t.Fatalf("execs = %+v", db.execs)
	}
	if db.execs[0].args[1] != "task.create" || db.execs[0].args[3] != "u1" {
		t.Fatalf("args = %+v", db.execs[0].args)
	}
}

func TestByTask(t *testing.T) {
	db := &fakeDB{items: []Record{
		{AuditID: "a-1", Action: "task.create", TaskID: "t-1", ActorID: "u1"},
		{AuditID: "a-2", Action: "task.markDone", TaskID: "t-1", ActorID: "u1"},
	}}
	w := &Writer{DB: db}

	recs, err := w.ByTask(context.Background(), "t-1", 10)
	if err != nil {
		t.Fatalf("byTask: %v", err)
	}
	if len(recs) != 2 || recs[0].Action != "task.create" || recs[1].Action != "task.markDone" {
		t.Fatalf("recs = %+v", recs)
	}
	args := db.queries[0].args
	if args[0] != "t-1" || args[1] != 10 {
		t.Fatalf("args = %+v", args)
	}
}

func TestByTaskClampsLimit(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db}
	for _, bad := range []int{0, -5, 5000} {
		if _, err := w.ByTask(context.Background(), "t-1", bad); err != nil {
			t.Fatalf("byTask: %v", err)
		}
	}
	for _, q := range db.queries {
		if q.args[1] != 100 {
			t.Fatalf("limit not clamped: %+v", q.args)
		}
	}
}
