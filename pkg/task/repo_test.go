package task_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"tasklist/pkg/auth"
	"tasklist/pkg/task"
)

// memStore is an in-memory Store that counts accesses, so tests can assert
// that unauthenticated operations never touch storage.
type memStore struct {
	mu     sync.Mutex
	items  map[string]task.Task
	reads  int
	writes int
}

func newMemStore() *memStore {
	return &memStore{items: map[string]task.Task{}}
}

func (m *memStore) accesses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads + m.writes
}

func (m *memStore) Insert(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.items[t.ID] = *t
	return nil
}

func (m *memStore) ByID(ctx context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	t, ok := m.items[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	copied := t
	return &copied, nil
}

func (m *memStore) ByOwner(ctx context.Context, ownerID string) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	out := []task.Task{}
	for _, t := range m.items {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ByOwnerAndStatus(ctx context.Context, ownerID string, completed bool) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	out := []task.Task{}
	for _, t := range m.items {
		if t.OwnerID == ownerID && t.Completed == completed {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) Update(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if _, ok := m.items[t.ID]; !ok {
		return task.ErrNotFound
	}
	m.items[t.ID] = *t
	return nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if _, ok := m.items[id]; !ok {
		return task.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func testRepo(store task.Store) *task.ScopedRepo {
	repo := task.NewScopedRepo(store)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	repo.Now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
	return repo
}

func ctxAs(subject string) context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{Subject: subject, Email: subject + "@example.com"})
}

func TestCreateForcesDefaults(t *testing.T) {
	repo := testRepo(newMemStore())
	created, err := repo.Create(ctxAs("u1"), task.CreateInput{Title: "Buy milk"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Completed {
		t.Fatal("new task must start incomplete")
	}
	if created.OwnerID != "u1" {
		t.Fatalf("owner = %q, want u1", created.OwnerID)
	}
	if created.Priority != task.PriorityMedium {
		t.Fatalf("priority = %q, want medium", created.Priority)
	}
	if created.ID == "" {
		t.Fatal("id must be assigned")
	}
	if !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Fatal("createdAt and updatedAt must match at creation")
	}
}

func TestCreateValidatesTitle(t *testing.T) {
	store := newMemStore()
	repo := testRepo(store)
	if _, err := repo.Create(ctxAs("u1"), task.CreateInput{Title: "   "}); !errors.Is(err, task.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if store.writes != 0 {
		t.Fatal("invalid input must not reach storage")
	}
}

func TestOwnerIsolation(t *testing.T) {
	repo := testRepo(newMemStore())
	for _, title := range []string{"a", "b", "c"} {
		if _, err := repo.Create(ctxAs("u1"), task.CreateInput{Title: title}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := repo.Create(ctxAs("u2"), task.CreateInput{Title: "mine"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	listed, err := repo.ListOwned(ctxAs("u2"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].Title != "mine" {
		t.Fatalf("u2 must only see its own task, got %+v", listed)
	}
}

func TestListOwnedOrdersNewestFirst(t *testing.T) {
	repo := testRepo(newMemStore())
	for _, title := range []string{"first", "second", "third"} {
		if _, err := repo.Create(ctxAs("u1"), task.CreateInput{Title: title}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	listed, err := repo.ListOwned(ctxAs("u1"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 3 || listed[0].Title != "third" || listed[2].Title != "first" {
		t.Fatalf("expected newest first, got %+v", listed)
	}
}

func TestListOwnedByStatus(t *testing.T) {
	repo := testRepo(newMemStore())
	open, err := repo.Create(ctxAs("u1"), task.CreateInput{Title: "open"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	done, err := repo.Create(ctxAs("u1"), task.CreateInput{Title: "done"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.MarkDone(ctxAs("u1"), done.ID); err != nil {
		t.Fatalf("markDone: %v", err)
	}
	completed, err := repo.ListOwnedByStatus(ctxAs("u1"), true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != done.ID {
		t.Fatalf("expected only the completed task, got %+v", completed)
	}
	pending, err := repo.ListOwnedByStatus(ctxAs("u1"), false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != open.ID {
		t.Fatalf("expected only the open task, got %+v", pending)
	}
}

func TestNoIdentityMeansNoStorageAccess(t *testing.T) {
	store := newMemStore()
	repo := testRepo(store)
	anon := context.Background()

	if _, err := repo.ListOwned(anon); !errors.Is(err, task.ErrAuthRequired) {
		t.Fatalf("ListOwned: %v", err)
	}
	if _, err := repo.ListOwnedByStatus(anon, true); !errors.Is(err, task.ErrAuthRequired) {
		t.Fatalf("ListOwnedByStatus: %v", err)
	}
	if _, err := repo.GetOwned(anon, "x"); !errors.Is(err, task.ErrAuthRequired) {
		t.Fatalf("GetOwned: %v", err)
	}
	if _, err := repo.Create(anon, task.CreateInput{Title: "t"}); !errors.Is(err, task.ErrAuthRequired) {
		t.Fatalf("Create: %v", err)
	}
	if _, err := repo.Update(anon, "x", task.Patch{}); !errors.Is(err, task.ErrAuthRequired) {
		t.Fatalf("Update: %v", err)
	}
	if _, err := repo.Delete(anon, "x"); !errors.Is(err, task.ErrAuthRequired) {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.MarkDone(anon, "x"); !errors.Is(err, task.ErrAuthRequired) {
		t.Fatalf("MarkDone: %v", err)
	}
	if _, err := repo.ToggleCompletion(anon, "x"); !errors.Is(err, task.ErrAuthRequired) {
		t.Fatalf("ToggleCompletion: %v", err)
	}
	if n := store.accesses(); n != 0 {
		t.Fatalf("expected zero storage accesses, got %d", n)
	}
}

func TestCrossOwnerAccessFails(t *testing.T) {
	store := newMemStore()
	repo := testRepo(store)
	created, err := repo.Create(ctxAs("u1"), task.CreateInput{Title: "private"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := repo.GetOwned(ctxAs("u2"), created.ID); !errors.Is(err, task.ErrNotOwner) {
		t.Fatalf("GetOwned: %v", err)
	}
	if _, err := repo.Update(ctxAs("u2"), created.ID, task.Patch{Title: strPtr("stolen")}); !errors.Is(err, task.ErrNotOwner) {
		t.Fatalf("Update: %v", err)
	}
	if _, err := repo.Delete(ctxAs("u2"), created.ID); !errors.Is(err, task.ErrNotOwner) {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.MarkDone(ctxAs("u2"), created.ID); !errors.Is(err, task.ErrNotOwner) {
		t.Fatalf("MarkDone: %v", err)
	}

	// The record is untouched and still listed for its owner.
	got, err := repo.GetOwned(ctxAs("u1"), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "private" || got.Completed {
		t.Fatalf("task mutated by foreign caller: %+v", got)
	}
	listed, err := repo.ListOwned(ctxAs("u1"))
	if err != nil || len(listed) != 1 {
		t.Fatalf("owner's list changed: %v %+v", err, listed)
	}
}

func TestGetOwnedMissing(t *testing.T) {
	repo := testRepo(newMemStore())
	if _, err := repo.GetOwned(ctxAs("u1"), "no-such-id"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPartialUpdateLeavesOtherFields(t *testing.T) {
	repo := testRepo(newMemStore())
	due := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	created, err := repo.Create(ctxAs("u1"), task.CreateInput{
		Title:       "Buy milk",
		Description: "whole",
		Priority:    task.PriorityHigh,
		DueDate:     &due,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := repo.Update(ctxAs("u1"), created.ID, task.Patch{Completed: boolPtr(true)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.Completed {
		t.Fatal("completed not applied")
	}
	if updated.Title != created.Title || updated.Description != created.Description || updated.Priority != created.Priority {
		t.Fatalf("partial update touched absent fields: %+v", updated)
	}
	if updated.DueDate == nil || !updated.DueDate.Equal(*created.DueDate) {
		t.Fatalf("dueDate changed: %v -> %v", created.DueDate, updated.DueDate)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatal("createdAt must never change")
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatal("updatedAt must be refreshed")
	}

	described, err := repo.Update(ctxAs("u1"), created.ID, task.Patch{Description: strPtr("2%")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if described.Title != "Buy milk" {
		t.Fatalf("title changed by description-only update: %q", described.Title)
	}
	if described.Description != "2%" {
		t.Fatalf("description = %q", described.Description)
	}
}

func TestMarkDoneIdempotent(t *testing.T) {
	repo := testRepo(newMemStore())
	created, err := repo.Create(ctxAs("u1"), task.CreateInput{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := repo.MarkDone(ctxAs("u1"), created.ID)
	if err != nil {
		t.Fatalf("markDone: %v", err)
	}
	second, err := repo.MarkDone(ctxAs("u1"), created.ID)
	if err != nil {
		t.Fatalf("markDone: %v", err)
	}
	if !first.Completed || !second.Completed {
		t.Fatal("markDone must complete the task")
	}
}

func TestToggleCompletionInvolution(t *testing.T) {
	repo := testRepo(newMemStore())
	created, err := repo.Create(ctxAs("u1"), task.CreateInput{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	once, err := repo.ToggleCompletion(ctxAs("u1"), created.ID)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !once.Completed {
		t.Fatal("first toggle must complete")
	}
	twice, err := repo.ToggleCompletion(ctxAs("u1"), created.ID)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if twice.Completed {
		t.Fatal("second toggle must restore the original state")
	}
}

func TestDeleteRemovesPermanently(t *testing.T) {
	repo := testRepo(newMemStore())
	created, err := repo.Create(ctxAs("u1"), task.CreateInput{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := repo.Delete(ctxAs("u1"), created.ID)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if _, err := repo.GetOwned(ctxAs("u1"), created.ID); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := repo.Delete(ctxAs("u1"), created.ID); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("deleting a missing task: %v", err)
	}
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }
