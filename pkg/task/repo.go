package task

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"tasklist/pkg/auth"
)

// Store is the raw task collection. Implementations perform no authorization;
// every caller goes through ScopedRepo.
type Store interface {
	Insert(ctx context.Context, t *Task) error
	ByID(ctx context.Context, id string) (*Task, error)
	ByOwner(ctx context.Context, ownerID string) ([]Task, error)
	ByOwnerAndStatus(ctx context.Context, ownerID string, completed bool) ([]Task, error)
	Update(ctx context.Context, t *Task) error
	Delete(ctx context.Context, id string) error
}

// ScopedRepo is the authorization enforcement point. Every operation checks,
// in order: (1) an identity is bound to the context, otherwise ErrAuthRequired
// with zero storage access; (2) for id-targeted operations, the fetched task's
// owner equals the identity's subject, otherwise ErrNotOwner.
type ScopedRepo struct {
	Store Store
	Now   func() time.Time
}

func NewScopedRepo(store Store) *ScopedRepo {
	return &ScopedRepo{
		Store: store,
		Now:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (r *ScopedRepo) identity(ctx context.Context) (auth.Identity, error) {
	ident, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return auth.Identity{}, ErrAuthRequired
	}
	return ident, nil
}

// ownedTask fetches by id and enforces the ownership equality check.
func (r *ScopedRepo) ownedTask(ctx context.Context, ident auth.Identity, id string) (*Task, error) {
	t, err := r.Store.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != ident.Subject {
		return nil, ErrNotOwner
	}
	return t, nil
}

// ListOwned returns the caller's tasks, newest first. The result set is
// unbounded, matching the collection contract.
func (r *ScopedRepo) ListOwned(ctx context.Context) ([]Task, error) {
	ident, err := r.identity(ctx)
	if err != nil {
		return nil, err
	}
	return r.Store.ByOwner(ctx, ident.Subject)
}

func (r *ScopedRepo) ListOwnedByStatus(ctx context.Context, completed bool) ([]Task, error) {
	ident, err := r.identity(ctx)
	if err != nil {
		return nil, err
	}
	return r.Store.ByOwnerAndStatus(ctx, ident.Subject, completed)
}

func (r *ScopedRepo) GetOwned(ctx context.Context, id string) (*Task, error) {
	ident, err := r.identity(ctx)
	if err != nil {
		return nil, err
	}
	return r.ownedTask(ctx, ident, id)
}

// Create validates input before persistence; the storage layer's own schema
// constraints are not the only line of defense. Owner, completion state, and
// timestamps are forced server-side regardless of input.
func (r *ScopedRepo) Create(ctx context.Context, in CreateInput) (*Task, error) {
	ident, err := r.identity(ctx)
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	priority := in.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	now := r.Now()
	t := &Task{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		Completed:   false,
		OwnerID:     ident.Subject,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.DueDate != nil {
		due := in.DueDate.UTC().Truncate(time.Microsecond)
		t.DueDate = &due
	}
	if err := r.Store.Insert(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Update applies only the fields present in patch and refreshes updatedAt.
func (r *ScopedRepo) Update(ctx context.Context, id string, patch Patch) (*Task, error) {
	ident, err := r.identity(ctx)
	if err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	t, err := r.ownedTask(ctx, ident, id)
	if err != nil {
		return nil, err
	}
	patch.apply(t)
	t.Title = strings.TrimSpace(t.Title)
	t.UpdatedAt = r.Now()
	if err := r.Store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Delete removes the task permanently. There is no tombstone.
func (r *ScopedRepo) Delete(ctx context.Context, id string) (bool, error) {
	ident, err := r.identity(ctx)
	if err != nil {
		return false, err
	}
	if _, err := r.ownedTask(ctx, ident, id); err != nil {
		return false, err
	}
	if err := r.Store.Delete(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// MarkDone unconditionally completes the task. Idempotent.
func (r *ScopedRepo) MarkDone(ctx context.Context, id string) (*Task, error) {
	ident, err := r.identity(ctx)
	if err != nil {
		return nil, err
	}
	t, err := r.ownedTask(ctx, ident, id)
	if err != nil {
		return nil, err
	}
	t.Completed = true
	t.UpdatedAt = r.Now()
	if err := r.Store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ToggleCompletion flips the completion flag. Two consecutive calls restore
// the original state.
func (r *ScopedRepo) ToggleCompletion(ctx context.Context, id string) (*Task, error) {
	ident, err := r.identity(ctx)
	if err != nil {
		return nil, err
	}
	t, err := r.ownedTask(ctx, ident, id)
	if err != nil {
		return nil, err
	}
	t.Completed = !t.Completed
	t.UpdatedAt = r.Now()
	if err := r.Store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}
