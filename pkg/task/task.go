package task

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

const (
	maxTitleLen       = 100
	maxDescriptionLen = 500
)

// Task is the sole persisted entity. OwnerID is set from the verified
// identity at creation and never changes afterwards.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Completed   bool       `json:"completed"`
	OwnerID     string     `json:"ownerId"`
	Priority    Priority   `json:"priority"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// CreateInput carries client-supplied fields for a new task. Ownership and
// completion state are deliberately absent; the repository forces them.
type CreateInput struct {
	Title       string
	Description string
	Priority    Priority
	DueDate     *time.Time
}

func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if utf8.RuneCountInString(in.Title) > maxTitleLen {
		return fmt.Errorf("%w: title cannot be more than %d characters", ErrValidation, maxTitleLen)
	}
	if utf8.RuneCountInString(in.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description cannot be more than %d characters", ErrValidation, maxDescriptionLen)
	}
	if in.Priority != "" && !in.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, in.Priority)
	}
	return nil
}

// Patch describes a partial update. Nil fields are left untouched, which is
// the contract clients rely on: sending only {completed: true} must not blank
// out the title.
type Patch struct {
	Title       *string
	Description *string
	Completed   *bool
	Priority    *Priority
	DueDate     *time.Time
}

func (p Patch) Validate() error {
	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return fmt.Errorf("%w: title cannot be empty", ErrValidation)
		}
		if utf8.RuneCountInString(*p.Title) > maxTitleLen {
			return fmt.Errorf("%w: title cannot be more than %d characters", ErrValidation, maxTitleLen)
		}
	}
	if p.Description != nil && utf8.RuneCountInString(*p.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description cannot be more than %d characters", ErrValidation, maxDescriptionLen)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, *p.Priority)
	}
	return nil
}

// apply copies the present fields onto t.
func (p Patch) apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
	}
}
