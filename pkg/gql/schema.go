package gql

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/graphql-go/graphql"

	"tasklist/pkg/audit"
	"tasklist/pkg/auth"
	"tasklist/pkg/task"
)

// Auditor records successful mutations. Nil disables auditing.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) error
}

// Resolver maps the GraphQL surface onto the authorization-scoped repository.
// It performs no access checks of its own; the repository is the enforcement
// point.
type Resolver struct {
	Repo    *task.ScopedRepo
	Audit   Auditor
	Observe func(operation string)
}

func (r *Resolver) observe(op string) {
	if r.Observe != nil {
		r.Observe(op)
	}
}

func (r *Resolver) appendAudit(ctx context.Context, action, taskID string) {
	if r.Audit == nil {
		return
	}
	ident, _ := auth.IdentityFromContext(ctx)
	rec := audit.Record{
		AuditID:   uuid.NewString(),
		Action:    action,
		TaskID:    taskID,
		ActorID:   ident.Subject,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.Audit.Append(ctx, rec); err != nil {
		log.Printf("audit append failed: %v", err)
	}
}

// clientErr maps domain errors onto client-visible messages. NotFound and
// NotOwner intentionally share one message so an authenticated caller probing
// ids cannot learn whether a foreign task exists.
func clientErr(err error) error {
	switch {
	case errors.Is(err, task.ErrAuthRequired):
		return errors.New("you must be logged in to do this")
	case errors.Is(err, task.ErrNotFound), errors.Is(err, task.ErrNotOwner):
		return errors.New("task not found")
	case errors.Is(err, task.ErrValidation):
		return err
	default:
		log.Printf("gql: internal error: %v", err)
		return errors.New("internal server error")
	}
}

func taskFromSource(source interface{}) (*task.Task, bool) {
	switch t := source.(type) {
	case *task.Task:
		return t, t != nil
	case task.Task:
		return &t, true
	}
	return nil, false
}

// NewSchema builds the executable schema. Introspection needs no identity;
// anonymous requests only fail once a resolver reaches the repository.
func NewSchema(r *Resolver) (graphql.Schema, error) {
	priorityEnum := graphql.NewEnum(graphql.EnumConfig{
		Name: "Priority",
		Values: graphql.EnumValueConfigMap{
			"low":    &graphql.EnumValueConfig{Value: "low"},
			"medium": &graphql.EnumValueConfig{Value: "medium"},
			"high":   &graphql.EnumValueConfig{Value: "high"},
		},
	})

	taskType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Task",
		Fields: graphql.Fields{
			"id": &graphql.Field{
				Type: graphql.NewNonNull(graphql.ID),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					t, ok := taskFromSource(p.Source)
					if !ok {
						return nil, nil
					}
					return t.ID, nil
				},
			},
			"title": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					t, ok := taskFromSource(p.Source)
					if !ok {
						return nil, nil
					}
					return t.Title, nil
				},
			},
			"description": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					t, ok := taskFromSource(p.Source)
					if !ok || t.Description == "" {
						return nil, nil
					}
					return t.Description, nil
				},
			},
			"completed": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Boolean),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					t, ok := taskFromSource(p.Source)
					if !ok {
						return nil, nil
					}
					return t.Completed, nil
				},
			},
			"ownerId": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					t, ok := taskFromSource(p.Source)
					if !ok {
						return nil, nil
					}
					return t.OwnerID, nil
				},
			},
			"priority": &graphql.Field{
				Type: graphql.NewNonNull(priorityEnum),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					t, ok := taskFromSource(p.Source)
					if !ok {
						return nil, nil
					}
					return string(t.Priority), nil
				},
			},
			"dueDate": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					t, ok := taskFromSource(p.Source)
					if !ok || t.DueDate == nil {
						return nil, nil
					}
					return t.DueDate.UTC().Format(time.RFC3339), nil
				},
			},
			"createdAt": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					t, ok := taskFromSource(p.Source)
					if !ok {
						return nil, nil
					}
					return t.CreatedAt.UTC().Format(time.RFC3339), nil
				},
			},
			"updatedAt": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					t, ok := taskFromSource(p.Source)
					if !ok {
						return nil, nil
					}
					return t.UpdatedAt.UTC().Format(time.RFC3339), nil
				},
			},
		},
	})

	userType := graphql.NewObject(graphql.ObjectConfig{
		Name: "User",
		Fields: graphql.Fields{
			"id": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					ident, ok := p.Source.(auth.Identity)
					if !ok {
						return nil, nil
					}
					return ident.Subject, nil
				},
			},
			"email": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					ident, ok := p.Source.(auth.Identity)
					if !ok {
						return nil, nil
					}
					return ident.Email, nil
				},
			},
			"username": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					ident, ok := p.Source.(auth.Identity)
					if !ok {
						return nil, nil
					}
					if ident.Name != "" {
						return ident.Name, nil
					}
					return ident.Email, nil
				},
			},
		},
	})

	createTaskInput := graphql.NewInputObject(graphql.InputObjectConfig{
		Name: "CreateTaskInput",
		Fields: graphql.InputObjectConfigFieldMap{
			"title":       &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
			"description": &graphql.InputObjectFieldConfig{Type: graphql.String},
			"priority":    &graphql.InputObjectFieldConfig{Type: priorityEnum, DefaultValue: "medium"},
			"dueDate":     &graphql.InputObjectFieldConfig{Type: graphql.String},
		},
	})

	updateTaskInput := graphql.NewInputObject(graphql.InputObjectConfig{
		Name: "UpdateTaskInput",
		Fields: graphql.InputObjectConfigFieldMap{
			"title":       &graphql.InputObjectFieldConfig{Type: graphql.String},
			"description": &graphql.InputObjectFieldConfig{Type: graphql.String},
			"completed":   &graphql.InputObjectFieldConfig{Type: graphql.Boolean},
			"priority":    &graphql.InputObjectFieldConfig{Type: priorityEnum},
			"dueDate":     &graphql.InputObjectFieldConfig{Type: graphql.String},
		},
	})

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"tasks": &graphql.Field{
				Type:    graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(taskType))),
				Resolve: r.resolveTasks,
			},
			"task": &graphql.Field{
				Type: taskType,
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
				},
				Resolve: r.resolveTask,
			},
			"tasksByStatus": &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(taskType))),
				Args: graphql.FieldConfigArgument{
					"completed": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Boolean)},
				},
				Resolve: r.resolveTasksByStatus,
			},
			"me": &graphql.Field{
				Type:    userType,
				Resolve: r.resolveMe,
			},
		},
	})

	mutationType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"createTask": &graphql.Field{
				Type: graphql.NewNonNull(taskType),
				Args: graphql.FieldConfigArgument{
					"input": &graphql.ArgumentConfig{Type: graphql.NewNonNull(createTaskInput)},
				},
				Resolve: r.resolveCreateTask,
			},
			"updateTask": &graphql.Field{
				Type: graphql.NewNonNull(taskType),
				Args: graphql.FieldConfigArgument{
					"id":    &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
					"input": &graphql.ArgumentConfig{Type: graphql.NewNonNull(updateTaskInput)},
				},
				Resolve: r.resolveUpdateTask,
			},
			"deleteTask": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Boolean),
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
				},
				Resolve: r.resolveDeleteTask,
			},
			"markTaskAsDone": &graphql.Field{
				Type: graphql.NewNonNull(taskType),
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
				},
				Resolve: r.resolveMarkTaskAsDone,
			},
			"toggleTaskCompletion": &graphql.Field{
				Type: graphql.NewNonNull(taskType),
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
				},
				Resolve: r.resolveToggleTaskCompletion,
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query:    queryType,
		Mutation: mutationType,
	})
}

func (r *Resolver) resolveTasks(p graphql.ResolveParams) (interface{}, error) {
	r.observe("tasks")
	items, err := r.Repo.ListOwned(p.Context)
	if err != nil {
		return nil, clientErr(err)
	}
	return items, nil
}

func (r *Resolver) resolveTask(p graphql.ResolveParams) (interface{}, error) {
	r.observe("task")
	id, _ := p.Args["id"].(string)
	t, err := r.Repo.GetOwned(p.Context, id)
	if err != nil {
		return nil, clientErr(err)
	}
	return t, nil
}

func (r *Resolver) resolveTasksByStatus(p graphql.ResolveParams) (interface{}, error) {
	r.observe("tasksByStatus")
	completed, _ := p.Args["completed"].(bool)
	items, err := r.Repo.ListOwnedByStatus(p.Context, completed)
	if err != nil {
		return nil, clientErr(err)
	}
	return items, nil
}

func (r *Resolver) resolveMe(p graphql.ResolveParams) (interface{}, error) {
	r.observe("me")
	ident, ok := auth.IdentityFromContext(p.Context)
	if !ok {
		return nil, clientErr(task.ErrAuthRequired)
	}
	return ident, nil
}

func (r *Resolver) resolveCreateTask(p graphql.ResolveParams) (interface{}, error) {
	r.observe("createTask")
	input, _ := p.Args["input"].(map[string]interface{})
	in := task.CreateInput{}
	if v, ok := input["title"].(string); ok {
		in.Title = v
	}
	if v, ok := input["description"].(string); ok {
		in.Description = v
	}
	if v, ok := input["priority"].(string); ok {
		in.Priority = task.Priority(v)
	}
	if v, ok := input["dueDate"].(string); ok && strings.TrimSpace(v) != "" {
		due, err := parseDueDate(v)
		if err != nil {
			return nil, err
		}
		in.DueDate = due
	}
	t, err := r.Repo.Create(p.Context, in)
	if err != nil {
		return nil, clientErr(err)
	}
	r.appendAudit(p.Context, "task.create", t.ID)
	return t, nil
}

func (r *Resolver) resolveUpdateTask(p graphql.ResolveParams) (interface{}, error) {
	r.observe("updateTask")
	id, _ := p.Args["id"].(string)
	input, _ := p.Args["input"].(map[string]interface{})
	patch := task.Patch{}
	if v, ok := input["title"].(string); ok {
		patch.Title = &v
	}
	if v, ok := input["description"].(string); ok {
		patch.Description = &v
	}
	if v, ok := input["completed"].(bool); ok {
		patch.Completed = &v
	}
	if v, ok := input["priority"].(string); ok {
		pr := task.Priority(v)
		patch.Priority = &pr
	}
	if v, ok := input["dueDate"].(string); ok && strings.TrimSpace(v) != "" {
		due, err := parseDueDate(v)
		if err != nil {
			return nil, err
		}
		patch.DueDate = due
	}
	t, err := r.Repo.Update(p.Context, id, patch)
	if err != nil {
		return nil, clientErr(err)
	}
	r.appendAudit(p.Context, "task.update", t.ID)
	return t, nil
}

func (r *Resolver) resolveDeleteTask(p graphql.ResolveParams) (interface{}, error) {
	r.observe("deleteTask")
	id, _ := p.Args["id"].(string)
	ok, err := r.Repo.Delete(p.Context, id)
	if err != nil {
		return nil, clientErr(err)
	}
	r.appendAudit(p.Context, "task.delete", id)
	return ok, nil
}

func (r *Resolver) resolveMarkTaskAsDone(p graphql.ResolveParams) (interface{}, error) {
	r.observe("markTaskAsDone")
	id, _ := p.Args["id"].(string)
	t, err := r.Repo.MarkDone(p.Context, id)
	if err != nil {
		return nil, clientErr(err)
	}
	r.appendAudit(p.Context, "task.markDone", t.ID)
	return t, nil
}

func (r *Resolver) resolveToggleTaskCompletion(p graphql.ResolveParams) (interface{}, error) {
	r.observe("toggleTaskCompletion")
	id, _ := p.Args["id"].(string)
	t, err := r.Repo.ToggleCompletion(p.Context, id)
	if err != nil {
		return nil, clientErr(err)
	}
	r.appendAudit(p.Context, "task.toggle", t.ID)
	return t, nil
}

// parseDueDate accepts RFC 3339 or a bare calendar date.
func parseDueDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		ts = ts.UTC().Truncate(time.Microsecond)
		return &ts, nil
	}
	if ts, err := time.Parse("2006-01-02", raw); err == nil {
		ts = ts.UTC()
		return &ts, nil
	}
	return nil, fmt.Errorf("%w: dueDate must be RFC 3339 or YYYY-MM-DD", task.ErrValidation)
}
