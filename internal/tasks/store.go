package tasks

import (
	"context"
	"errors"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrInvalidTaskState = errors.New("invalid task state")
	ErrStepConflict     = errors.New("step ordinal is not the next one")
	ErrTemplateNotFound = errors.New("task template not found")
	ErrDuplicateTask    = errors.New("task with this idempotency key already exists")
	ErrInvalidRequest   = errors.New("invalid task request")
	ErrTaskBusy         = errors.New("task is being run by another runner")
	ErrForbidden        = errors.New("task belongs to another user")
)

// Store persists task aggregates. Status changes are compare-and-swap and steps
// are append-only, so a stale runner cannot rewrite history.
type Store interface {
	// CreateTask fails with ErrDuplicateTask when the idempotency key is taken.
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	CompareAndSwapStatus(ctx context.Context, taskID string, expected, next TaskStatus, upd StatusUpdate) (Task, error)
	// AppendStep rejects a step whose Seq is not the task's next ordinal.
	AppendStep(ctx context.Context, step TaskStep) (Task, error)
	RequestCancel(ctx context.Context, taskID string) (Task, error)
	ListTasksBySession(ctx context.Context, sessionID string, limit int) ([]Task, error)
	// ListUnfinished returns pending and running tasks, oldest first.
	ListUnfinished(ctx context.Context, limit int) ([]Task, error)
	FindByIdempotencyKey(ctx context.Context, key string) (Task, error)
	SaveTemplate(ctx context.Context, tmpl Template) error
	GetTemplate(ctx context.Context, templateID string) (Template, error)
	Close() error
}
