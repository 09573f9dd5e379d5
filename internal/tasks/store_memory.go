package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu          sync.Mutex
	tasks       map[string]Task
	idempotency map[string]string
	templates   map[string]Template
	nowFn       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]Task),
		idempotency: make(map[string]string),
		templates:   make(map[string]Template),
		nowFn:       time.Now,
	}
}

func (s *MemoryStore) CreateTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("%w: task %s already exists", ErrInvalidRequest, task.ID)
	}
	if task.IdempotencyKey != "" {
		if _, taken := s.idempotency[task.IdempotencyKey]; taken {
			return ErrDuplicateTask
		}
		s.idempotency[task.IdempotencyKey] = task.ID
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryStore) CompareAndSwapStatus(_ context.Context, taskID string, expected, next TaskStatus, upd StatusUpdate) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if task.Status != expected {
		return Task{}, fmt.Errorf("%w: status is %s, expected %s", ErrInvalidTaskState, task.Status, expected)
	}
	if !CanTransition(expected, next) {
		return Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTaskState, expected, next)
	}
	applyStatus(&task, next, upd, s.nowFn().UTC())
	s.tasks[taskID] = task
	return task.Clone(), nil
}

func applyStatus(task *Task, next TaskStatus, upd StatusUpdate, now time.Time) {
	task.Status = next
	task.UpdatedAt = now
	if next == TaskStatusRunning && task.StartedAt == nil {
		started := now
		task.StartedAt = &started
	}
	if next.Terminal() {
		ended := now
		task.EndedAt = &ended
		task.Result = upd.Result
		task.Error = upd.Error
	}
}

func (s *MemoryStore) AppendStep(_ context.Context, step TaskStep) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[step.TaskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if task.Status != TaskStatusRunning {
		return Task{}, fmt.Errorf("%w: cannot append a step to a %s task", ErrInvalidTaskState, task.Status)
	}
	if want := task.NextSeq(); step.Seq != want {
		return Task{}, fmt.Errorf("%w: got %d, want %d", ErrStepConflict, step.Seq, want)
	}
	task.Steps = append(task.Steps, step)
	task.UpdatedAt = s.nowFn().UTC()
	s.tasks[task.ID] = task
	return task.Clone(), nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, taskID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if task.Terminal() {
		return Task{}, fmt.Errorf("%w: task is already %s", ErrInvalidTaskState, task.Status)
	}
	if !task.CancelRequested {
		task.CancelRequested = true
		task.UpdatedAt = s.nowFn().UTC()
		s.tasks[taskID] = task
	}
	return task.Clone(), nil
}

func (s *MemoryStore) ListTasksBySession(_ context.Context, sessionID string, limit int) ([]Task, error) {
	s.mu.Lock()
	out := make([]Task, 0)
	for _, t := range s.tasks {
		if t.SessionID == sessionID {
			out = append(out, t.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListUnfinished(_ context.Context, limit int) ([]Task, error) {
	s.mu.Lock()
	out := make([]Task, 0)
	for _, t := range s.tasks {
		if !t.Terminal() {
			out = append(out, t.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, key string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.idempotency[key]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return s.tasks[id].Clone(), nil
}

func (s *MemoryStore) SaveTemplate(_ context.Context, tmpl Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[tmpl.ID] = tmpl.Clone()
	return nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, templateID string) (Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmpl, ok := s.templates[templateID]
	if !ok {
		return Template{}, ErrTemplateNotFound
	}
	return tmpl.Clone(), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
