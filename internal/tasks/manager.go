package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultEventHistoryLimit = 512

// Manager owns task bookkeeping: every mutation goes through the store, and
// every change is published to the per-task event history and to live
// subscribers of the task's session.
type Manager struct {
	store Store
	nowFn func() time.Time

	mu              sync.RWMutex
	eventsByTask    map[string][]Event
	eventHistoryMax int

	subscribers map[string]map[int]chan Event
	nextSubID   int
}

func NewManager(store Store) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{
		store:           store,
		nowFn:           time.Now,
		eventsByTask:    make(map[string][]Event),
		eventHistoryMax: defaultEventHistoryLimit,
		subscribers:     make(map[string]map[int]chan Event),
	}
}

func (m *Manager) Store() Store {
	return m.store
}

func (m *Manager) Subscribe(sessionID string) (<-chan Event, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 256)
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	if _, ok := m.subscribers[sessionID]; !ok {
		m.subscribers[sessionID] = make(map[int]chan Event)
	}
	m.subscribers[sessionID][id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[sessionID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Create validates req and stores a PENDING task. With an idempotency key, a
// repeated create returns the existing task and dedup=true.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Task, bool, error) {
	task, err := m.newTask(req)
	if err != nil {
		return Task{}, false, err
	}
	if task.IdempotencyKey != "" {
		existing, err := m.store.FindByIdempotencyKey(ctx, task.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, ErrTaskNotFound) {
			return Task{}, false, err
		}
	}
	if err := m.store.CreateTask(ctx, task); err != nil {
		if errors.Is(err, ErrDuplicateTask) {
			existing, findErr := m.store.FindByIdempotencyKey(ctx, task.IdempotencyKey)
			if findErr != nil {
				return Task{}, false, findErr
			}
			return existing, true, nil
		}
		return Task{}, false, err
	}

	m.publish(task.SessionID, Event{
		Type:      EventTaskCreated,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Title:     task.Title,
		Status:    task.Status,
		At:        task.CreatedAt,
	})
	return task, false, nil
}

func (m *Manager) newTask(req CreateRequest) (Task, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.Title = strings.TrimSpace(req.Title)
	req.IntentText = strings.TrimSpace(req.IntentText)
	if req.SessionID == "" {
		return Task{}, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	if req.UserID == "" {
		return Task{}, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	plan := req.Plan
	if len(plan) == 0 {
		plan = PlanFromIntent(req.IntentText, req.Backend)
	}
	if len(plan) == 0 {
		return Task{}, fmt.Errorf("%w: a plan or intent_text is required", ErrInvalidRequest)
	}
	for i, spec := range plan {
		if err := spec.Validate(); err != nil {
			return Task{}, fmt.Errorf("plan[%d]: %w", i, err)
		}
	}
	policy, err := normalizePolicy(req.FailurePolicy)
	if err != nil {
		return Task{}, err
	}
	title := req.Title
	if title == "" {
		title = summarize(req.IntentText, 120)
		if req.IntentText == "" {
			title = plan[0].DisplayTitle()
		}
	}

	now := m.nowFn().UTC()
	task := Task{
		ID:             uuid.NewString(),
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		Title:          title,
		Status:         TaskStatusPending,
		Plan:           append([]StepSpec(nil), plan...),
		FailurePolicy:  policy,
		ScheduleID:     req.ScheduleID,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.FireAt != nil {
		at := req.FireAt.UTC()
		task.FireAt = &at
	}
	return task, nil
}

func normalizePolicy(p FailurePolicy) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(string(p)))) {
	case "", FailurePolicyHalt:
		return FailurePolicyHalt, nil
	case FailurePolicyContinue:
		return FailurePolicyContinue, nil
	default:
		return "", fmt.Errorf("%w: unknown failure policy %q", ErrInvalidRequest, p)
	}
}

// Start moves a pending task to RUNNING.
func (m *Manager) Start(ctx context.Context, taskID string) (Task, error) {
	task, err := m.store.CompareAndSwapStatus(ctx, taskID, TaskStatusPending, TaskStatusRunning, StatusUpdate{})
	if err != nil {
		return Task{}, err
	}
	m.publish(task.SessionID, Event{
		Type:      EventTaskStarted,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Status:    task.Status,
		At:        task.UpdatedAt,
	})
	return task, nil
}

// StepStarted announces a step to observers. Nothing is persisted until the
// step finishes.
func (m *Manager) StepStarted(task Task, seq int, title string) {
	m.publish(task.SessionID, Event{
		Type:      EventTaskStepStarted,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		StepSeq:   seq,
		Title:     title,
		At:        m.nowFn().UTC(),
	})
}

// PublishChunk fans a streamed fragment out to live observers only; chunks are
// not kept in the event history.
func (m *Manager) PublishChunk(task Task, seq int, delta string) {
	if delta == "" {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.fanOutLocked(task.SessionID, Event{
		Type:      EventTaskStepDelta,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		StepSeq:   seq,
		TextDelta: delta,
		At:        m.nowFn().UTC(),
	})
}

func (m *Manager) StepRetry(task Task, seq, attempt int, cause error) {
	m.publish(task.SessionID, Event{
		Type:      EventTaskStepRetry,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		StepSeq:   seq,
		Attempt:   attempt,
		Detail:    cause.Error(),
		At:        m.nowFn().UTC(),
	})
}

// AppendStep persists a finished step. The store rejects any ordinal other than
// the next one.
func (m *Manager) AppendStep(ctx context.Context, step TaskStep) (Task, error) {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	task, err := m.store.AppendStep(ctx, step)
	if err != nil {
		return Task{}, err
	}
	evt := Event{
		Type:      EventTaskStepCompleted,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		StepSeq:   step.Seq,
		Title:     step.Title,
		Attempt:   step.Attempts,
		Result:    step.Output,
		At:        step.EndedAt,
	}
	if step.Status == StepStatusFailed {
		evt.Type = EventTaskStepFailed
		evt.Result = ""
		evt.Detail = step.Error
	}
	m.publish(task.SessionID, evt)
	return task, nil
}

func (m *Manager) Complete(ctx context.Context, taskID, result string) (Task, error) {
	task, err := m.store.CompareAndSwapStatus(ctx, taskID, TaskStatusRunning, TaskStatusCompleted, StatusUpdate{Result: result})
	if err != nil {
		return Task{}, err
	}
	m.publish(task.SessionID, Event{
		Type:      EventTaskCompleted,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Status:    task.Status,
		Result:    result,
		At:        task.UpdatedAt,
	})
	return task, nil
}

func (m *Manager) Fail(ctx context.Context, taskID, code, detail string) (Task, error) {
	task, err := m.store.CompareAndSwapStatus(ctx, taskID, TaskStatusRunning, TaskStatusFailed, StatusUpdate{Error: detail})
	if err != nil {
		return Task{}, err
	}
	m.publish(task.SessionID, Event{
		Type:      EventTaskFailed,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Status:    task.Status,
		Code:      code,
		Detail:    detail,
		At:        task.UpdatedAt,
	})
	return task, nil
}

// Cancel moves a pending or running task to CANCELLED.
func (m *Manager) Cancel(ctx context.Context, taskID, reason string) (Task, error) {
	current, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if current.Terminal() {
		return Task{}, fmt.Errorf("%w: task is already %s", ErrInvalidTaskState, current.Status)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Task cancelled."
	}
	task, err := m.store.CompareAndSwapStatus(ctx, taskID, current.Status, TaskStatusCancelled, StatusUpdate{Error: reason})
	if err != nil {
		return Task{}, err
	}
	m.publish(task.SessionID, Event{
		Type:      EventTaskCancelled,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Status:    task.Status,
		Detail:    reason,
		At:        task.UpdatedAt,
	})
	return task, nil
}

// RequestCancel persists the cancel flag for the runner to observe.
func (m *Manager) RequestCancel(ctx context.Context, taskID, reason string) (Task, error) {
	task, err := m.store.RequestCancel(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	m.publish(task.SessionID, Event{
		Type:      EventTaskCancelRequested,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Status:    task.Status,
		Detail:    strings.TrimSpace(reason),
		At:        m.nowFn().UTC(),
	})
	return task, nil
}

func (m *Manager) Get(ctx context.Context, taskID string) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Task{}, fmt.Errorf("%w: task_id is required", ErrInvalidRequest)
	}
	return m.store.GetTask(ctx, taskID)
}

func (m *Manager) ListBySession(ctx context.Context, sessionID string, limit int) ([]Task, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	return m.store.ListTasksBySession(ctx, sessionID, limit)
}

// LatestBySession returns the most recently created task of a session.
func (m *Manager) LatestBySession(ctx context.Context, sessionID string) (Task, error) {
	list, err := m.ListBySession(ctx, sessionID, 1)
	if err != nil {
		return Task{}, err
	}
	if len(list) == 0 {
		return Task{}, ErrTaskNotFound
	}
	return list[0], nil
}

func (m *Manager) ListEvents(ctx context.Context, taskID string, limit int) ([]Event, error) {
	if _, err := m.Get(ctx, taskID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.eventsByTask[taskID]
	if len(events) == 0 {
		return []Event{}, nil
	}
	start := 0
	if limit > 0 && limit < len(events) {
		start = len(events) - limit
	}
	out := make([]Event, len(events)-start)
	copy(out, events[start:])
	return out, nil
}

func (m *Manager) SaveTemplate(ctx context.Context, tmpl Template) (Template, error) {
	tmpl.OwnerID = strings.TrimSpace(tmpl.OwnerID)
	tmpl.SessionID = strings.TrimSpace(tmpl.SessionID)
	tmpl.Title = strings.TrimSpace(tmpl.Title)
	if tmpl.OwnerID == "" || tmpl.SessionID == "" {
		return Template{}, fmt.Errorf("%w: template needs owner_id and session_id", ErrInvalidRequest)
	}
	if len(tmpl.Plan) == 0 {
		return Template{}, fmt.Errorf("%w: template needs a plan", ErrInvalidRequest)
	}
	for i, spec := range tmpl.Plan {
		if err := spec.Validate(); err != nil {
			return Template{}, fmt.Errorf("plan[%d]: %w", i, err)
		}
	}
	policy, err := normalizePolicy(tmpl.FailurePolicy)
	if err != nil {
		return Template{}, err
	}
	tmpl.FailurePolicy = policy
	if tmpl.Title == "" {
		tmpl.Title = tmpl.Plan[0].DisplayTitle()
	}
	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = m.nowFn().UTC()
	}
	if err := m.store.SaveTemplate(ctx, tmpl); err != nil {
		return Template{}, err
	}
	return tmpl, nil
}

func (m *Manager) GetTemplate(ctx context.Context, templateID string) (Template, error) {
	return m.store.GetTemplate(ctx, templateID)
}

func (m *Manager) publish(sessionID string, evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishLocked(sessionID, evt)
}

func (m *Manager) publishLocked(sessionID string, evt Event) {
	if taskID := strings.TrimSpace(evt.TaskID); taskID != "" {
		m.eventsByTask[taskID] = append(m.eventsByTask[taskID], evt)
		if max := m.eventHistoryMax; max > 0 && len(m.eventsByTask[taskID]) > max {
			trimFrom := len(m.eventsByTask[taskID]) - max
			m.eventsByTask[taskID] = append([]Event(nil), m.eventsByTask[taskID][trimFrom:]...)
		}
	}
	m.fanOutLocked(sessionID, evt)
}

// fanOutLocked never blocks: a slow subscriber misses events instead of
// stalling the runner.
func (m *Manager) fanOutLocked(sessionID string, evt Event) {
	for _, ch := range m.subscribers[sessionID] {
		select {
		case ch <- evt:
		default:
		}
	}
}
