package tasks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusCancelled},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

type StepKind string

const (
	StepKindModelCall      StepKind = "model_call"
	StepKindToolInvocation StepKind = "tool_invocation"
	StepKindSystemAction   StepKind = "system_action"
)

func (k StepKind) Valid() bool {
	switch k {
	case StepKindModelCall, StepKindToolInvocation, StepKindSystemAction:
		return true
	default:
		return false
	}
}

// FailurePolicy decides whether a failed step stops the remaining plan.
type FailurePolicy string

const (
	FailurePolicyHalt     FailurePolicy = "halt"
	FailurePolicyContinue FailurePolicy = "continue"
)

// StepSpec is one planned step. Input is the prompt for model calls and the
// argument for system actions; Arguments is the JSON payload for tool calls.
type StepSpec struct {
	Kind      StepKind        `json:"kind"`
	Title     string          `json:"title,omitempty"`
	Input     string          `json:"input,omitempty"`
	Backend   string          `json:"backend,omitempty"`
	Model     string          `json:"model,omitempty"`
	System    string          `json:"system,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Action    string          `json:"action,omitempty"`
}

func (s StepSpec) Validate() error {
	switch s.Kind {
	case StepKindModelCall:
		if strings.TrimSpace(s.Input) == "" {
			return fmt.Errorf("%w: model_call step needs input", ErrInvalidRequest)
		}
	case StepKindToolInvocation:
		if !strings.Contains(strings.TrimSpace(s.Tool), "/") {
			return fmt.Errorf("%w: tool_invocation step needs tool as <server>/<tool>", ErrInvalidRequest)
		}
		if len(s.Arguments) > 0 && !json.Valid(s.Arguments) {
			return fmt.Errorf("%w: tool_invocation arguments are not valid JSON", ErrInvalidRequest)
		}
	case StepKindSystemAction:
		if strings.TrimSpace(s.Action) == "" {
			return fmt.Errorf("%w: system_action step needs an action", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown step kind %q", ErrInvalidRequest, s.Kind)
	}
	return nil
}

// DisplayTitle falls back to something readable when the plan left Title empty.
func (s StepSpec) DisplayTitle() string {
	if t := strings.TrimSpace(s.Title); t != "" {
		return t
	}
	switch s.Kind {
	case StepKindToolInvocation:
		return "Call " + s.Tool
	case StepKindSystemAction:
		return "Run " + s.Action
	default:
		return summarize(s.Input, 80)
	}
}

type Task struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"session_id"`
	UserID          string        `json:"user_id"`
	Title           string        `json:"title"`
	Status          TaskStatus    `json:"status"`
	Plan            []StepSpec    `json:"plan"`
	FailurePolicy   FailurePolicy `json:"failure_policy"`
	Steps           []TaskStep    `json:"steps"`
	ScheduleID      string        `json:"schedule_id,omitempty"`
	FireAt          *time.Time    `json:"fire_at,omitempty"`
	IdempotencyKey  string        `json:"idempotency_key,omitempty"`
	Result          string        `json:"result,omitempty"`
	Error           string        `json:"error,omitempty"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
}

type TaskStep struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	Seq       int        `json:"seq"`
	Kind      StepKind   `json:"kind"`
	Title     string     `json:"title"`
	Input     string     `json:"input,omitempty"`
	Output    string     `json:"output,omitempty"`
	Status    StepStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	Attempts  int        `json:"attempts"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at"`
}

// Template is a reusable plan that schedules materialize into tasks.
type Template struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	SessionID     string        `json:"session_id"`
	Title         string        `json:"title"`
	Plan          []StepSpec    `json:"plan"`
	FailurePolicy FailurePolicy `json:"failure_policy"`
	CreatedAt     time.Time     `json:"created_at"`
}

type CreateRequest struct {
	SessionID     string        `json:"session_id"`
	UserID        string        `json:"user_id"`
	Title         string        `json:"title,omitempty"`
	IntentText    string        `json:"intent_text,omitempty"`
	Backend       string        `json:"backend,omitempty"`
	Plan          []StepSpec    `json:"plan,omitempty"`
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`
	// IdempotencyKey makes repeated creates return the first task.
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	ScheduleID     string     `json:"-"`
	FireAt         *time.Time `json:"-"`
}

// StatusUpdate carries the fields written together with a status change.
type StatusUpdate struct {
	Result string
	Error  string
}

type EventType string

const (
	EventTaskCreated         EventType = "task_created"
	EventTaskStarted         EventType = "task_started"
	EventTaskStepStarted     EventType = "task_step_started"
	EventTaskStepDelta       EventType = "task_step_delta"
	EventTaskStepRetry       EventType = "task_step_retry"
	EventTaskStepCompleted   EventType = "task_step_completed"
	EventTaskStepFailed      EventType = "task_step_failed"
	EventTaskCancelRequested EventType = "task_cancel_requested"
	EventTaskCompleted       EventType = "task_completed"
	EventTaskFailed          EventType = "task_failed"
	EventTaskCancelled       EventType = "task_cancelled"
)

type Event struct {
	Type      EventType  `json:"type"`
	SessionID string     `json:"session_id"`
	TaskID    string     `json:"task_id"`
	StepSeq   int        `json:"step_seq,omitempty"`
	Title     string     `json:"title,omitempty"`
	Status    TaskStatus `json:"status,omitempty"`
	Attempt   int        `json:"attempt,omitempty"`
	TextDelta string     `json:"text_delta,omitempty"`
	Result    string     `json:"result,omitempty"`
	Code      string     `json:"code,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	At        time.Time  `json:"at"`
}

func (t Task) Clone() Task {
	out := t
	if t.Steps != nil {
		out.Steps = make([]TaskStep, len(t.Steps))
		copy(out.Steps, t.Steps)
	}
	if t.Plan != nil {
		out.Plan = make([]StepSpec, len(t.Plan))
		copy(out.Plan, t.Plan)
	}
	if t.FireAt != nil {
		at := *t.FireAt
		out.FireAt = &at
	}
	return out
}

func (t Task) Terminal() bool {
	return t.Status.Terminal()
}

// NextSeq is the ordinal the next appended step must carry.
func (t Task) NextSeq() int {
	if len(t.Steps) == 0 {
		return 1
	}
	return t.Steps[len(t.Steps)-1].Seq + 1
}

// FailedStep returns the first failed step, if any.
func (t Task) FailedStep() (TaskStep, bool) {
	for _, s := range t.Steps {
		if s.Status == StepStatusFailed {
			return s, true
		}
	}
	return TaskStep{}, false
}

func (t Template) Clone() Template {
	out := t
	if t.Plan != nil {
		out.Plan = make([]StepSpec, len(t.Plan))
		copy(out.Plan, t.Plan)
	}
	return out
}

func summarize(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "Step"
	}
	if len(s) <= max {
		return s
	}
	// Back off to a rune boundary so multi-byte text is never split.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	s = s[:max]
	if cut := strings.LastIndexByte(s, ' '); cut > max/2 {
		s = s[:cut]
	}
	return strings.TrimSpace(s) + "..."
}
