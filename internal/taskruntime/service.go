// Package taskruntime runs task plans step by step with retries, cooperative
// cancellation and resumption after a restart.
package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/toolhub/internal/audit"
	"github.com/ent0n29/toolhub/internal/lease"
	"github.com/ent0n29/toolhub/internal/observability"
	"github.com/ent0n29/toolhub/internal/reliability"
	"github.com/ent0n29/toolhub/internal/schedule"
	"github.com/ent0n29/toolhub/internal/tasks"
)

var (
	// ErrClosed is returned for work submitted after Close.
	ErrClosed = errors.New("task runtime is shut down")

	errCancelled = errors.New("task cancelled")
)

type Config struct {
	TaskTimeout time.Duration
	StepTimeout time.Duration
	// Retry.MaxAttempts bounds attempts per step, the first one included.
	Retry              reliability.RetryPolicy
	LeaseTTL           time.Duration
	// NoLeaseRenewal stops the runner from extending its claim. LeaseTTL must
	// then cover TaskTimeout.
	NoLeaseRenewal     bool
	CancelPollInterval time.Duration
	ResumeLimit        int
}

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 20 * time.Minute
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 2 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = time.Second
	}
	if c.ResumeLimit <= 0 {
		c.ResumeLimit = 500
	}
	return c
}

// StepRunner executes a single attempt of one planned step.
type StepRunner interface {
	RunStep(ctx context.Context, task tasks.Task, spec tasks.StepSpec, onDelta func(string) error) (string, error)
}

type Service struct {
	cfg      Config
	manager  *tasks.Manager
	runner   StepRunner
	locker   lease.Locker
	recorder audit.Recorder
	metrics  *observability.Metrics
	logger   *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[string]*runHandle
}

type runHandle struct {
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

func (h *runHandle) trip() {
	h.cancelled.Store(true)
	h.cancel()
}

func New(cfg Config, manager *tasks.Manager, runner StepRunner, locker lease.Locker, recorder audit.Recorder, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if manager == nil {
		manager = tasks.NewManager(nil)
	}
	if locker == nil {
		locker = lease.NewLocalLocker()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg.withDefaults(),
		manager:  manager,
		runner:   runner,
		locker:   locker,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.With("component", "taskruntime"),
		baseCtx:  ctx,
		stop:     stop,
		running:  make(map[string]*runHandle),
	}
}

func (s *Service) Manager() *tasks.Manager {
	return s.manager
}

func (s *Service) Subscribe(sessionID string) (<-chan tasks.Event, func()) {
	return s.manager.Subscribe(sessionID)
}

// CreateTask stores the task and starts it in the background. A deduplicated
// create returns the existing task without starting anything.
func (s *Service) CreateTask(ctx context.Context, req tasks.CreateRequest) (tasks.Task, bool, error) {
	if s.isClosed() {
		return tasks.Task{}, false, ErrClosed
	}
	task, dedup, err := s.manager.Create(ctx, req)
	if err != nil {
		return tasks.Task{}, false, err
	}
	if dedup {
		s.metrics.ObserveTaskEvent("deduplicated")
		return task, true, nil
	}
	s.metrics.ObserveTaskEvent("created")
	s.recordStatus(task, "", tasks.TaskStatusPending, "")
	s.startAsync(task.ID)
	return task, false, nil
}

// Materialize turns one schedule fire into a task. The idempotency key makes a
// repeated fire for the same instant return the task created the first time.
func (s *Service) Materialize(ctx context.Context, def schedule.Definition, fireAt time.Time) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	tmpl, err := s.manager.GetTemplate(ctx, def.TemplateID)
	if err != nil {
		return "", err
	}
	fireAt = fireAt.UTC()
	task, dedup, err := s.manager.Create(ctx, tasks.CreateRequest{
		SessionID:      tmpl.SessionID,
		UserID:         def.OwnerID,
		Title:          tmpl.Title,
		Plan:           tmpl.Plan,
		FailurePolicy:  tmpl.FailurePolicy,
		IdempotencyKey: fmt.Sprintf("schedule:%s:%s", def.ID, fireAt.Format(time.RFC3339Nano)),
		ScheduleID:     def.ID,
		FireAt:         &fireAt,
	})
	if err != nil {
		return "", err
	}
	if !dedup {
		s.metrics.ObserveTaskEvent("created")
		s.recordStatus(task, "", tasks.TaskStatusPending, "schedule "+def.ID)
		s.startAsync(task.ID)
	}
	return task.ID, nil
}

func (s *Service) SaveTemplate(ctx context.Context, tmpl tasks.Template) (tasks.Template, error) {
	return s.manager.SaveTemplate(ctx, tmpl)
}

func (s *Service) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	return s.manager.Get(ctx, taskID)
}

func (s *Service) ListTasks(ctx context.Context, sessionID string, limit int) ([]tasks.Task, error) {
	return s.manager.ListBySession(ctx, sessionID, limit)
}

func (s *Service) LatestTask(ctx context.Context, sessionID string) (tasks.Task, error) {
	return s.manager.LatestBySession(ctx, sessionID)
}

func (s *Service) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]tasks.Event, error) {
	return s.manager.ListEvents(ctx, taskID, limit)
}

// CancelTask cancels a pending task directly. For a running task it sets the
// cancel flag and leaves the final transition to the runner. Only the task's
// owner may cancel it.
func (s *Service) CancelTask(ctx context.Context, callerID, taskID, reason string) (tasks.Task, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return tasks.Task{}, fmt.Errorf("%w: caller id is required", tasks.ErrInvalidRequest)
	}
	task, err := s.manager.Get(ctx, taskID)
	if err != nil {
		return tasks.Task{}, err
	}
	if task.UserID != callerID {
		return tasks.Task{}, fmt.Errorf("%w: %s", tasks.ErrForbidden, taskID)
	}
	if task.Terminal() {
		return tasks.Task{}, fmt.Errorf("%w: task is already %s", tasks.ErrInvalidTaskState, task.Status)
	}
	if task.Status == tasks.TaskStatusPending {
		out, err := s.manager.Cancel(ctx, taskID, reason)
		if err == nil {
			s.metrics.ObserveTaskEvent("cancelled")
			s.recordStatus(out, tasks.TaskStatusPending, tasks.TaskStatusCancelled, out.Error)
			return out, nil
		}
		if !errors.Is(err, tasks.ErrInvalidTaskState) {
			return tasks.Task{}, err
		}
		// Started in the meantime; fall through to the running path.
	}

	out, err := s.manager.RequestCancel(ctx, taskID, reason)
	if err != nil {
		return tasks.Task{}, err
	}
	s.metrics.ObserveTaskEvent("cancel_requested")
	s.mu.Lock()
	if h, ok := s.running[taskID]; ok {
		h.trip()
	}
	s.mu.Unlock()
	return out, nil
}

// ResumeUnfinished restarts every pending or running task, e.g. after a restart.
func (s *Service) ResumeUnfinished(ctx context.Context) (int, error) {
	list, err := s.manager.Store().ListUnfinished(ctx, s.cfg.ResumeLimit)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, task := range list {
		if s.startAsync(task.ID) {
			resumed++
		}
	}
	if resumed > 0 {
		s.logger.Info("resuming unfinished tasks", "count", resumed)
	}
	return resumed, nil
}

// Close stops background runs and waits for them. Interrupted tasks stay
// RUNNING and are picked up by ResumeUnfinished.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// startAsync runs the task in the background unless the service is closing.
// A task that is not started here stays PENDING for ResumeUnfinished.
func (s *Service) startAsync(taskID string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("task runtime closed, leaving task pending", "task_id", taskID)
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		_, err := s.Run(s.baseCtx, taskID)
		switch {
		case err == nil,
			errors.Is(err, tasks.ErrTaskBusy),
			errors.Is(err, lease.ErrLost),
			errors.Is(err, context.Canceled):
		default:
			s.logger.Error("task run failed", "task_id", taskID, "error", err)
		}
	}()
	return true
}

// Run executes the task synchronously until it is terminal. A second
// concurrent Run for the same task returns tasks.ErrTaskBusy. When ctx ends
// before the task does, the task is left RUNNING so a later Run resumes it.
func (s *Service) Run(ctx context.Context, taskID string) (tasks.Task, error) {
	if s.runner == nil {
		return tasks.Task{}, errors.New("task runtime has no step runner")
	}
	claim, err := s.locker.Acquire(ctx, "task:"+taskID, s.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return tasks.Task{}, fmt.Errorf("%w: %s", tasks.ErrTaskBusy, taskID)
		}
		return tasks.Task{}, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := claim.Release(releaseCtx); err != nil {
			s.logger.Warn("lease release failed", "task_id", taskID, "error", err)
		}
	}()
	ctx, dropLease := context.WithCancelCause(ctx)
	defer dropLease(nil)
	if !s.cfg.NoLeaseRenewal {
		stopRenew := lease.KeepAlive(ctx, claim, s.cfg.LeaseTTL, func(err error) {
			s.logger.Error("task lease lost, abandoning run", "task_id", taskID, "error", err)
			dropLease(fmt.Errorf("%w: task %s: %v", lease.ErrLost, taskID, err))
		})
		defer stopRenew()
	}

	done := s.metrics.TrackRun("task")
	defer done()

	task, err := s.manager.Get(ctx, taskID)
	if err != nil {
		return tasks.Task{}, err
	}
	if task.Terminal() {
		return task, nil
	}
	if task.Status == tasks.TaskStatusPending {
		if task.CancelRequested {
			return s.finishCancelled(ctx, task)
		}
		started, err := s.manager.Start(ctx, taskID)
		if err != nil {
			// A cancel that lands between Get and Start wins the race.
			return s.afterConflict(ctx, task, err)
		}
		task = started
		s.metrics.ObserveTaskEvent("started")
		s.recordStatus(task, tasks.TaskStatusPending, tasks.TaskStatusRunning, "")
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()
	h := &runHandle{cancel: cancel}
	if task.CancelRequested {
		h.cancelled.Store(true)
	}
	s.mu.Lock()
	s.running[taskID] = h
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.running[taskID] == h {
			delete(s.running, taskID)
		}
		s.mu.Unlock()
	}()
	stopWatch := s.watchCancel(runCtx, taskID, h)
	defer stopWatch()

	return s.runPlan(ctx, runCtx, h, task)
}

func (s *Service) runPlan(ctx, runCtx context.Context, h *runHandle, task tasks.Task) (tasks.Task, error) {
	var (
		failed     bool
		failDetail string
		lastOutput string
	)
	for _, step := range task.Steps {
		if step.Status == tasks.StepStatusFailed {
			failed = true
			failDetail = fmt.Sprintf("step %d: %s", step.Seq, step.Error)
		} else {
			lastOutput = step.Output
		}
	}
	halted := failed && task.FailurePolicy != tasks.FailurePolicyContinue

	for i := len(task.Steps); i < len(task.Plan) && !halted; i++ {
		if h.cancelled.Load() {
			return s.finishCancelled(ctx, task)
		}
		spec := task.Plan[i]
		seq := task.NextSeq()
		started := time.Now().UTC()

		out, attempts, stepErr := s.runStep(runCtx, h, task, seq, spec)
		if h.cancelled.Load() {
			s.logger.Info("discarding output of cancelled step", "task_id", task.ID, "seq", seq)
			return s.finishCancelled(ctx, task)
		}
		if ctx.Err() != nil {
			return task, context.Cause(ctx)
		}
		timedOut := stepErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)

		step := tasks.TaskStep{
			TaskID:    task.ID,
			Seq:       seq,
			Kind:      spec.Kind,
			Title:     spec.DisplayTitle(),
			Input:     stepInput(spec),
			Status:    tasks.StepStatusCompleted,
			Output:    out,
			Attempts:  attempts,
			StartedAt: started,
			EndedAt:   time.Now().UTC(),
		}
		if stepErr != nil {
			step.Status = tasks.StepStatusFailed
			step.Output = ""
			step.Error = stepErr.Error()
			if timedOut {
				step.Error = "task timed out: " + stepErr.Error()
			}
		}
		next, err := s.manager.AppendStep(ctx, step)
		if err != nil {
			return s.afterConflict(ctx, task, err)
		}
		task = next
		s.metrics.ObserveTaskStep(string(spec.Kind), step.EndedAt.Sub(step.StartedAt), attempts)
		s.recorder.Record(audit.Event{
			Kind:       audit.KindTaskStep,
			EntityType: "task",
			EntityID:   task.ID,
			Actor:      "runner",
			To:         string(step.Status),
			Detail:     fmt.Sprintf("step %d (%s) after %d attempt(s)", seq, spec.Kind, attempts),
		})

		if stepErr != nil {
			failed = true
			failDetail = fmt.Sprintf("step %d: %s", seq, step.Error)
			s.logger.Warn("task step failed", "task_id", task.ID, "seq", seq, "attempts", attempts, "error", stepErr)
			if timedOut || task.FailurePolicy != tasks.FailurePolicyContinue {
				halted = true
			}
			continue
		}
		lastOutput = out
	}

	if h.cancelled.Load() {
		return s.finishCancelled(ctx, task)
	}
	if failed {
		out, err := s.manager.Fail(ctx, task.ID, "step_failed", failDetail)
		if err != nil {
			return s.afterConflict(ctx, task, err)
		}
		s.metrics.ObserveTaskEvent("failed")
		s.recordStatus(out, tasks.TaskStatusRunning, tasks.TaskStatusFailed, failDetail)
		return out, nil
	}
	out, err := s.manager.Complete(ctx, task.ID, lastOutput)
	if err != nil {
		return s.afterConflict(ctx, task, err)
	}
	s.metrics.ObserveTaskEvent("completed")
	s.recordStatus(out, tasks.TaskStatusRunning, tasks.TaskStatusCompleted, "")
	s.logger.Info("task completed", "task_id", out.ID, "steps", len(out.Steps))
	return out, nil
}

// runStep retries one step until it succeeds, fails permanently or runs out of
// attempts. Only the final outcome is returned; nothing is persisted here.
func (s *Service) runStep(ctx context.Context, h *runHandle, task tasks.Task, seq int, spec tasks.StepSpec) (string, int, error) {
	s.manager.StepStarted(task, seq, spec.DisplayTitle())
	var (
		output  string
		current int
	)
	attempts, err := s.cfg.Retry.Retry(ctx, func(ctx context.Context, attempt int) error {
		current = attempt
		if h.cancelled.Load() {
			return errCancelled
		}
		stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
		defer cancel()
		out, err := s.runner.RunStep(stepCtx, task, spec, func(delta string) error {
			if h.cancelled.Load() {
				return errCancelled
			}
			s.manager.PublishChunk(task, seq, delta)
			return nil
		})
		if err != nil {
			if h.cancelled.Load() {
				return errCancelled
			}
			return err
		}
		output = out
		return nil
	}, func(err error, wait time.Duration) {
		s.manager.StepRetry(task, seq, current, err)
		s.logger.Warn("transient step failure, retrying",
			"task_id", task.ID, "seq", seq, "attempt", current, "wait", wait, "error", err)
	})
	if err != nil {
		return "", attempts, err
	}
	return output, attempts, nil
}

func (s *Service) finishCancelled(ctx context.Context, task tasks.Task) (tasks.Task, error) {
	from := task.Status
	out, err := s.manager.Cancel(ctx, task.ID, "Task cancelled.")
	if err != nil {
		return s.afterConflict(ctx, task, err)
	}
	s.metrics.ObserveTaskEvent("cancelled")
	s.recordStatus(out, from, tasks.TaskStatusCancelled, out.Error)
	return out, nil
}

// afterConflict resolves a rejected write: when someone else already finished
// the task the stored state wins.
func (s *Service) afterConflict(ctx context.Context, task tasks.Task, cause error) (tasks.Task, error) {
	if !errors.Is(cause, tasks.ErrInvalidTaskState) {
		return task, cause
	}
	current, err := s.manager.Get(ctx, task.ID)
	if err != nil {
		return task, cause
	}
	if current.Terminal() {
		return current, nil
	}
	return current, cause
}

// watchCancel polls the persisted cancel flag, which another instance may set.
func (s *Service) watchCancel(ctx context.Context, taskID string, h *runHandle) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				task, err := s.manager.Get(ctx, taskID)
				if err == nil && task.CancelRequested {
					h.trip()
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

func (s *Service) recordStatus(task tasks.Task, from, to tasks.TaskStatus, detail string) {
	s.recorder.Record(audit.Event{
		Kind:       audit.KindTaskStatus,
		EntityType: "task",
		EntityID:   task.ID,
		Actor:      "runner",
		From:       string(from),
		To:         string(to),
		Detail:     detail,
	})
}

func stepInput(spec tasks.StepSpec) string {
	switch spec.Kind {
	case tasks.StepKindToolInvocation:
		return strings.TrimSpace(spec.Tool + " " + string(spec.Arguments))
	case tasks.StepKindSystemAction:
		return strings.TrimSpace(spec.Action + " " + spec.Input)
	default:
		return spec.Input
	}
}
