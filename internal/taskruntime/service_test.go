package taskruntime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/toolhub/internal/execution"
	"github.com/ent0n29/toolhub/internal/lease"
	"github.com/ent0n29/toolhub/internal/llm"
	"github.com/ent0n29/toolhub/internal/reliability"
	"github.com/ent0n29/toolhub/internal/schedule"
	"github.com/ent0n29/toolhub/internal/tasks"
)

type stepFunc func(ctx context.Context, task tasks.Task, spec tasks.StepSpec, onDelta func(string) error) (string, error)

func (f stepFunc) RunStep(ctx context.Context, task tasks.Task, spec tasks.StepSpec, onDelta func(string) error) (string, error) {
	return f(ctx, task, spec, onDelta)
}

func testConfig() Config {
	return Config{
		TaskTimeout: 5 * time.Second,
		StepTimeout: 20 * time.Millisecond,
		Retry: reliability.RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
		CancelPollInterval: 10 * time.Millisecond,
	}
}

func newService(t *testing.T, runner StepRunner) (*Service, *lease.LocalLocker) {
	t.Helper()
	locker := lease.NewLocalLocker()
	svc := New(testConfig(), tasks.NewManager(nil), runner, locker, nil, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc, locker
}

func createPending(t *testing.T, svc *Service, req tasks.CreateRequest) tasks.Task {
	t.Helper()
	if req.SessionID == "" {
		req.SessionID = "s1"
	}
	if req.UserID == "" {
		req.UserID = "u1"
	}
	task, _, err := svc.Manager().Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return task
}

func echo(input string) tasks.StepSpec {
	return tasks.StepSpec{Kind: tasks.StepKindSystemAction, Action: "echo", Input: input}
}

func TestRunRetriesTimedOutStep(t *testing.T) {
	var secondCalls atomic.Int32
	runner := stepFunc(func(ctx context.Context, _ tasks.Task, spec tasks.StepSpec, _ func(string) error) (string, error) {
		if spec.Input == "first" {
			return "one", nil
		}
		if secondCalls.Add(1) <= 2 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "done", nil
	})
	svc, _ := newService(t, runner)
	task := createPending(t, svc, tasks.CreateRequest{Plan: []tasks.StepSpec{echo("first"), echo("second")}})

	got, err := svc.Run(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.Status != tasks.TaskStatusCompleted {
		t.Fatalf("Run() status = %s, want %s (error %q)", got.Status, tasks.TaskStatusCompleted, got.Error)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("len(Steps) = %d, want 2", len(got.Steps))
	}
	if got.Steps[1].Attempts != 3 {
		t.Fatalf("Steps[1].Attempts = %d, want 3", got.Steps[1].Attempts)
	}
	if got.Steps[0].Seq != 1 || got.Steps[1].Seq != 2 {
		t.Fatalf("step ordinals = %d,%d, want 1,2", got.Steps[0].Seq, got.Steps[1].Seq)
	}
	if got.Result != "done" {
		t.Fatalf("Result = %q, want %q", got.Result, "done")
	}

	events, err := svc.ListTaskEvents(context.Background(), task.ID, 0)
	if err != nil {
		t.Fatalf("ListTaskEvents() error = %v", err)
	}
	retries := 0
	for _, evt := range events {
		if evt.Type == tasks.EventTaskStepRetry {
			retries++
		}
	}
	if retries != 2 {
		t.Fatalf("retry events = %d, want 2", retries)
	}
}

func TestCancelMidStreamDiscardsOutput(t *testing.T) {
	streaming := make(chan struct{})
	runner := stepFunc(func(ctx context.Context, _ tasks.Task, _ tasks.StepSpec, onDelta func(string) error) (string, error) {
		if err := onDelta("partial "); err != nil {
			return "", err
		}
		close(streaming)
		<-ctx.Done()
		return "partial output", ctx.Err()
	})
	svc, _ := newService(t, runner)
	svc.cfg.StepTimeout = 5 * time.Second
	task := createPending(t, svc, tasks.CreateRequest{Plan: []tasks.StepSpec{echo("slow"), echo("never")}})

	events, unsubscribe := svc.Subscribe("s1")
	defer unsubscribe()

	type result struct {
		task tasks.Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		got, err := svc.Run(context.Background(), task.ID)
		done <- result{got, err}
	}()

	select {
	case <-streaming:
	case <-time.After(2 * time.Second):
		t.Fatalf("step never started streaming")
	}
	if _, err := svc.CancelTask(context.Background(), "u1", task.ID, "user asked"); err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after cancel")
	}
	if res.err != nil {
		t.Fatalf("Run() error = %v", res.err)
	}
	if res.task.Status != tasks.TaskStatusCancelled {
		t.Fatalf("status = %s, want %s", res.task.Status, tasks.TaskStatusCancelled)
	}
	if len(res.task.Steps) != 0 {
		t.Fatalf("len(Steps) = %d, want 0", len(res.task.Steps))
	}

	sawDelta := false
	for {
		select {
		case evt := <-events:
			if evt.Type == tasks.EventTaskStepDelta && evt.TaskID == task.ID {
				sawDelta = true
			}
			if evt.Type == tasks.EventTaskStepCompleted {
				t.Fatalf("unexpected step completion event: %+v", evt)
			}
			continue
		default:
		}
		break
	}
	if !sawDelta {
		t.Fatalf("expected the streamed chunk to reach observers")
	}
}

func TestCancelPendingTask(t *testing.T) {
	svc, _ := newService(t, execution.NewRunner(nil, nil))
	task := createPending(t, svc, tasks.CreateRequest{Plan: []tasks.StepSpec{echo("x")}})

	got, err := svc.CancelTask(context.Background(), "u1", task.ID, "")
	if err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}
	if got.Status != tasks.TaskStatusCancelled {
		t.Fatalf("status = %s, want %s", got.Status, tasks.TaskStatusCancelled)
	}

	again, err := svc.Run(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if again.Status != tasks.TaskStatusCancelled || len(again.Steps) != 0 {
		t.Fatalf("Run() on cancelled task = %s with %d steps", again.Status, len(again.Steps))
	}

	if _, err := svc.CancelTask(context.Background(), "u1", task.ID, ""); !errors.Is(err, tasks.ErrInvalidTaskState) {
		t.Fatalf("CancelTask() on terminal task error = %v, want ErrInvalidTaskState", err)
	}
}

func TestFailurePolicies(t *testing.T) {
	plan := []tasks.StepSpec{
		echo("a"),
		{Kind: tasks.StepKindSystemAction, Action: "fail", Input: "boom"},
		echo("c"),
	}
	cases := []struct {
		policy    tasks.FailurePolicy
		wantSteps int
	}{
		{tasks.FailurePolicyHalt, 2},
		{tasks.FailurePolicyContinue, 3},
	}
	for _, tc := range cases {
		t.Run(string(tc.policy), func(t *testing.T) {
			svc, _ := newService(t, execution.NewRunner(nil, nil))
			task := createPending(t, svc, tasks.CreateRequest{Plan: plan, FailurePolicy: tc.policy})

			got, err := svc.Run(context.Background(), task.ID)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got.Status != tasks.TaskStatusFailed {
				t.Fatalf("status = %s, want %s", got.Status, tasks.TaskStatusFailed)
			}
			if len(got.Steps) != tc.wantSteps {
				t.Fatalf("len(Steps) = %d, want %d", len(got.Steps), tc.wantSteps)
			}
			for i, step := range got.Steps {
				if step.Seq != i+1 {
					t.Fatalf("Steps[%d].Seq = %d, want %d", i, step.Seq, i+1)
				}
			}
			if got.Steps[1].Status != tasks.StepStatusFailed || got.Steps[1].Attempts != 1 {
				t.Fatalf("failed step = %+v, want one failed attempt", got.Steps[1])
			}
		})
	}
}

func TestRunResumesAfterPersistedSteps(t *testing.T) {
	var calls atomic.Int32
	runner := stepFunc(func(_ context.Context, _ tasks.Task, spec tasks.StepSpec, _ func(string) error) (string, error) {
		calls.Add(1)
		return spec.Input, nil
	})
	svc, _ := newService(t, runner)
	ctx := context.Background()
	task := createPending(t, svc, tasks.CreateRequest{Plan: []tasks.StepSpec{echo("a"), echo("b")}})

	if _, err := svc.Manager().Start(ctx, task.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	now := time.Now().UTC()
	if _, err := svc.Manager().AppendStep(ctx, tasks.TaskStep{
		TaskID: task.ID, Seq: 1, Kind: tasks.StepKindSystemAction, Title: "a",
		Status: tasks.StepStatusCompleted, Output: "a", Attempts: 1, StartedAt: now, EndedAt: now,
	}); err != nil {
		t.Fatalf("AppendStep() error = %v", err)
	}

	got, err := svc.Run(ctx, task.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.Status != tasks.TaskStatusCompleted || len(got.Steps) != 2 {
		t.Fatalf("Run() = %s with %d steps, want completed with 2", got.Status, len(got.Steps))
	}
	if calls.Load() != 1 {
		t.Fatalf("runner calls = %d, want 1", calls.Load())
	}
	if got.Result != "b" {
		t.Fatalf("Result = %q, want %q", got.Result, "b")
	}
}

func TestRunRejectsConcurrentRunner(t *testing.T) {
	svc, locker := newService(t, execution.NewRunner(nil, nil))
	task := createPending(t, svc, tasks.CreateRequest{Plan: []tasks.StepSpec{echo("x")}})

	held, err := locker.Acquire(context.Background(), "task:"+task.ID, time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer held.Release(context.Background())

	if _, err := svc.Run(context.Background(), task.ID); !errors.Is(err, tasks.ErrTaskBusy) {
		t.Fatalf("Run() error = %v, want ErrTaskBusy", err)
	}
	got, _ := svc.GetTask(context.Background(), task.ID)
	if got.Status != tasks.TaskStatusPending {
		t.Fatalf("status = %s, want %s", got.Status, tasks.TaskStatusPending)
	}
}

func TestMaterializeIsIdempotentPerFire(t *testing.T) {
	svc, _ := newService(t, execution.NewRunner(nil, nil))
	ctx := context.Background()
	tmpl, err := svc.SaveTemplate(ctx, tasks.Template{
		OwnerID:   "u1",
		SessionID: "s-sched",
		Title:     "daily digest",
		Plan:      []tasks.StepSpec{echo("digest")},
	})
	if err != nil {
		t.Fatalf("SaveTemplate() error = %v", err)
	}
	def := schedule.Definition{ID: "sch-1", OwnerID: "u1", TemplateID: tmpl.ID}
	fireAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	ids := make([]string, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := svc.Materialize(ctx, def, fireAt)
			if err != nil {
				t.Errorf("Materialize() error = %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("Materialize() ids = %v, want one task", ids)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := svc.GetTask(ctx, ids[0])
		if err != nil {
			t.Fatalf("GetTask() error = %v", err)
		}
		if got.Status == tasks.TaskStatusCompleted {
			if got.ScheduleID != def.ID || got.FireAt == nil || !got.FireAt.Equal(fireAt) {
				t.Fatalf("task schedule fields = %q %v", got.ScheduleID, got.FireAt)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("materialized task did not complete in time")
}

func TestCreateTaskRunsIntentWithMockBackend(t *testing.T) {
	profiles, def, err := llm.LoadProfiles("")
	if err != nil {
		t.Fatalf("LoadProfiles() error = %v", err)
	}
	catalog := llm.NewCatalog(llm.DefaultSelector(nil, nil), profiles, def)
	svc, _ := newService(t, execution.NewRunner(catalog, nil))

	task, dedup, err := svc.CreateTask(context.Background(), tasks.CreateRequest{
		SessionID:      "s2",
		UserID:         "u2",
		IntentText:     "summarize this plan",
		IdempotencyKey: "k-1",
	})
	if err != nil || dedup {
		t.Fatalf("CreateTask() = dedup %v, error %v", dedup, err)
	}
	again, dedup, err := svc.CreateTask(context.Background(), tasks.CreateRequest{
		SessionID:      "s2",
		UserID:         "u2",
		IntentText:     "summarize this plan",
		IdempotencyKey: "k-1",
	})
	if err != nil || !dedup || again.ID != task.ID {
		t.Fatalf("second CreateTask() = %s dedup %v error %v, want %s deduplicated", again.ID, dedup, err, task.ID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := svc.LatestTask(context.Background(), "s2")
		if err != nil {
			t.Fatalf("LatestTask() error = %v", err)
		}
		if got.Status == tasks.TaskStatusCompleted {
			if got.Result == "" {
				t.Fatalf("completed task has empty result")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task did not complete in time")
}

func TestCancelTaskChecksOwner(t *testing.T) {
	svc, _ := newService(t, execution.NewRunner(nil, nil))
	task := createPending(t, svc, tasks.CreateRequest{Plan: []tasks.StepSpec{echo("x")}})

	if _, err := svc.CancelTask(context.Background(), "u2", task.ID, ""); !errors.Is(err, tasks.ErrForbidden) {
		t.Fatalf("CancelTask() by another user error = %v, want ErrForbidden", err)
	}
	if _, err := svc.CancelTask(context.Background(), " ", task.ID, ""); !errors.Is(err, tasks.ErrInvalidRequest) {
		t.Fatalf("CancelTask() without caller error = %v, want ErrInvalidRequest", err)
	}
	got, _ := svc.GetTask(context.Background(), task.ID)
	if got.Status != tasks.TaskStatusPending || got.CancelRequested {
		t.Fatalf("task after rejected cancels = %s (cancel requested %v), want untouched", got.Status, got.CancelRequested)
	}
}

func TestRunRenewsLeasePastTTL(t *testing.T) {
	var (
		calls     atomic.Int32
		active    atomic.Int32
		maxActive atomic.Int32
	)
	runner := stepFunc(func(ctx context.Context, _ tasks.Task, _ tasks.StepSpec, _ func(string) error) (string, error) {
		calls.Add(1)
		n := active.Add(1)
		defer active.Add(-1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		select {
		case <-time.After(300 * time.Millisecond):
			return "slow", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	svc, _ := newService(t, runner)
	svc.cfg.LeaseTTL = 100 * time.Millisecond
	svc.cfg.StepTimeout = 5 * time.Second
	task := createPending(t, svc, tasks.CreateRequest{Plan: []tasks.StepSpec{echo("slow")}})

	type result struct {
		task tasks.Task
		err  error
	}
	first := make(chan result, 1)
	go func() {
		got, err := svc.Run(context.Background(), task.ID)
		first <- result{got, err}
	}()

	time.Sleep(150 * time.Millisecond)
	if _, err := svc.Run(context.Background(), task.ID); !errors.Is(err, tasks.ErrTaskBusy) {
		t.Fatalf("second Run() error = %v, want ErrTaskBusy", err)
	}

	var res result
	select {
	case res = <-first:
	case <-time.After(2 * time.Second):
		t.Fatalf("first Run() did not return")
	}
	if res.err != nil {
		t.Fatalf("first Run() error = %v", res.err)
	}
	if res.task.Status != tasks.TaskStatusCompleted {
		t.Fatalf("status = %s, want %s", res.task.Status, tasks.TaskStatusCompleted)
	}
	if calls.Load() != 1 || maxActive.Load() != 1 {
		t.Fatalf("step calls = %d, max concurrent = %d, want 1 and 1", calls.Load(), maxActive.Load())
	}
}

type lostLease struct{ key string }

func (l lostLease) Key() string { return l.key }

func (l lostLease) Extend(context.Context, time.Duration) error { return lease.ErrLost }

func (l lostLease) Release(context.Context) error { return nil }

type lostLocker struct{}

func (lostLocker) Acquire(_ context.Context, key string, _ time.Duration) (lease.Lease, error) {
	return lostLease{key: key}, nil
}

func TestRunAbandonsTaskWhenLeaseIsLost(t *testing.T) {
	runner := stepFunc(func(ctx context.Context, _ tasks.Task, _ tasks.StepSpec, _ func(string) error) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	cfg := testConfig()
	cfg.LeaseTTL = 30 * time.Millisecond
	cfg.StepTimeout = 5 * time.Second
	cfg.Retry.MaxAttempts = 1
	svc := New(cfg, tasks.NewManager(nil), runner, lostLocker{}, nil, nil, nil)
	defer svc.Close(context.Background())
	task := createPending(t, svc, tasks.CreateRequest{Plan: []tasks.StepSpec{echo("x")}})

	done := make(chan error, 1)
	go func() {
		_, err := svc.Run(context.Background(), task.ID)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, lease.ErrLost) {
			t.Fatalf("Run() error = %v, want lease.ErrLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() kept going after losing its lease")
	}

	got, err := svc.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != tasks.TaskStatusRunning || len(got.Steps) != 0 {
		t.Fatalf("task = %s with %d steps, want running with none recorded", got.Status, len(got.Steps))
	}
}

// cancelOnFirstRead cancels the task right after the runner reads it, so the
// runner's PENDING -> RUNNING write finds it already terminal.
type cancelOnFirstRead struct {
	tasks.Store
	armed atomic.Bool
}

func (s *cancelOnFirstRead) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	task, err := s.Store.GetTask(ctx, taskID)
	if err != nil || !s.armed.CompareAndSwap(true, false) {
		return task, err
	}
	if _, err := s.Store.CompareAndSwapStatus(ctx, taskID, tasks.TaskStatusPending, tasks.TaskStatusCancelled, tasks.StatusUpdate{Error: "Task cancelled."}); err != nil {
		return tasks.Task{}, err
	}
	return task, nil
}

func TestRunYieldsToCancelBeforeStart(t *testing.T) {
	store := &cancelOnFirstRead{Store: tasks.NewMemoryStore()}
	svc := New(testConfig(), tasks.NewManager(store), execution.NewRunner(nil, nil), nil, nil, nil, nil)
	defer svc.Close(context.Background())
	task := createPending(t, svc, tasks.CreateRequest{Plan: []tasks.StepSpec{echo("x")}})

	store.armed.Store(true)
	got, err := svc.Run(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if got.Status != tasks.TaskStatusCancelled || len(got.Steps) != 0 {
		t.Fatalf("Run() = %s with %d steps, want cancelled with none", got.Status, len(got.Steps))
	}
}

func TestClosedServiceRejectsNewWork(t *testing.T) {
	svc, _ := newService(t, execution.NewRunner(nil, nil))
	if err := svc.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_, _, err := svc.CreateTask(context.Background(), tasks.CreateRequest{
		SessionID: "s1",
		UserID:    "u1",
		Plan:      []tasks.StepSpec{echo("x")},
	})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("CreateTask() after Close error = %v, want ErrClosed", err)
	}
	if _, err := svc.Materialize(context.Background(), schedule.Definition{ID: "sch-1", OwnerID: "u1", TemplateID: "tmpl-1"}, time.Now()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Materialize() after Close error = %v, want ErrClosed", err)
	}
}
