package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/toolhub/internal/config"
	"github.com/ent0n29/toolhub/internal/execution"
	"github.com/ent0n29/toolhub/internal/lease"
	"github.com/ent0n29/toolhub/internal/reliability"
	"github.com/ent0n29/toolhub/internal/schedule"
	"github.com/ent0n29/toolhub/internal/taskruntime"
	"github.com/ent0n29/toolhub/internal/tasks"
	"github.com/ent0n29/toolhub/internal/tools"
)

type testStack struct {
	server *httptest.Server
	tools  *tools.Service
	tasks  *taskruntime.Service
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gw := tools.NewLocalGateway()
	registry, err := tools.NewRegistry(tools.DefaultProcessors(nil, gw, gw)...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	locker := lease.NewLocalLocker()
	runner := tools.NewRunner(tools.RunnerConfig{
		StageTimeout: time.Second,
		Retry:        reliability.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond},
	}, tools.NewMemoryStore(), registry, locker, nil, nil, nil)
	toolSvc := tools.NewService(runner, gw, time.Minute, nil)

	taskSvc := taskruntime.New(taskruntime.Config{
		StepTimeout: time.Second,
		Retry:       reliability.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond},
	}, tasks.NewManager(nil), execution.NewRunner(nil, toolSvc), locker, nil, nil, nil)
	sched := schedule.New(schedule.Config{}, schedule.NewMemoryStore(), taskSvc, nil, nil, nil)

	srv := New(config.Config{}, Deps{Tools: toolSvc, Tasks: taskSvc, Scheduler: sched})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = taskSvc.Close(ctx)
		_ = toolSvc.Close(ctx)
	})
	return &testStack{server: ts, tools: toolSvc, tasks: taskSvc}
}

func (s *testStack) do(t *testing.T, method, path string, headers map[string]string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	payload := map[string]any{}
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthAndUnavailableRoutes(t *testing.T) {
	srv := New(config.Config{}, Deps{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	res, err = http.Post(ts.URL+"/v1/tasks", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /v1/tasks error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("POST /v1/tasks status = %d, want %d", res.StatusCode, http.StatusNotImplemented)
	}

	res, err = http.Get(ts.URL + "/v1/admin/latency")
	if err != nil {
		t.Fatalf("GET /v1/admin/latency error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /v1/admin/latency status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestToolSubmissionFlow(t *testing.T) {
	st := newTestStack(t)
	user := map[string]string{headerUserID: "user-1"}

	res, _ := st.do(t, http.MethodPost, "/v1/tools", nil, map[string]any{"name": "x", "upload_url": "https://github.com/a/b", "version": "1"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("submit without user status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	res, body := st.do(t, http.MethodPost, "/v1/tools", user, map[string]any{
		"name":       "Weather Tools",
		"upload_url": "https://github.com/acme/weather",
		"version":    "1.0.0",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d, want %d (%v)", res.StatusCode, http.StatusCreated, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("missing id in submit response: %v", body)
	}

	waitFor(t, "manual review", func() bool {
		_, got := st.do(t, http.MethodGet, "/v1/tools/"+id, nil, nil)
		return got["status"] == string(tools.StatusManualReview)
	})

	res, _ = st.do(t, http.MethodPost, "/v1/admin/tools/"+id+"/status", nil, map[string]any{"status": "PUBLISHED"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("manual transition without operator status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}

	ops := map[string]string{headerOperatorID: "ops-1"}
	res, body = st.do(t, http.MethodPost, "/v1/admin/tools/"+id+"/status", ops, map[string]any{"status": "FAILED"})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("FAILED without reason status = %d, want %d (%v)", res.StatusCode, http.StatusUnprocessableEntity, body)
	}

	waitFor(t, "publish", func() bool {
		res, _ := st.do(t, http.MethodPost, "/v1/admin/tools/"+id+"/status", ops, map[string]any{"status": "PUBLISHED"})
		return res.StatusCode == http.StatusOK
	})

	res, body = st.do(t, http.MethodGet, "/v1/tools/"+id+"/history", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	transitions, _ := body["transitions"].([]any)
	if len(transitions) == 0 {
		t.Fatalf("history is empty: %v", body)
	}

	res, _ = st.do(t, http.MethodGet, "/v1/tools/does-not-exist", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown tool status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	res, _ = st.do(t, http.MethodPost, "/v1/tools/"+id+"/versions", map[string]string{headerUserID: "user-2"}, map[string]any{"version": "2.0.0"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("new version by another user status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestTaskRoutes(t *testing.T) {
	st := newTestStack(t)

	res, body := st.do(t, http.MethodPost, "/v1/tasks", map[string]string{headerUserID: "u1", "Idempotency-Key": "k1"}, map[string]any{
		"session_id": "s1",
		"plan": []map[string]any{
			{"kind": "system_action", "action": "echo", "input": "hello"},
		},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status = %d, want %d (%v)", res.StatusCode, http.StatusCreated, body)
	}
	taskID, _ := body["task_id"].(string)

	res, body = st.do(t, http.MethodPost, "/v1/tasks", map[string]string{headerUserID: "u1", "Idempotency-Key": "k1"}, map[string]any{
		"session_id": "s1",
		"plan": []map[string]any{
			{"kind": "system_action", "action": "echo", "input": "hello"},
		},
	})
	if res.StatusCode != http.StatusOK || body["deduped"] != true || body["task_id"] != taskID {
		t.Fatalf("repeated create = %d %v, want deduplicated %s", res.StatusCode, body, taskID)
	}

	waitFor(t, "task completion", func() bool {
		_, got := st.do(t, http.MethodGet, "/v1/tasks/"+taskID, nil, nil)
		return got["status"] == string(tasks.TaskStatusCompleted)
	})

	res, body = st.do(t, http.MethodGet, "/v1/sessions/s1/tasks/latest", nil, nil)
	if res.StatusCode != http.StatusOK || body["id"] != taskID {
		t.Fatalf("latest task = %d %v, want %s", res.StatusCode, body, taskID)
	}

	res, _ = st.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/cancel", map[string]string{headerUserID: "u2"}, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("cancel by another user status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
	res, _ = st.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/cancel", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("cancel without user status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	res, _ = st.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/cancel", map[string]string{headerUserID: "u1"}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("cancel completed task status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}

	res, body = st.do(t, http.MethodGet, "/v1/tasks/"+taskID+"/events?limit=50", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if events, _ := body["events"].([]any); len(events) == 0 {
		t.Fatalf("no events recorded: %v", body)
	}

	res, _ = st.do(t, http.MethodGet, "/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("list without session status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	res, _ = st.do(t, http.MethodPost, "/v1/tasks", map[string]string{headerUserID: "u1"}, map[string]any{
		"session_id": "s1",
		"plan":       []map[string]any{{"kind": "teleport"}},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid plan status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestScheduleRoutesAndTick(t *testing.T) {
	st := newTestStack(t)
	user := map[string]string{headerUserID: "u1"}

	res, body := st.do(t, http.MethodPost, "/v1/templates", user, map[string]any{
		"session_id": "s-sched",
		"title":      "digest",
		"plan":       []map[string]any{{"kind": "system_action", "action": "echo", "input": "digest"}},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template status = %d, want %d (%v)", res.StatusCode, http.StatusCreated, body)
	}
	templateID, _ := body["id"].(string)

	start := time.Now().Add(-time.Minute).UTC()
	res, body = st.do(t, http.MethodPost, "/v1/schedules", user, map[string]any{
		"template_id": templateID,
		"recurrence":  "every 1 day",
		"start_at":    start,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create schedule status = %d, want %d (%v)", res.StatusCode, http.StatusCreated, body)
	}
	scheduleID, _ := body["id"].(string)

	res, _ = st.do(t, http.MethodPost, "/v1/schedules/"+scheduleID+"/disable", map[string]string{headerUserID: "u2"}, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("disable foreign schedule status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}

	res, _ = st.do(t, http.MethodPost, "/v1/schedules", map[string]string{headerUserID: "u2"}, map[string]any{
		"template_id": templateID,
		"recurrence":  "every 1 day",
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("schedule on foreign template status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}

	res, _ = st.do(t, http.MethodPost, "/v1/schedules", user, map[string]any{
		"template_id": templateID,
		"recurrence":  "now and then",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad recurrence status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	res, body = st.do(t, http.MethodPost, "/v1/admin/scheduler/tick", nil, nil)
	if res.StatusCode != http.StatusOK || body["fired"] != float64(1) {
		t.Fatalf("tick = %d %v, want one fire", res.StatusCode, body)
	}

	waitFor(t, "scheduled task", func() bool {
		_, got := st.do(t, http.MethodGet, "/v1/sessions/s-sched/tasks/latest", nil, nil)
		return got["status"] == string(tasks.TaskStatusCompleted)
	})

	res, body = st.do(t, http.MethodGet, "/v1/admin/schedules/degraded", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("degraded status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if list, _ := body["schedules"].([]any); len(list) != 0 {
		t.Fatalf("degraded schedules = %v, want none", list)
	}
}

func TestSessionLiveStreamsEvents(t *testing.T) {
	st := newTestStack(t)
	wsURL := "ws" + strings.TrimPrefix(st.server.URL, "http") + "/v1/sessions/s-live/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var snapshot map[string]any
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot["type"] != "snapshot" {
		t.Fatalf("first message = %v, want snapshot", snapshot)
	}

	if _, _, err := st.tasks.CreateTask(context.Background(), tasks.CreateRequest{
		SessionID: "s-live",
		UserID:    "u1",
		Plan:      []tasks.StepSpec{{Kind: tasks.StepKindSystemAction, Action: "echo", Input: "hi"}},
	}); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	for {
		var evt map[string]any
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if evt["type"] == string(tasks.EventTaskCompleted) {
			return
		}
	}
}

func TestSessionLiveCancelControl(t *testing.T) {
	st := newTestStack(t)
	wsURL := "ws" + strings.TrimPrefix(st.server.URL, "http") + "/v1/sessions/s-ctl/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{headerUserID: {"u1"}})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var snapshot map[string]any
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	task, _, err := st.tasks.CreateTask(context.Background(), tasks.CreateRequest{
		SessionID: "s-ctl",
		UserID:    "u1",
		Plan:      []tasks.StepSpec{{Kind: tasks.StepKindSystemAction, Action: "wait", Input: "800ms"}},
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	if err := conn.WriteJSON(map[string]any{
		"type":       "client_control",
		"session_id": "s-ctl",
		"action":     "cancel_task",
		"task_id":    task.ID,
	}); err != nil {
		t.Fatalf("write control: %v", err)
	}

	var sawAck, sawCancelled bool
	for !sawAck || !sawCancelled {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read message: %v", err)
		}
		switch msg["type"] {
		case "control_ack":
			if msg["task_id"] != task.ID {
				t.Fatalf("ack task_id = %v, want %s", msg["task_id"], task.ID)
			}
			sawAck = true
		case "error_event":
			t.Fatalf("unexpected error event: %v", msg)
		case string(tasks.EventTaskCancelled):
			sawCancelled = true
		case string(tasks.EventTaskCompleted):
			t.Fatalf("task completed despite cancel")
		}
	}
}

func TestSessionLiveRejectsForeignTask(t *testing.T) {
	st := newTestStack(t)
	other, _, err := st.tasks.CreateTask(context.Background(), tasks.CreateRequest{
		SessionID: "s-other",
		UserID:    "u1",
		Plan:      []tasks.StepSpec{{Kind: tasks.StepKindSystemAction, Action: "echo", Input: "x"}},
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(st.server.URL, "http") + "/v1/sessions/s-mine/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var snapshot map[string]any
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{
		"type":       "client_control",
		"session_id": "s-mine",
		"action":     "cancel_task",
		"task_id":    other.ID,
	}); err != nil {
		t.Fatalf("write control: %v", err)
	}

	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if msg["type"] != "error_event" {
		t.Fatalf("reply = %v, want error_event", msg)
	}
}

func TestClassifyErrorOwnershipAndShutdown(t *testing.T) {
	cases := []struct {
		err      error
		wantCode int
		wantKind string
	}{
		{fmt.Errorf("%w: t1", tasks.ErrForbidden), http.StatusForbidden, "forbidden"},
		{fmt.Errorf("%w: sch-1", schedule.ErrForbidden), http.StatusForbidden, "forbidden"},
		{fmt.Errorf("submit: %w", tools.ErrClosed), http.StatusServiceUnavailable, "shutting_down"},
		{taskruntime.ErrClosed, http.StatusServiceUnavailable, "shutting_down"},
	}
	for _, tc := range cases {
		code, kind := classifyError(tc.err)
		if code != tc.wantCode || kind != tc.wantKind {
			t.Fatalf("classifyError(%v) = %d %q, want %d %q", tc.err, code, kind, tc.wantCode, tc.wantKind)
		}
	}
}
