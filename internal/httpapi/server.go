package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/toolhub/internal/config"
	"github.com/ent0n29/toolhub/internal/observability"
	"github.com/ent0n29/toolhub/internal/protocol"
	"github.com/ent0n29/toolhub/internal/schedule"
	"github.com/ent0n29/toolhub/internal/taskruntime"
	"github.com/ent0n29/toolhub/internal/tasks"
	"github.com/ent0n29/toolhub/internal/tools"
)

const (
	headerUserID     = "X-User-ID"
	headerOperatorID = "X-Operator-ID"
)

// Deps are the services behind the API. Any of them may be nil, in which case
// its routes answer 501.
type Deps struct {
	Tools     *tools.Service
	Tasks     *taskruntime.Service
	Scheduler *schedule.Scheduler
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
	// StoreMode is reported by the health endpoints.
	StoreMode string
}

type Server struct {
	cfg       config.Config
	tools     *tools.Service
	tasks     *taskruntime.Service
	scheduler *schedule.Scheduler
	metrics   *observability.Metrics
	logger    *slog.Logger
	ready     func(ctx context.Context) error
	storeMode string
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	storeMode := deps.StoreMode
	if storeMode == "" {
		storeMode = "in-memory"
	}
	return &Server{
		cfg:       cfg,
		tools:     deps.Tools,
		tasks:     deps.Tasks,
		scheduler: deps.Scheduler,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "httpapi"),
		ready:     deps.Ready,
		storeMode: storeMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tools", s.handleSubmitTool)
		r.Get("/tools", s.handleListTools)
		r.Get("/tools/{id}", s.handleGetTool)
		r.Get("/tools/{id}/history", s.handleToolHistory)
		r.Post("/tools/{id}/versions", s.handleNewToolVersion)

		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)
		r.Get("/tasks/{id}/events", s.handleListTaskEvents)
		r.Get("/sessions/{id}/tasks/latest", s.handleLatestTask)
		r.Get("/sessions/{id}/live", s.handleSessionLive)

		r.Post("/templates", s.handleCreateTemplate)
		r.Post("/schedules", s.handleCreateSchedule)
		r.Get("/schedules", s.handleListSchedules)
		r.Post("/schedules/{id}/enable", s.handleSetScheduleEnabled(true))
		r.Post("/schedules/{id}/disable", s.handleSetScheduleEnabled(false))

		r.Route("/admin", func(r chi.Router) {
			r.Post("/tools/{id}/status", s.handleManualTransition)
			r.Get("/tools/stuck", s.handleStuckTools)
			r.Get("/schedules/degraded", s.handleDegradedSchedules)
			r.Post("/scheduler/tick", s.handleSchedulerTick)
			r.Get("/latency", s.handleLatency)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"store_mode":        s.storeMode,
		"tools_enabled":     s.tools != nil,
		"tasks_enabled":     s.tasks != nil,
		"scheduler_enabled": s.scheduler != nil,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode,
	})
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.LatencySnapshot())
}

// handleSessionLive streams task events of one session over a websocket. The
// first message is a snapshot of the session's recent tasks. Clients may send
// client_control messages to cancel one of the session's tasks.
func (s *Server) handleSessionLive(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondUnavailable(w, "task runtime")
		return
	}
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	caller := callerID(r)
	events, unsubscribe := s.tasks.Subscribe(sessionID)
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	controls := make(chan any, 8)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})
	go func() {
		defer cancel()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.ParseClientMessage(raw)
			if err != nil {
				s.metrics.ObserveWSMessage("inbound", "invalid")
				msg = protocol.ErrorEvent{Type: protocol.TypeErrorEvent, SessionID: sessionID, Code: "invalid_message", Source: "client", Detail: err.Error()}
			} else {
				s.metrics.ObserveWSMessage("inbound", string(protocol.TypeClientControl))
			}
			select {
			case controls <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	write := func(msgType string, v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(v); err != nil {
			return false
		}
		s.metrics.ObserveWSMessage("outbound", msgType)
		return true
	}

	recent, err := s.tasks.ListTasks(ctx, sessionID, 20)
	if err != nil {
		recent = []tasks.Task{}
	}
	if !write(string(protocol.TypeSnapshot), protocol.Snapshot{Type: protocol.TypeSnapshot, SessionID: sessionID, Tasks: recent}) {
		return
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-controls:
			reply := s.handleLiveControl(ctx, caller, sessionID, msg)
			if !write(liveMessageType(reply), reply) {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !write(string(evt.Type), evt) {
				return
			}
		}
	}
}

func (s *Server) handleLiveControl(ctx context.Context, caller, sessionID string, msg any) any {
	control, ok := msg.(protocol.ClientControl)
	if !ok {
		return msg
	}
	ack := protocol.ControlAck{Type: protocol.TypeControlAck, SessionID: sessionID, Action: control.Action, TaskID: control.TaskID}
	if control.SessionID != sessionID {
		return protocol.ErrorEvent{Type: protocol.TypeErrorEvent, SessionID: sessionID, Code: "session_mismatch", Source: "client", Detail: "control message targets another session"}
	}
	if control.Action != protocol.ActionCancelTask {
		return ack
	}

	task, err := s.tasks.GetTask(ctx, control.TaskID)
	if err == nil && task.SessionID != sessionID {
		err = tasks.ErrTaskNotFound
	}
	if err == nil {
		reason := strings.TrimSpace(control.Reason)
		if reason == "" {
			reason = "Cancelled from live session."
		}
		task, err = s.tasks.CancelTask(ctx, caller, control.TaskID, reason)
	}
	if err != nil {
		status, code := classifyError(err)
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      code,
			Source:    "task_runtime",
			Retryable: status >= http.StatusInternalServerError,
			Detail:    err.Error(),
		}
	}
	ack.Status = string(task.Status)
	return ack
}

func liveMessageType(msg any) string {
	switch m := msg.(type) {
	case protocol.ControlAck:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	default:
		return "unknown"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondUnavailable(w http.ResponseWriter, what string) {
	respondError(w, http.StatusNotImplemented, "unavailable", what+" is not configured")
}

// respondServiceError maps domain sentinels onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	respondError(w, status, code, err.Error())
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, tools.ErrValidation),
		errors.Is(err, tasks.ErrInvalidRequest),
		errors.Is(err, schedule.ErrInvalidRequest),
		errors.Is(err, schedule.ErrInvalidRecurrence):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, tools.ErrForbidden),
		errors.Is(err, tasks.ErrForbidden),
		errors.Is(err, schedule.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, tools.ErrNotFound),
		errors.Is(err, tools.ErrToolUnavailable),
		errors.Is(err, tasks.ErrTaskNotFound),
		errors.Is(err, tasks.ErrTemplateNotFound),
		errors.Is(err, schedule.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, tools.ErrConflict),
		errors.Is(err, tasks.ErrTaskBusy),
		errors.Is(err, tasks.ErrStepConflict),
		errors.Is(err, tasks.ErrDuplicateTask):
		return http.StatusConflict, "conflict"
	case errors.Is(err, tools.ErrIllegalTransition),
		errors.Is(err, tools.ErrReasonRequired),
		errors.Is(err, tools.ErrNotTerminal),
		errors.Is(err, tasks.ErrInvalidTaskState):
		return http.StatusUnprocessableEntity, "invalid_state"
	case errors.Is(err, tools.ErrClosed),
		errors.Is(err, taskruntime.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func callerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerUserID))
}

func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
