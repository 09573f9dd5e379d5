package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/ent0n29/toolhub/internal/lease"
)

// StuckSubmission is a non-terminal submission an operator should look at.
type StuckSubmission struct {
	Submission
	AwaitingOperator bool          `json:"awaiting_operator"`
	Idle             time.Duration `json:"idle_ns"`
}

// Service is the entry point used by the HTTP layer and the task runner.
type Service struct {
	runner   *Runner
	store    Store
	registry *Registry
	invoker  Invoker
	policy   *bluemonday.Policy
	logger   *slog.Logger
	nowFn    func() time.Time

	runTimeout time.Duration
	baseCtx    context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewService(runner *Runner, invoker Invoker, runTimeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if runTimeout <= 0 {
		runTimeout = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		runner:     runner,
		store:      runner.store,
		registry:   runner.registry,
		invoker:    invoker,
		policy:     bluemonday.UGCPolicy(),
		logger:     logger.With("component", "tools"),
		nowFn:      time.Now,
		runTimeout: runTimeout,
		baseCtx:    ctx,
		stop:       cancel,
	}
}

func (s *Service) Submit(ctx context.Context, ownerID string, req SubmitRequest) (Submission, error) {
	if s.isClosed() {
		return Submission{}, ErrClosed
	}
	sub, err := NewSubmission(ownerID, s.sanitize(req), s.nowFn())
	if err != nil {
		return Submission{}, err
	}
	if err := s.store.Create(ctx, sub); err != nil {
		return Submission{}, fmt.Errorf("create submission: %w", err)
	}
	s.logger.Info("submission created", "submission_id", sub.ID, "owner_id", sub.OwnerID, "server", sub.MCPServerName)
	s.startRun(sub.ID)
	return sub, nil
}

// NewVersion re-opens a terminal submission as a fresh one that supersedes it.
// Fields left empty in req are carried over from the previous version.
func (s *Service) NewVersion(ctx context.Context, ownerID, previousID string, req SubmitRequest) (Submission, error) {
	if s.isClosed() {
		return Submission{}, ErrClosed
	}
	prev, err := s.store.Get(ctx, previousID)
	if err != nil {
		return Submission{}, err
	}
	if prev.OwnerID != strings.TrimSpace(ownerID) {
		return Submission{}, ErrForbidden
	}
	if !prev.Status.Terminal() {
		return Submission{}, fmt.Errorf("%w: %s is %s", ErrNotTerminal, prev.ID, prev.Status)
	}
	if strings.TrimSpace(req.Version) == strings.TrimSpace(prev.Version) {
		return Submission{}, fmt.Errorf("%w: version %q is already used by %s", ErrValidation, prev.Version, prev.ID)
	}

	req.Name = firstNonEmpty(req.Name, prev.Name)
	req.Subtitle = firstNonEmpty(req.Subtitle, prev.Subtitle)
	req.Description = firstNonEmpty(req.Description, prev.Description)
	req.Icon = firstNonEmpty(req.Icon, prev.Icon)
	req.UploadURL = firstNonEmpty(req.UploadURL, prev.UploadURL)
	req.MCPServerName = firstNonEmpty(req.MCPServerName, prev.MCPServerName)
	if len(req.Labels) == 0 {
		req.Labels = prev.Labels
	}

	sub, err := NewSubmission(ownerID, s.sanitize(req), s.nowFn())
	if err != nil {
		return Submission{}, err
	}
	sub.Supersedes = prev.ID
	if err := s.store.Create(ctx, sub); err != nil {
		return Submission{}, fmt.Errorf("create submission: %w", err)
	}
	s.logger.Info("submission version created", "submission_id", sub.ID, "supersedes", prev.ID, "version", sub.Version)
	s.startRun(sub.ID)
	return sub, nil
}

func (s *Service) Get(ctx context.Context, id string) (Submission, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Submission, error) {
	return s.store.ListByOwner(ctx, ownerID, limit)
}

func (s *Service) History(ctx context.Context, id string) ([]Transition, error) {
	return s.store.History(ctx, id)
}

// ApplyManualTransition commits an operator decision and resumes the pipeline
// when the new status has a processor.
func (s *Service) ApplyManualTransition(ctx context.Context, operatorID, id string, target Status, reason string) (Submission, error) {
	sub, err := s.runner.ApplyManualTransition(ctx, operatorID, id, target, reason)
	if err != nil {
		return Submission{}, err
	}
	if s.registry.Processable(sub.Status) {
		s.startRun(sub.ID)
	}
	return sub, nil
}

// Stuck lists submissions awaiting an operator together with those that have
// not moved for longer than olderThan.
func (s *Service) Stuck(ctx context.Context, olderThan time.Duration) ([]StuckSubmission, error) {
	subs, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		return nil, err
	}
	now := s.nowFn()
	out := make([]StuckSubmission, 0, len(subs))
	for _, sub := range subs {
		idle := now.Sub(sub.UpdatedAt)
		gated := sub.Status.OperatorGated()
		if !gated && idle < olderThan {
			continue
		}
		out = append(out, StuckSubmission{Submission: sub, AwaitingOperator: gated, Idle: idle})
	}
	return out, nil
}

// ResumeAll restarts every processable in-flight submission, typically after a
// restart.
func (s *Service) ResumeAll(ctx context.Context) (int, error) {
	subs, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, sub := range subs {
		if !s.registry.Processable(sub.Status) {
			continue
		}
		if s.startRun(sub.ID) {
			resumed++
		}
	}
	return resumed, nil
}

// Invoke calls a published tool addressed as "<mcp_server_name>/<tool>".
func (s *Service) Invoke(ctx context.Context, qualifiedName string, input json.RawMessage) (json.RawMessage, error) {
	server, tool, ok := strings.Cut(strings.TrimSpace(qualifiedName), "/")
	if !ok || server == "" || tool == "" {
		return nil, fmt.Errorf("%w: tool name %q must be <server>/<tool>", ErrValidation, qualifiedName)
	}
	if s.invoker == nil {
		return nil, fmt.Errorf("%w: no invoker configured", ErrToolUnavailable)
	}
	sub, err := s.store.FindPublished(ctx, server)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrToolUnavailable, server)
	}
	if err != nil {
		return nil, err
	}
	if !sub.HasTool(tool) {
		return nil, fmt.Errorf("%w: %s", ErrToolUnavailable, qualifiedName)
	}
	return s.invoker.InvokeTool(ctx, sub.DeployRef, tool, input)
}

// Close stops background runs and waits for them to return.
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

// startRun progresses id in the background unless the service is closing; the
// submission is then left for ResumeAll.
func (s *Service) startRun(id string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("tool service closed, not starting run", "submission_id", id)
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.baseCtx, s.runTimeout)
		defer cancel()
		sub, err := s.runner.Run(ctx, id)
		switch {
		case err == nil:
			s.logger.Debug("pipeline run finished", "submission_id", id, "status", sub.Status)
		case errors.Is(err, ErrConflict):
			s.logger.Debug("pipeline run skipped, another runner holds the submission", "submission_id", id)
		case errors.Is(err, context.Canceled), errors.Is(err, lease.ErrLost):
		default:
			s.logger.Error("pipeline run failed", "submission_id", id, "error", err)
		}
	}()
	return true
}

func (s *Service) sanitize(req SubmitRequest) SubmitRequest {
	req.Description = s.policy.Sanitize(req.Description)
	req.ChangeLog = s.policy.Sanitize(req.ChangeLog)
	req.Subtitle = bluemonday.StrictPolicy().Sanitize(req.Subtitle)
	return req
}
