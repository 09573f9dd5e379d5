package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/toolhub/internal/audit"
	"github.com/ent0n29/toolhub/internal/lease"
	"github.com/ent0n29/toolhub/internal/observability"
	"github.com/ent0n29/toolhub/internal/reliability"
)

// ActorPipeline is recorded on transitions committed by the runner.
const ActorPipeline = "pipeline"

type RunnerConfig struct {
	StageTimeout time.Duration
	Retry        reliability.RetryPolicy
	// LeaseTTL bounds how long a crashed runner can block a submission. Live
	// runs extend it every LeaseTTL/3 unless NoLeaseRenewal is set.
	LeaseTTL       time.Duration
	NoLeaseRenewal bool
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 30 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	return c
}

// Runner drives one submission through its registered processors until it
// reaches a terminal or operator-gated status.
type Runner struct {
	cfg      RunnerConfig
	store    Store
	registry *Registry
	locker   lease.Locker
	recorder audit.Recorder
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewRunner(cfg RunnerConfig, store Store, registry *Registry, locker lease.Locker, recorder audit.Recorder, metrics *observability.Metrics, logger *slog.Logger) *Runner {
	if locker == nil {
		locker = lease.NewLocalLocker()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg.withDefaults(),
		store:    store,
		registry: registry,
		locker:   locker,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.With("component", "pipeline"),
	}
}

// Run progresses id as far as it can. A second concurrent Run for the same id
// returns ErrConflict without touching the submission.
func (r *Runner) Run(ctx context.Context, id string) (Submission, error) {
	ctx, release, err := r.acquire(ctx, id)
	if err != nil {
		return Submission{}, err
	}
	defer release()

	done := r.metrics.TrackRun("pipeline")
	defer done()

	for {
		if ctx.Err() != nil {
			r.metrics.ObservePipelineRun("cancelled")
			return Submission{}, context.Cause(ctx)
		}
		sub, err := r.store.Get(ctx, id)
		if err != nil {
			return Submission{}, err
		}
		if sub.Status.Terminal() {
			r.metrics.ObservePipelineRun(strings.ToLower(string(sub.Status)))
			return sub, nil
		}
		if sub.Status.OperatorGated() {
			r.metrics.ObservePipelineRun("awaiting_operator")
			r.logger.Info("submission awaiting operator", "submission_id", id, "status", sub.Status)
			return sub, nil
		}

		proc, ok := r.registry.Lookup(sub.Status)
		if !ok {
			r.metrics.ObservePipelineRun("config_error")
			r.logger.Error("no processor registered", "submission_id", id, "status", sub.Status)
			r.recorder.Record(audit.Event{
				Kind:       audit.KindToolConfigError,
				EntityType: "tool",
				EntityID:   id,
				Actor:      ActorPipeline,
				From:       string(sub.Status),
				Detail:     "no processor registered",
			})
			return sub, fmt.Errorf("%w: %s", ErrNoProcessor, sub.Status)
		}

		res, err := r.runStage(ctx, proc, sub)
		if err != nil {
			r.metrics.ObservePipelineRun("error")
			r.logger.Warn("stage failed", "submission_id", id, "status", sub.Status, "error", err)
			return sub, err
		}
		if _, err := r.commit(ctx, sub, res, ActorPipeline); err != nil {
			if errors.Is(err, ErrConflict) {
				r.metrics.ObservePipelineRun("conflict")
			} else {
				r.metrics.ObservePipelineRun("error")
			}
			return sub, err
		}
	}
}

func (r *Runner) runStage(ctx context.Context, proc Processor, sub Submission) (StageResult, error) {
	started := time.Now()
	var res StageResult
	attempts, err := r.cfg.Retry.Retry(ctx, func(ctx context.Context, attempt int) error {
		stageCtx, cancel := context.WithTimeout(ctx, r.cfg.StageTimeout)
		defer cancel()
		out, err := proc.Process(stageCtx, sub.Clone())
		if err != nil {
			return err
		}
		res = out
		return nil
	}, func(err error, wait time.Duration) {
		r.metrics.ObservePipelineRetry(string(sub.Status))
		r.logger.Warn("transient stage failure, retrying",
			"submission_id", sub.ID, "status", sub.Status, "wait", wait, "error", err)
		r.recorder.Record(audit.Event{
			Kind:       audit.KindToolRetry,
			EntityType: "tool",
			EntityID:   sub.ID,
			Actor:      ActorPipeline,
			From:       string(sub.Status),
			Detail:     err.Error(),
		})
	})
	r.metrics.ObserveStage(string(sub.Status), time.Since(started))
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return StageResult{}, context.Cause(ctx)
	}
	if reliability.IsTransient(err) {
		return Reject(fmt.Sprintf("transient failure after %d attempts: %v", attempts, err)), nil
	}
	return StageResult{}, err
}

func (r *Runner) commit(ctx context.Context, sub Submission, res StageResult, actor string) (Submission, error) {
	res.Reason = strings.TrimSpace(res.Reason)
	if err := validateResult(sub.Status, res); err != nil {
		return sub, err
	}
	next, err := r.store.CompareAndSwapStatus(ctx, sub.ID, sub.Status, res.Next, Aux{
		Reason:    res.Reason,
		Detail:    res.Diagnostic,
		DeployRef: res.DeployRef,
		Tools:     res.Tools,
	}, actor)
	if err != nil {
		return sub, err
	}

	r.metrics.ObserveTransition(string(sub.Status), string(next.Status))
	r.recorder.Record(audit.Event{
		Kind:       audit.KindToolTransition,
		EntityType: "tool",
		EntityID:   sub.ID,
		Actor:      actor,
		From:       string(sub.Status),
		To:         string(next.Status),
		Detail:     firstNonEmpty(next.RejectReason, res.Diagnostic),
	})
	r.logger.Info("submission transitioned",
		"submission_id", sub.ID, "from", sub.Status, "to", next.Status, "actor", actor, "reason", next.RejectReason)
	return next, nil
}

func validateResult(from Status, res StageResult) error {
	if !CanTransition(from, res.Next) {
		return fmt.Errorf("%w: %s -> %q", ErrIllegalTransition, from, res.Next)
	}
	if res.Next == StatusFailed && res.Reason == "" {
		return ErrReasonRequired
	}
	if res.Next != StatusFailed && res.Reason != "" {
		return fmt.Errorf("%w: reason given for non-failed status %s", ErrValidation, res.Next)
	}
	return nil
}

// acquire claims id and keeps the claim alive. The returned context ends with
// lease.ErrLost as its cause if the claim cannot be kept.
func (r *Runner) acquire(ctx context.Context, id string) (context.Context, func(), error) {
	claim, err := r.locker.Acquire(ctx, "tool:"+id, r.cfg.LeaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		return nil, nil, fmt.Errorf("%w: %s", ErrConflict, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("acquire lease: %w", err)
	}
	ctx, drop := context.WithCancelCause(ctx)
	stopRenew := func() {}
	if !r.cfg.NoLeaseRenewal {
		stopRenew = lease.KeepAlive(ctx, claim, r.cfg.LeaseTTL, func(err error) {
			r.logger.Error("submission lease lost, abandoning run", "submission_id", id, "error", err)
			drop(fmt.Errorf("%w: submission %s: %v", lease.ErrLost, id, err))
		})
	}
	return ctx, func() {
		stopRenew()
		drop(nil)
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := claim.Release(releaseCtx); err != nil {
			r.logger.Warn("lease release failed", "key", claim.Key(), "error", err)
		}
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
