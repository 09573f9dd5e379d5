// Package schedule fires recurring task templates. Each due fire is claimed
// with a conditional update so that racing schedulers create exactly one task.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/toolhub/internal/audit"
	"github.com/ent0n29/toolhub/internal/observability"
)

// Materializer creates the task for one fire. It must be idempotent per
// (definition, fireAt).
type Materializer interface {
	Materialize(ctx context.Context, def Definition, fireAt time.Time) (string, error)
}

type Config struct {
	// MaxStaleness is how long a fire may keep failing before the definition is
	// marked degraded.
	MaxStaleness time.Duration
	Concurrency  int
	BatchSize    int
	FireTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxStaleness <= 0 {
		c.MaxStaleness = time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = 30 * time.Second
	}
	return c
}

type TickReport struct {
	Due      int `json:"due"`
	Fired    int `json:"fired"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Degraded int `json:"degraded"`
}

type CreateRequest struct {
	OwnerID    string     `json:"owner_id"`
	TemplateID string     `json:"template_id"`
	Recurrence string     `json:"recurrence"`
	StartAt    *time.Time `json:"start_at,omitempty"`
}

type Scheduler struct {
	cfg          Config
	store        Store
	materializer Materializer
	recorder     audit.Recorder
	metrics      *observability.Metrics
	logger       *slog.Logger
	nowFn        func() time.Time

	wg sync.WaitGroup
}

func New(cfg Config, store Store, materializer Materializer, recorder audit.Recorder, metrics *observability.Metrics, logger *slog.Logger) *Scheduler {
	if store == nil {
		store = NewMemoryStore()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:          cfg.withDefaults(),
		store:        store,
		materializer: materializer,
		recorder:     recorder,
		metrics:      metrics,
		logger:       logger.With("component", "scheduler"),
		nowFn:        time.Now,
	}
}

func (s *Scheduler) Store() Store {
	return s.store
}

func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (Definition, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.TemplateID = strings.TrimSpace(req.TemplateID)
	if req.OwnerID == "" || req.TemplateID == "" {
		return Definition{}, fmt.Errorf("%w: owner_id and template_id are required", ErrInvalidRequest)
	}
	rec, err := ParseRecurrence(req.Recurrence)
	if err != nil {
		return Definition{}, err
	}
	now := s.nowFn().UTC()
	next := rec.Next(now)
	if req.StartAt != nil {
		next = req.StartAt.UTC()
	}
	def := Definition{
		ID:         uuid.NewString(),
		OwnerID:    req.OwnerID,
		TemplateID: req.TemplateID,
		Recurrence: rec.String(),
		NextFireAt: storeTime(next),
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, def); err != nil {
		return Definition{}, err
	}
	s.logger.Info("schedule created", "schedule_id", def.ID, "recurrence", def.Recurrence, "next_fire_at", def.NextFireAt)
	return def, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (Definition, error) {
	return s.store.Get(ctx, id)
}

func (s *Scheduler) List(ctx context.Context, ownerID string) ([]Definition, error) {
	return s.store.List(ctx, strings.TrimSpace(ownerID))
}

// SetEnabled toggles a definition on behalf of its owner. Re-enabling clears
// degradation and re-anchors the next fire after now, so missed fires are not
// replayed.
func (s *Scheduler) SetEnabled(ctx context.Context, callerID, id string, enabled bool) (Definition, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return Definition{}, fmt.Errorf("%w: caller id is required", ErrInvalidRequest)
	}
	def, err := s.store.Get(ctx, id)
	if err != nil {
		return Definition{}, err
	}
	if def.OwnerID != callerID {
		return Definition{}, fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	var next time.Time
	if enabled {
		rec, err := ParseRecurrence(def.Recurrence)
		if err != nil {
			return Definition{}, err
		}
		next = rec.NextAfter(def.NextFireAt, s.nowFn().UTC())
	}
	return s.store.SetEnabled(ctx, id, enabled, next)
}

func (s *Scheduler) Degraded(ctx context.Context) ([]Definition, error) {
	all, err := s.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]Definition, 0)
	for _, def := range all {
		if def.Degraded {
			out = append(out, def)
		}
	}
	return out, nil
}

// Start ticks every interval until ctx ends. Wait blocks until the loop exits.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report, err := s.Tick(ctx, s.nowFn())
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						s.logger.Error("scheduler tick failed", "error", err)
					}
					continue
				}
				if report.Due > 0 {
					s.logger.Info("scheduler tick", "due", report.Due, "fired", report.Fired,
						"skipped", report.Skipped, "failed", report.Failed, "degraded", report.Degraded)
				}
			}
		}
	}()
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick fires every definition due at now. Failures of individual fires are
// reported, not returned; the error is only set when the due set cannot be read.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	if s.materializer == nil {
		return TickReport{}, errors.New("scheduler has no materializer")
	}
	now = now.UTC()
	due, err := s.store.Due(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return TickReport{}, err
	}

	var fired, skipped, failed, degraded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, def := range due {
		def := def
		g.Go(func() error {
			switch s.fire(gctx, def, now) {
			case outcomeFired:
				fired.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			case outcomeDegraded:
				failed.Add(1)
				degraded.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return TickReport{
		Due:      len(due),
		Fired:    int(fired.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
		Degraded: int(degraded.Load()),
	}, ctx.Err()
}

type fireOutcome int

const (
	outcomeFired fireOutcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeDegraded
)

func (s *Scheduler) fire(ctx context.Context, def Definition, now time.Time) fireOutcome {
	fireAt := def.NextFireAt
	rec, err := ParseRecurrence(def.Recurrence)
	if err != nil {
		s.degrade(ctx, def, fireAt, err.Error())
		return outcomeDegraded
	}
	next := rec.NextAfter(fireAt, now)

	claimed, err := s.store.ClaimFire(ctx, def.ID, fireAt, next)
	if err != nil {
		s.logger.Warn("schedule claim failed", "schedule_id", def.ID, "error", err)
		s.metrics.ObserveSchedulerFire("claim_error")
		return outcomeFailed
	}
	if !claimed {
		s.metrics.ObserveSchedulerFire("skipped")
		return outcomeSkipped
	}

	fireCtx, cancel := context.WithTimeout(ctx, s.cfg.FireTimeout)
	taskID, err := s.materializer.Materialize(fireCtx, def, fireAt)
	cancel()
	if err != nil {
		return s.fail(ctx, def, fireAt, next, now, err)
	}

	if err := s.store.RecordSuccess(ctx, def.ID, fireAt, taskID); err != nil {
		s.logger.Warn("schedule success not recorded", "schedule_id", def.ID, "error", err)
	}
	s.metrics.ObserveSchedulerFire("fired")
	s.recorder.Record(audit.Event{
		Kind:       audit.KindScheduleFired,
		EntityType: "schedule",
		EntityID:   def.ID,
		Actor:      "scheduler",
		Detail:     fmt.Sprintf("fire %s -> task %s, next %s", fireAt.Format(time.RFC3339), taskID, next.Format(time.RFC3339)),
	})
	s.logger.Info("schedule fired", "schedule_id", def.ID, "fire_at", fireAt, "task_id", taskID, "next_fire_at", next)
	return outcomeFired
}

// fail puts the fire back so the next tick retries it, and degrades the
// definition once the fire has been failing for longer than MaxStaleness.
func (s *Scheduler) fail(ctx context.Context, def Definition, fireAt, next, now time.Time, cause error) fireOutcome {
	if err := s.store.ReleaseFire(ctx, def.ID, next, fireAt); err != nil {
		s.logger.Error("schedule fire not released", "schedule_id", def.ID, "error", err)
	}
	if _, err := s.store.RecordFailure(ctx, def.ID, now, cause.Error()); err != nil {
		s.logger.Warn("schedule failure not recorded", "schedule_id", def.ID, "error", err)
	}
	s.metrics.ObserveSchedulerFire("failed")
	s.recorder.Record(audit.Event{
		Kind:       audit.KindScheduleFailed,
		EntityType: "schedule",
		EntityID:   def.ID,
		Actor:      "scheduler",
		Detail:     cause.Error(),
	})
	s.logger.Warn("schedule fire failed", "schedule_id", def.ID, "fire_at", fireAt, "error", cause)

	if now.Sub(fireAt) > s.cfg.MaxStaleness {
		s.degrade(ctx, def, fireAt, fmt.Sprintf("fire %s failing for %s: %v",
			fireAt.Format(time.RFC3339), now.Sub(fireAt).Round(time.Second), cause))
		return outcomeDegraded
	}
	return outcomeFailed
}

func (s *Scheduler) degrade(ctx context.Context, def Definition, fireAt time.Time, reason string) {
	if err := s.store.MarkDegraded(ctx, def.ID, reason); err != nil {
		s.logger.Error("schedule not marked degraded", "schedule_id", def.ID, "error", err)
		return
	}
	s.metrics.ObserveSchedulerFire("degraded")
	s.recorder.Record(audit.Event{
		Kind:       audit.KindScheduleDegraded,
		EntityType: "schedule",
		EntityID:   def.ID,
		Actor:      "scheduler",
		Detail:     reason,
	})
	s.logger.Error("schedule degraded", "schedule_id", def.ID, "fire_at", fireAt, "reason", reason)
}
