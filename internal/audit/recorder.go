// Package audit fans lifecycle events out to notification and audit sinks without
// ever blocking the caller.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Event kinds recorded by the core.
const (
	KindToolTransition   = "tool.transition"
	KindToolConfigError  = "tool.config_error"
	KindToolRetry        = "tool.retry"
	KindTaskStatus       = "task.status"
	KindTaskStep         = "task.step"
	KindScheduleFired    = "schedule.fired"
	KindScheduleFailed   = "schedule.fire_failed"
	KindScheduleDegraded = "schedule.degraded"
)

type Event struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Actor      string    `json:"actor,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Recorder accepts events fire-and-forget.
type Recorder interface {
	Record(evt Event)
}

// Sink persists or forwards one event.
type Sink interface {
	Name() string
	Write(ctx context.Context, evt Event) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(Event) {}

type Option func(*AsyncRecorder)

func WithLogger(logger *slog.Logger) Option {
	return func(r *AsyncRecorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithQueueSize(n int) Option {
	return func(r *AsyncRecorder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(r *AsyncRecorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithDropHook is called whenever an event is dropped because the queue is full.
func WithDropHook(fn func()) Option {
	return func(r *AsyncRecorder) { r.onDrop = fn }
}

// AsyncRecorder queues events and writes them to every sink from a single worker.
type AsyncRecorder struct {
	sinks        []Sink
	logger       *slog.Logger
	queueSize    int
	writeTimeout time.Duration
	onDrop       func()

	queue     chan Event
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewAsyncRecorder(sinks []Sink, opts ...Option) *AsyncRecorder {
	r := &AsyncRecorder{
		sinks:        sinks,
		logger:       slog.Default(),
		queueSize:    1024,
		writeTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.queue = make(chan Event, r.queueSize)
	r.done = make(chan struct{})
	go r.run()
	return r
}

func (r *AsyncRecorder) Record(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	evt.Detail, _ = Redact(evt.Detail)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- evt:
	default:
		r.logger.Warn("audit queue full, dropping event", "kind", evt.Kind, "entity_id", evt.EntityID)
		if r.onDrop != nil {
			r.onDrop()
		}
	}
}

func (r *AsyncRecorder) run() {
	defer close(r.done)
	for evt := range r.queue {
		r.write(evt)
	}
}

func (r *AsyncRecorder) write(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range r.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Write(ctx, evt); err != nil {
				r.logger.Error("audit sink write failed", "sink", sink.Name(), "kind", evt.Kind, "error", err)
				return fmt.Errorf("%s: %w", sink.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close stops accepting events, drains the queue until ctx ends, then closes sinks.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()

		select {
		case <-r.done:
		case <-ctx.Done():
			err = fmt.Errorf("audit drain: %w", ctx.Err())
		}
		for _, sink := range r.sinks {
			if cerr := sink.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close %s sink: %w", sink.Name(), cerr)
			}
		}
	})
	return err
}
