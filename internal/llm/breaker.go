package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ent0n29/toolhub/internal/observability"
	"github.com/ent0n29/toolhub/internal/reliability"
)

// BreakerRegistry holds one circuit breaker per protocol.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[Protocol]*gobreaker.CircuitBreaker
	logger   *slog.Logger

	// Trip after this many consecutive failures.
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

func NewBreakerRegistry(logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		breakers:         make(map[Protocol]*gobreaker.CircuitBreaker),
		logger:           logger,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

func (r *BreakerRegistry) Get(protocol Protocol) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[protocol]; ok {
		return cb
	}
	threshold := r.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(protocol),
		MaxRequests: 1,
		Timeout:     r.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("backend circuit breaker changed state", "protocol", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about backend health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	r.breakers[protocol] = cb
	return cb
}

func (r *BreakerRegistry) Wrap(protocol Protocol, inner Backend) Backend {
	return &breakerBackend{protocol: protocol, inner: inner, cb: r.Get(protocol)}
}

type breakerBackend struct {
	protocol Protocol
	inner    Backend
	cb       *gobreaker.CircuitBreaker
}

func (b *breakerBackend) Complete(ctx context.Context, req Request) (Response, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Complete(ctx, req)
	})
	if err != nil {
		return Response{}, b.mapErr(err)
	}
	return out.(Response), nil
}

// Stream counts only the opening of the stream against the breaker.
func (b *breakerBackend) Stream(ctx context.Context, req Request) (Stream, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Stream(ctx, req)
	})
	if err != nil {
		return nil, b.mapErr(err)
	}
	return out.(Stream), nil
}

func (b *breakerBackend) mapErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return reliability.NewTransientError(fmt.Errorf("%s backend: %w", b.protocol, err))
	}
	return err
}

type instrumented struct {
	protocol Protocol
	inner    Backend
	metrics  *observability.Metrics
}

func (i *instrumented) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := i.inner.Complete(ctx, req)
	i.metrics.ObserveBackendRequest(string(i.protocol), "complete", outcome(err))
	return resp, err
}

func (i *instrumented) Stream(ctx context.Context, req Request) (Stream, error) {
	s, err := i.inner.Stream(ctx, req)
	i.metrics.ObserveBackendRequest(string(i.protocol), "stream", outcome(err))
	return s, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case reliability.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
