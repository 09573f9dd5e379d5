package llm

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ent0n29/toolhub/internal/observability"
)

// Selector maps protocol identifiers to backend factories. Registration happens
// at startup; Resolve is a pure lookup plus construction.
type Selector struct {
	mu        sync.RWMutex
	factories map[Protocol]Factory
	breakers  *BreakerRegistry
	metrics   *observability.Metrics
}

type SelectorOption func(*Selector)

// WithBreakers wraps every resolved backend in its protocol's circuit breaker.
func WithBreakers(reg *BreakerRegistry) SelectorOption {
	return func(s *Selector) { s.breakers = reg }
}

func WithMetrics(m *observability.Metrics) SelectorOption {
	return func(s *Selector) { s.metrics = m }
}

func NewSelector(opts ...SelectorOption) *Selector {
	s := &Selector{factories: make(map[Protocol]Factory)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultSelector registers the built-in protocols behind circuit breakers.
func DefaultSelector(metrics *observability.Metrics, logger *slog.Logger) *Selector {
	s := NewSelector(WithBreakers(NewBreakerRegistry(logger)), WithMetrics(metrics))
	s.Register(ProtocolOpenAI, NewOpenAIBackend)
	s.Register(ProtocolAnthropic, NewAnthropicBackend)
	s.Register(ProtocolMock, func(ProviderConfig) (Backend, error) { return NewMockBackend(), nil })
	return s
}

func (s *Selector) Register(protocol Protocol, factory Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[normalizeProtocol(protocol)] = factory
}

func (s *Selector) Resolve(protocol Protocol, cfg ProviderConfig) (Backend, error) {
	p := normalizeProtocol(protocol)
	s.mu.RLock()
	factory, ok := s.factories[p]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, protocol)
	}
	backend, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s backend: %w", p, err)
	}
	if s.breakers != nil {
		backend = s.breakers.Wrap(p, backend)
	}
	if s.metrics != nil {
		backend = &instrumented{protocol: p, inner: backend, metrics: s.metrics}
	}
	return backend, nil
}

func (s *Selector) Protocols() []Protocol {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Protocol, 0, len(s.factories))
	for p := range s.factories {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func normalizeProtocol(p Protocol) Protocol {
	return Protocol(strings.ToLower(strings.TrimSpace(string(p))))
}
