package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu      sync.Mutex
	subs    map[string]Submission
	history map[string][]Transition
	nowFn   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:    make(map[string]Submission),
		history: make(map[string][]Transition),
		nowFn:   time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, sub Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[sub.ID]; exists {
		return fmt.Errorf("%w: submission %s already exists", ErrValidation, sub.ID)
	}
	s.subs[sub.ID] = sub.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return Submission{}, ErrNotFound
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string, limit int) ([]Submission, error) {
	s.mu.Lock()
	out := make([]Submission, 0)
	for _, sub := range s.subs {
		if sub.OwnerID == ownerID {
			out = append(out, sub.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListNonTerminal(_ context.Context) ([]Submission, error) {
	s.mu.Lock()
	out := make([]Submission, 0)
	for _, sub := range s.subs {
		if !sub.Status.Terminal() {
			out = append(out, sub.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) FindPublished(_ context.Context, mcpServerName string) (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  Submission
		found bool
	)
	for _, sub := range s.subs {
		if sub.MCPServerName != mcpServerName || sub.Status != StatusPublished {
			continue
		}
		if !found || sub.UpdatedAt.After(best.UpdatedAt) {
			best = sub
			found = true
		}
	}
	if !found {
		return Submission{}, ErrNotFound
	}
	return best.Clone(), nil
}

func (s *MemoryStore) CompareAndSwapStatus(_ context.Context, id string, expected, next Status, aux Aux, actor string) (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return Submission{}, ErrNotFound
	}
	if sub.Status != expected {
		return Submission{}, fmt.Errorf("%w: status is %s, expected %s", ErrConflict, sub.Status, expected)
	}
	now := s.nowFn().UTC()
	applyAux(&sub, next, aux)
	sub.UpdatedAt = now
	s.subs[id] = sub
	s.history[id] = append(s.history[id], Transition{
		SubmissionID: id,
		From:         expected,
		To:           next,
		Reason:       sub.RejectReason,
		Detail:       aux.Detail,
		Actor:        actor,
		At:           now,
	})
	return sub.Clone(), nil
}

func (s *MemoryStore) History(_ context.Context, id string) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return nil, ErrNotFound
	}
	rows := s.history[id]
	out := make([]Transition, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
