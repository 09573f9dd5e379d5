package schedule

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.Mutex
	defs  map[string]Definition
	nowFn func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[string]Definition), nowFn: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, def Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[def.ID]; ok {
		return ErrInvalidRequest
	}
	def.NextFireAt = storeTime(def.NextFireAt)
	s.defs[def.ID] = def
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return Definition{}, ErrNotFound
	}
	return def, nil
}

func (s *MemoryStore) List(_ context.Context, ownerID string) ([]Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Definition, 0, len(s.defs))
	for _, def := range s.defs {
		if ownerID == "" || def.OwnerID == ownerID {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Definition, 0)
	for _, def := range s.defs {
		if def.Enabled && !def.Degraded && !def.NextFireAt.After(now) {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextFireAt.Before(out[j].NextFireAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimFire(_ context.Context, id string, expected, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return false, ErrNotFound
	}
	if !def.Enabled || def.Degraded || !def.NextFireAt.Equal(storeTime(expected)) {
		return false, nil
	}
	def.NextFireAt = storeTime(next)
	def.UpdatedAt = s.nowFn().UTC()
	s.defs[id] = def
	return true, nil
}

func (s *MemoryStore) ReleaseFire(_ context.Context, id string, claimed, restore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return ErrNotFound
	}
	if def.NextFireAt.Equal(storeTime(claimed)) {
		def.NextFireAt = storeTime(restore)
		def.UpdatedAt = s.nowFn().UTC()
		s.defs[id] = def
	}
	return nil
}

func (s *MemoryStore) RecordSuccess(_ context.Context, id string, firedAt time.Time, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return ErrNotFound
	}
	fired := storeTime(firedAt)
	def.LastFiredAt = &fired
	def.LastTaskID = taskID
	def.ConsecutiveFailures = 0
	def.FailingSince = nil
	def.LastError = ""
	def.UpdatedAt = s.nowFn().UTC()
	s.defs[id] = def
	return nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, id string, at time.Time, reason string) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return Definition{}, ErrNotFound
	}
	def.ConsecutiveFailures++
	if def.FailingSince == nil {
		since := storeTime(at)
		def.FailingSince = &since
	}
	def.LastError = reason
	def.UpdatedAt = s.nowFn().UTC()
	s.defs[id] = def
	return def, nil
}

func (s *MemoryStore) MarkDegraded(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return ErrNotFound
	}
	def.Degraded = true
	def.DegradedReason = reason
	def.UpdatedAt = s.nowFn().UTC()
	s.defs[id] = def
	return nil
}

func (s *MemoryStore) SetEnabled(_ context.Context, id string, enabled bool, next time.Time) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return Definition{}, ErrNotFound
	}
	def.Enabled = enabled
	if enabled {
		def.Degraded = false
		def.DegradedReason = ""
		def.ConsecutiveFailures = 0
		def.FailingSince = nil
		def.LastError = ""
		def.NextFireAt = storeTime(next)
	}
	def.UpdatedAt = s.nowFn().UTC()
	s.defs[id] = def
	return def, nil
}

func (s *MemoryStore) Close() error { return nil }
