package tools

import (
	"context"
	"fmt"
	"sort"
)

// Processor advances a submission out of exactly one status.
type Processor interface {
	Status() Status
	Process(ctx context.Context, sub Submission) (StageResult, error)
}

// Registry maps statuses to processors. It is read-only once built.
type Registry struct {
	byStatus map[Status]Processor
}

func NewRegistry(processors ...Processor) (*Registry, error) {
	reg := &Registry{byStatus: make(map[Status]Processor, len(processors))}
	for _, p := range processors {
		if p == nil {
			return nil, fmt.Errorf("nil processor")
		}
		status := p.Status()
		switch {
		case !status.Valid():
			return nil, fmt.Errorf("processor for unknown status %q", status)
		case status.Terminal():
			return nil, fmt.Errorf("processor registered for terminal status %s", status)
		case status.OperatorGated():
			return nil, fmt.Errorf("processor registered for operator-gated status %s", status)
		}
		if _, dup := reg.byStatus[status]; dup {
			return nil, fmt.Errorf("duplicate processor for status %s", status)
		}
		reg.byStatus[status] = p
	}
	return reg, nil
}

func (r *Registry) Lookup(status Status) (Processor, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.byStatus[status]
	return p, ok
}

func (r *Registry) Statuses() []Status {
	if r == nil {
		return nil
	}
	out := make([]Status, 0, len(r.byStatus))
	for s := range r.byStatus {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Processable reports whether the runner can make progress from status.
func (r *Registry) Processable(status Status) bool {
	_, ok := r.Lookup(status)
	return ok
}
