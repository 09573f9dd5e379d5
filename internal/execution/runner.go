// Package execution runs single task steps against model backends, published
// tools and built-in system actions.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/toolhub/internal/llm"
	"github.com/ent0n29/toolhub/internal/tasks"
)

var (
	ErrUnknownAction     = errors.New("unknown system action")
	ErrStepFailed        = errors.New("step failed")
	ErrToolsUnavailable  = errors.New("tool invocation is not configured")
	ErrModelsUnavailable = errors.New("model backends are not configured")
)

// BackendSource resolves a backend profile name, empty meaning the default.
type BackendSource interface {
	Backend(name string) (llm.Backend, error)
}

// ToolInvoker calls a published tool addressed as "<server>/<tool>".
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)
}

type Runner struct {
	backends BackendSource
	tools    ToolInvoker
}

func NewRunner(backends BackendSource, tools ToolInvoker) *Runner {
	return &Runner{backends: backends, tools: tools}
}

// RunStep executes one attempt of spec. Streamed text is passed to onDelta as it
// arrives; an error from onDelta aborts the step with that error.
func (r *Runner) RunStep(ctx context.Context, task tasks.Task, spec tasks.StepSpec, onDelta func(string) error) (string, error) {
	switch spec.Kind {
	case tasks.StepKindModelCall:
		return r.runModelCall(ctx, task, spec, onDelta)
	case tasks.StepKindToolInvocation:
		return r.runToolInvocation(ctx, spec, onDelta)
	case tasks.StepKindSystemAction:
		return r.runSystemAction(ctx, spec, onDelta)
	default:
		return "", fmt.Errorf("%w: step kind %q", tasks.ErrInvalidRequest, spec.Kind)
	}
}

func (r *Runner) runModelCall(ctx context.Context, task tasks.Task, spec tasks.StepSpec, onDelta func(string) error) (string, error) {
	if r.backends == nil {
		return "", ErrModelsUnavailable
	}
	backend, err := r.backends.Backend(spec.Backend)
	if err != nil {
		return "", err
	}

	system := strings.TrimSpace(spec.System)
	if prev := previousOutput(task); prev != "" {
		system = strings.TrimSpace(system + "\n\nResult of the previous step:\n" + prev)
	}
	stream, err := backend.Stream(ctx, llm.Request{
		Model:    spec.Model,
		System:   system,
		Messages: []llm.Message{{Role: "user", Content: spec.Input}},
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var out strings.Builder
	for stream.Next() {
		delta := stream.Chunk().Text
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return "", err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

func (r *Runner) runToolInvocation(ctx context.Context, spec tasks.StepSpec, onDelta func(string) error) (string, error) {
	if r.tools == nil {
		return "", ErrToolsUnavailable
	}
	raw, err := r.tools.Invoke(ctx, spec.Tool, spec.Arguments)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(string(raw))
	if onDelta != nil && out != "" {
		if err := onDelta(out); err != nil {
			return "", err
		}
	}
	return out, nil
}

func (r *Runner) runSystemAction(ctx context.Context, spec tasks.StepSpec, onDelta func(string) error) (string, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Action)) {
	case "echo":
		out := spec.Input
		if onDelta != nil && out != "" {
			if err := onDelta(out); err != nil {
				return "", err
			}
		}
		return out, nil
	case "wait":
		d, err := time.ParseDuration(strings.TrimSpace(spec.Input))
		if err != nil || d < 0 {
			return "", fmt.Errorf("%w: wait needs a duration, got %q", ErrStepFailed, spec.Input)
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
			return "waited " + d.String(), nil
		}
	case "fail":
		msg := strings.TrimSpace(spec.Input)
		if msg == "" {
			msg = "requested failure"
		}
		return "", fmt.Errorf("%w: %s", ErrStepFailed, msg)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, spec.Action)
	}
}

func previousOutput(task tasks.Task) string {
	for i := len(task.Steps) - 1; i >= 0; i-- {
		if task.Steps[i].Status == tasks.StepStatusCompleted {
			return strings.TrimSpace(task.Steps[i].Output)
		}
	}
	return ""
}
