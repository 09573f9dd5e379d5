package execution

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/toolhub/internal/llm"
	"github.com/ent0n29/toolhub/internal/tasks"
)

type fixedBackends struct {
	backend llm.Backend
	names   []string
}

func (f *fixedBackends) Backend(name string) (llm.Backend, error) {
	f.names = append(f.names, name)
	if name == "missing" {
		return nil, llm.ErrUnknownProfile
	}
	return f.backend, nil
}

type recordingBackend struct {
	*llm.MockBackend
	last llm.Request
}

func (r *recordingBackend) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	r.last = req
	return r.MockBackend.Stream(ctx, req)
}

type mapInvoker map[string]string

func (m mapInvoker) Invoke(_ context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
	out, ok := m[name]
	if !ok {
		return nil, errors.New("tool not published")
	}
	return json.RawMessage(out), nil
}

func TestRunStepModelCallStreams(t *testing.T) {
	backend := &recordingBackend{MockBackend: llm.NewMockBackend(llm.MockReply{Chunks: []string{"Hel", "lo"}})}
	src := &fixedBackends{backend: backend}
	r := NewRunner(src, nil)

	task := tasks.Task{Steps: []tasks.TaskStep{{Seq: 1, Status: tasks.StepStatusCompleted, Output: "earlier"}}}
	var deltas []string
	out, err := r.RunStep(context.Background(), task, tasks.StepSpec{
		Kind:    tasks.StepKindModelCall,
		Input:   "greet",
		Backend: "fast",
	}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", out)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, []string{"fast"}, src.names)
	assert.Contains(t, backend.last.System, "earlier")
}

func TestRunStepModelCallAbortsOnDeltaError(t *testing.T) {
	stop := errors.New("stop")
	r := NewRunner(&fixedBackends{backend: llm.NewMockBackend()}, nil)
	_, err := r.RunStep(context.Background(), tasks.Task{}, tasks.StepSpec{Kind: tasks.StepKindModelCall, Input: "x"},
		func(string) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestRunStepModelCallUnknownProfile(t *testing.T) {
	r := NewRunner(&fixedBackends{backend: llm.NewMockBackend()}, nil)
	_, err := r.RunStep(context.Background(), tasks.Task{}, tasks.StepSpec{Kind: tasks.StepKindModelCall, Input: "x", Backend: "missing"}, nil)
	assert.ErrorIs(t, err, llm.ErrUnknownProfile)
}

func TestRunStepToolInvocation(t *testing.T) {
	r := NewRunner(nil, mapInvoker{"weather/forecast": `{"temp":21}`})
	out, err := r.RunStep(context.Background(), tasks.Task{}, tasks.StepSpec{Kind: tasks.StepKindToolInvocation, Tool: "weather/forecast"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"temp":21}`, out)

	_, err = NewRunner(nil, nil).RunStep(context.Background(), tasks.Task{}, tasks.StepSpec{Kind: tasks.StepKindToolInvocation, Tool: "a/b"}, nil)
	assert.ErrorIs(t, err, ErrToolsUnavailable)
}

func TestRunStepSystemActions(t *testing.T) {
	r := NewRunner(nil, nil)
	ctx := context.Background()

	out, err := r.RunStep(ctx, tasks.Task{}, tasks.StepSpec{Kind: tasks.StepKindSystemAction, Action: "echo", Input: "ping"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ping", out)

	out, err = r.RunStep(ctx, tasks.Task{}, tasks.StepSpec{Kind: tasks.StepKindSystemAction, Action: "wait", Input: "1ms"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "waited 1ms", out)

	short, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	_, err = r.RunStep(short, tasks.Task{}, tasks.StepSpec{Kind: tasks.StepKindSystemAction, Action: "wait", Input: "1m"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = r.RunStep(ctx, tasks.Task{}, tasks.StepSpec{Kind: tasks.StepKindSystemAction, Action: "fail", Input: "nope"}, nil)
	assert.ErrorIs(t, err, ErrStepFailed)

	_, err = r.RunStep(ctx, tasks.Task{}, tasks.StepSpec{Kind: tasks.StepKindSystemAction, Action: "reboot"}, nil)
	assert.ErrorIs(t, err, ErrUnknownAction)
}
