package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockBackend produces deterministic replies for development and tests. Replies
// are streamed word by word.
type MockBackend struct {
	mu     sync.Mutex
	script []MockReply
	calls  int
}

// MockReply scripts one call. Err, when set, is returned after Chunks have been
// streamed. Delay is waited before each chunk.
type MockReply struct {
	Chunks []string
	Err    error
	Delay  time.Duration
}

func NewMockBackend(script ...MockReply) *MockBackend {
	return &MockBackend{script: script}
}

func (m *MockBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockBackend) next(req Request) MockReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.script) > 0 {
		reply := m.script[0]
		if len(m.script) > 1 {
			m.script = m.script[1:]
		}
		return reply
	}
	return MockReply{Chunks: splitWords(buildMockReply(req))}
}

func (m *MockBackend) Complete(ctx context.Context, req Request) (Response, error) {
	s, err := m.Stream(ctx, req)
	if err != nil {
		return Response{}, err
	}
	text, err := Collect(s)
	if err != nil {
		return Response{}, err
	}
	return Response{Model: "mock", Text: text, FinishReason: "stop"}, nil
}

func (m *MockBackend) Stream(ctx context.Context, req Request) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply := m.next(req)
	if len(reply.Chunks) == 0 && reply.Err != nil {
		return nil, reply.Err
	}
	return &mockStream{ctx: ctx, reply: reply}, nil
}

type mockStream struct {
	ctx   context.Context
	reply MockReply
	pos   int
	cur   Chunk
	err   error
	done  bool
}

func (s *mockStream) Next() bool {
	if s.done {
		return false
	}
	if s.pos >= len(s.reply.Chunks) {
		s.done = true
		s.err = s.reply.Err
		return false
	}
	if s.reply.Delay > 0 {
		t := time.NewTimer(s.reply.Delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			s.done = true
			s.err = s.ctx.Err()
			return false
		case <-t.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		s.done = true
		s.err = err
		return false
	}
	s.cur = Chunk{Text: s.reply.Chunks[s.pos]}
	s.pos++
	return true
}

func (s *mockStream) Chunk() Chunk { return s.cur }

func (s *mockStream) Err() error { return s.err }

func (s *mockStream) Close() error {
	s.done = true
	return nil
}

func buildMockReply(req Request) string {
	base := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			base = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if base == "" {
		base = "nothing"
	}
	return fmt.Sprintf("I heard you: %s", base)
}

func splitWords(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, len(fields))
	for i, f := range fields {
		if i > 0 {
			f = " " + f
		}
		out[i] = f
	}
	return out
}
