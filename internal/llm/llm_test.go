package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/toolhub/internal/reliability"
)

func TestSelectorResolveUnknownProtocol(t *testing.T) {
	s := NewSelector()
	s.Register(ProtocolMock, func(ProviderConfig) (Backend, error) { return NewMockBackend(), nil })

	_, err := s.Resolve("grpc-llm", ProviderConfig{})
	assert.ErrorIs(t, err, ErrUnknownProtocol)

	b, err := s.Resolve(" MOCK ", ProviderConfig{})
	require.NoError(t, err)
	assert.NotNil(t, b)
	assert.Equal(t, []Protocol{ProtocolMock}, s.Protocols())
}

func TestDefaultSelectorRegistersBuiltins(t *testing.T) {
	s := DefaultSelector(nil, nil)
	assert.Equal(t, []Protocol{ProtocolAnthropic, ProtocolMock, ProtocolOpenAI}, s.Protocols())

	_, err := s.Resolve(ProtocolOpenAI, ProviderConfig{})
	assert.Error(t, err)
}

func TestMockBackendStreamsDeterministically(t *testing.T) {
	b := NewMockBackend()
	s, err := b.Stream(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hello there"}}})
	require.NoError(t, err)

	var chunks []string
	for s.Next() {
		chunks = append(chunks, s.Chunk().Text)
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []string{"I", " heard", " you:", " hello", " there"}, chunks)
	assert.False(t, s.Next(), "stream must not restart")
	require.NoError(t, s.Close())
}

func TestMockBackendScriptedError(t *testing.T) {
	boom := errors.New("boom")
	b := NewMockBackend(MockReply{Chunks: []string{"par", "tial"}, Err: boom})
	text, err := Collect(mustStream(t, b))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "partial", text)
}

func mustStream(t *testing.T, b Backend) Stream {
	t.Helper()
	s, err := b.Stream(context.Background(), Request{})
	require.NoError(t, err)
	return s
}

type failingBackend struct {
	calls int
}

func (f *failingBackend) Complete(context.Context, Request) (Response, error) {
	f.calls++
	return Response{}, errors.New("upstream down")
}

func (f *failingBackend) Stream(context.Context, Request) (Stream, error) {
	f.calls++
	return nil, errors.New("upstream down")
}

func TestBreakerOpensAndReportsTransient(t *testing.T) {
	reg := NewBreakerRegistry(nil)
	reg.FailureThreshold = 2
	reg.OpenTimeout = time.Hour
	inner := &failingBackend{}
	b := reg.Wrap("flaky", inner)

	for i := 0; i < 2; i++ {
		_, err := b.Complete(context.Background(), Request{})
		require.Error(t, err)
		assert.False(t, reliability.IsTransient(err))
	}
	_, err := b.Stream(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, reliability.IsTransient(err), "open breaker must be transient: %v", err)
	assert.Equal(t, 2, inner.calls)
}

func TestAnthropicStreamParsesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" || r.Header.Get("x-api-key") != "k" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"message_start"}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
		}
	}))
	defer srv.Close()

	b, err := NewAnthropicBackend(ProviderConfig{BaseURL: srv.URL, APIKey: "k", DefaultModel: "claude-test"})
	require.NoError(t, err)
	s, err := b.Stream(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)

	var text strings.Builder
	var finish string
	for s.Next() {
		text.WriteString(s.Chunk().Text)
		if fr := s.Chunk().FinishReason; fr != "" {
			finish = fr
		}
	}
	require.NoError(t, s.Err())
	require.NoError(t, s.Close())
	assert.Equal(t, "Hello", text.String())
	assert.Equal(t, "end_turn", finish)
}

func TestAnthropicRetryableStatusIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", 529)
	}))
	defer srv.Close()

	b, err := NewAnthropicBackend(ProviderConfig{BaseURL: srv.URL, DefaultModel: "m"})
	require.NoError(t, err)
	_, err = b.Complete(context.Background(), Request{})
	var statusErr *reliability.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 529, statusErr.Code)

	srv503 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv503.Close()
	b, err = NewAnthropicBackend(ProviderConfig{BaseURL: srv503.URL, DefaultModel: "m"})
	require.NoError(t, err)
	_, err = b.Stream(context.Background(), Request{})
	assert.True(t, reliability.IsTransient(err))
}

func TestAnthropicTruncatedStreamIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"a\"}}\n\n")
	}))
	defer srv.Close()

	b, err := NewAnthropicBackend(ProviderConfig{BaseURL: srv.URL, DefaultModel: "m"})
	require.NoError(t, err)
	text, err := Collect(mustStream(t, b))
	assert.Equal(t, "a", text)
	assert.True(t, reliability.IsTransient(err))
}

func TestParseProfilesAndCatalog(t *testing.T) {
	raw := []byte(`
default: fast
profiles:
  - name: fast
    protocol: MOCK
    timeout: 5s
  - name: claude
    protocol: anthropic
    api_key_env: TEST_ANTHROPIC_KEY
    default_model: claude-test
  - name: broken
    protocol: carrier-pigeon
`)
	profiles, def, err := ParseProfiles(raw)
	require.NoError(t, err)
	assert.Equal(t, "fast", def)
	require.Len(t, profiles, 3)
	assert.Equal(t, ProtocolMock, profiles[0].Protocol)
	assert.Equal(t, 5*time.Second, profiles[0].Timeout)

	cat := NewCatalog(DefaultSelector(nil, nil), profiles, def)
	cat.getenv = func(key string) string {
		if key == "TEST_ANTHROPIC_KEY" {
			return "secret"
		}
		return ""
	}

	b, err := cat.Backend("")
	require.NoError(t, err)
	again, err := cat.Backend("fast")
	require.NoError(t, err)
	assert.Same(t, b, again)

	_, err = cat.Backend("claude")
	require.NoError(t, err)

	_, err = cat.Backend("broken")
	assert.ErrorIs(t, err, ErrUnknownProtocol)

	_, err = cat.Backend("missing")
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestParseProfilesRejectsBadFiles(t *testing.T) {
	for _, raw := range []string{
		`profiles: []`,
		"profiles:\n  - name: a\n",
		"profiles:\n  - name: a\n    protocol: mock\n  - name: a\n    protocol: mock\n",
		"default: b\nprofiles:\n  - name: a\n    protocol: mock\n",
	} {
		_, _, err := ParseProfiles([]byte(raw))
		assert.Error(t, err, raw)
	}
}
