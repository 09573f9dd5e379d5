// Package llm resolves model backends by protocol identifier and exposes them
// behind one streaming interface.
package llm

import (
	"context"
	"errors"
	"time"
)

type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolAnthropic Protocol = "anthropic"
	ProtocolMock      Protocol = "mock"
)

var ErrUnknownProtocol = errors.New("unknown model backend protocol")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model       string    `json:"model,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Response struct {
	Model        string `json:"model,omitempty"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Chunk is one streamed fragment of a response.
type Chunk struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Stream is a finite, non-restartable iterator. Next returns false at the end
// of the stream or on error; Err tells the two apart. Close releases the
// underlying connection and is safe to call more than once.
type Stream interface {
	Next() bool
	Chunk() Chunk
	Err() error
	Close() error
}

type Backend interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// ProviderConfig carries what a factory needs to build a backend.
type ProviderConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
	MaxTokens    int
}

type Factory func(cfg ProviderConfig) (Backend, error)

// Collect drains a stream into a single string.
func Collect(s Stream) (string, error) {
	defer s.Close()
	var out []byte
	for s.Next() {
		out = append(out, s.Chunk().Text...)
	}
	return string(out), s.Err()
}
