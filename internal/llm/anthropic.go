package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/toolhub/internal/reliability"
)

const (
	anthropicDefaultURL     = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicDefaultMaxToks = 1024
)

// AnthropicBackend calls the Messages API over plain HTTP and consumes its
// server-sent event stream.
type AnthropicBackend struct {
	baseURL      string
	apiKey       string
	defaultModel string
	maxTokens    int
	client       *http.Client
}

func NewAnthropicBackend(cfg ProviderConfig) (Backend, error) {
	key := strings.TrimSpace(cfg.APIKey)
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if key == "" && base == "" {
		return nil, errors.New("anthropic backend requires an api key or a base url")
	}
	if base == "" {
		base = anthropicDefaultURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxToks
	}
	return &AnthropicBackend{
		baseURL:      base,
		apiKey:       key,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
		maxTokens:    maxTokens,
		client:       &http.Client{Timeout: timeout},
	}, nil
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (b *AnthropicBackend) buildRequest(req Request, stream bool) (anthropicRequest, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = b.defaultModel
	}
	if model == "" {
		return anthropicRequest{}, errors.New("anthropic request has no model")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}
	msgs := make([]Message, 0, len(req.Messages))
	system := strings.TrimSpace(req.System)
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = strings.TrimSpace(system + "\n" + m.Content)
			continue
		}
		msgs = append(msgs, m)
	}
	return anthropicRequest{
		Model:       model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}, nil
}

func (b *AnthropicBackend) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if b.apiKey != "" {
		httpReq.Header.Set("x-api-key", b.apiKey)
	}
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	res, err := b.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, reliability.NewTransientError(fmt.Errorf("anthropic request: %w", err))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, &reliability.HTTPStatusError{Service: "anthropic", Code: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return res, nil
}

func (b *AnthropicBackend) Complete(ctx context.Context, req Request) (Response, error) {
	body, err := b.buildRequest(req, false)
	if err != nil {
		return Response{}, err
	}
	res, err := b.post(ctx, body)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()

	var decoded anthropicResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return Response{}, fmt.Errorf("decode anthropic response: %w", err)
	}
	var text strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return Response{
		Model:        decoded.Model,
		Text:         text.String(),
		FinishReason: decoded.StopReason,
		Usage: Usage{
			InputTokens:  decoded.Usage.InputTokens,
			OutputTokens: decoded.Usage.OutputTokens,
		},
	}, nil
}

func (b *AnthropicBackend) Stream(ctx context.Context, req Request) (Stream, error) {
	body, err := b.buildRequest(req, true)
	if err != nil {
		return nil, err
	}
	res, err := b.post(ctx, body)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &sseStream{body: res.Body, scanner: scanner}, nil
}

type sseEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cur     Chunk
	err     error
	done    bool
	once    sync.Once
}

func (s *sseStream) Next() bool {
	for !s.done && s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var evt sseEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			s.fail(fmt.Errorf("decode anthropic event: %w", err))
			return false
		}
		switch evt.Type {
		case "content_block_delta":
			if evt.Delta.Text == "" {
				continue
			}
			s.cur = Chunk{Text: evt.Delta.Text}
			return true
		case "message_delta":
			if evt.Delta.StopReason == "" {
				continue
			}
			s.cur = Chunk{FinishReason: evt.Delta.StopReason}
			return true
		case "message_stop":
			s.done = true
			return false
		case "error":
			err := fmt.Errorf("anthropic stream error %s: %s", evt.Error.Type, evt.Error.Message)
			if evt.Error.Type == "overloaded_error" {
				err = reliability.NewTransientError(err)
			}
			s.fail(err)
			return false
		}
	}
	if s.done {
		return false
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		s.err = fmt.Errorf("anthropic stream read: %w", err)
		return false
	}
	s.err = reliability.NewTransientError(errors.New("anthropic stream ended before message_stop"))
	return false
}

func (s *sseStream) fail(err error) {
	s.err = err
	s.done = true
}

func (s *sseStream) Chunk() Chunk { return s.cur }

func (s *sseStream) Err() error { return s.err }

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() {
		s.done = true
		err = s.body.Close()
	})
	return err
}
