package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/toolhub/internal/reliability"
)

// OpenAIBackend speaks the OpenAI chat completions protocol, which also covers
// compatible gateways reached through BaseURL.
type OpenAIBackend struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
}

func NewOpenAIBackend(cfg ProviderConfig) (Backend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" && strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("openai backend requires an api key or a base url")
	}
	oc := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		oc.BaseURL = strings.TrimRight(base, "/")
	}
	if cfg.Timeout > 0 {
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	model := strings.TrimSpace(cfg.DefaultModel)
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIBackend{
		client:       openai.NewClientWithConfig(oc),
		defaultModel: model,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

func (b *OpenAIBackend) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = b.defaultModel
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if sys := strings.TrimSpace(req.System); sys != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: sys})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	out := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = b.maxTokens
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	return out
}

func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := b.client.CreateChatCompletion(ctx, b.buildRequest(req, false))
	if err != nil {
		return Response{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("openai response has no choices")
	}
	choice := resp.Choices[0]
	return Response{
		Model:        resp.Model,
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (b *OpenAIBackend) Stream(ctx context.Context, req Request) (Stream, error) {
	stream, err := b.client.CreateChatCompletionStream(ctx, b.buildRequest(req, true))
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
	cur    Chunk
	err    error
	done   bool
	once   sync.Once
}

func (s *openAIStream) Next() bool {
	for !s.done {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return false
		}
		if err != nil {
			s.err = classifyOpenAIError(err)
			s.done = true
			return false
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.Content == "" && choice.FinishReason == "" {
			continue
		}
		s.cur = Chunk{Text: choice.Delta.Content, FinishReason: string(choice.FinishReason)}
		return true
	}
	return false
}

func (s *openAIStream) Chunk() Chunk { return s.cur }

func (s *openAIStream) Err() error { return s.err }

func (s *openAIStream) Close() error {
	s.once.Do(func() {
		s.done = true
		s.stream.Close()
	})
	return nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return fmt.Errorf("openai: %w", &reliability.HTTPStatusError{Service: "openai", Code: apiErr.HTTPStatusCode, Body: apiErr.Message})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return fmt.Errorf("openai: %w", &reliability.HTTPStatusError{Service: "openai", Code: reqErr.HTTPStatusCode})
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("openai: %w", err)
}
