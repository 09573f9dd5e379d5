package tools

import (
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

// Invoker calls one tool on a deployed MCP server.
type Invoker interface {
	InvokeTool(ctx context.Context, deployRef, tool string, input json.RawMessage) (json.RawMessage, error)
}

// GatewayClient talks to the deployment gateway that builds MCP servers from
// repositories and proxies tool calls to them.
type GatewayClient struct {
	baseURL string
	client  *http.Client
}

func NewGatewayClient(baseURL string, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type deployRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Repository     string `json:"repository"`
	ServerName     string `json:"server_name"`
	Version        string `json:"version"`
}

type deployResponse struct {
	DeploymentID string `json:"deployment_id"`
}

func (g *GatewayClient) Deploy(ctx context.Context, sub Submission) (string, error) {
	var out deployResponse
	err := g.do(ctx, http.MethodPost, "/v1/deployments", deployRequest{
		IdempotencyKey: sub.ID,
		Repository:     sub.UploadURL,
		ServerName:     sub.MCPServerName,
		Version:        sub.Version,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.DeploymentID, nil
}

type listToolsResponse struct {
	Tools []ToolDefinition `json:"tools"`
}

func (g *GatewayClient) ListTools(ctx context.Context, deployRef string) ([]ToolDefinition, error) {
	var out listToolsResponse
	if err := g.do(ctx, http.MethodGet, "/v1/deployments/"+deployRef+"/tools", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

type invokeResponse struct {
	Output json.RawMessage `json:"output"`
}

func (g *GatewayClient) InvokeTool(ctx context.Context, deployRef, tool string, input json.RawMessage) (json.RawMessage, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var out invokeResponse
	body := map[string]json.RawMessage{"input": input}
	if err := g.do(ctx, http.MethodPost, "/v1/deployments/"+deployRef+"/tools/"+tool+"/invoke", body, &out); err != nil {
		return nil, err
	}
	return out.Output, nil
}

func (g *GatewayClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := g.client.Do(req)
	if err != nil {
		return transportError("gateway", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &reliability.HTTPStatusError{Service: "gateway", Code: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

// transportError marks connection-level failures transient unless the caller
// gave up.
func transportError(service string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return reliability.NewTransientError(fmt.Errorf("%s request: %w", service, err))
}

// GitHubChecker confirms repositories through the GitHub REST API.
type GitHubChecker struct {
	apiURL string
	token  string
	client *http.Client
}

func NewGitHubChecker(apiURL, token string, timeout time.Duration) *GitHubChecker {
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GitHubChecker{
		apiURL: apiURL,
		token:  strings.TrimSpace(token),
		client: &http.Client{Timeout: timeout},
	}
}

func (c *GitHubChecker) CheckRepository(ctx context.Context, owner, repo string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/repos/"+owner+"/"+repo, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return transportError("github", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	switch {
	case res.StatusCode == http.StatusNotFound:
		return ErrRepositoryNotFound
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	default:
		return &reliability.HTTPStatusError{Service: "github", Code: res.StatusCode}
	}
}

// LocalGateway is an in-process stand-in for the deployment gateway used in
// development. Deployments are keyed by submission id and every server exposes
// a single echo tool.
type LocalGateway struct {
	mu          sync.Mutex
	deployments map[string]string
}

func NewLocalGateway() *LocalGateway {
	return &LocalGateway{deployments: make(map[string]string)}
}

func (g *LocalGateway) Deploy(_ context.Context, sub Submission) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ref, ok := g.deployments[sub.ID]; ok {
		return ref, nil
	}
	ref := "local-" + sub.MCPServerName + "-" + sub.ID
	g.deployments[sub.ID] = ref
	return ref, nil
}

func (g *LocalGateway) ListTools(_ context.Context, deployRef string) ([]ToolDefinition, error) {
	if deployRef == "" {
		return nil, errors.New("deployment reference is required")
	}
	return []ToolDefinition{{
		Name:        "echo",
		Description: "Returns its input unchanged.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}, nil
}

func (g *LocalGateway) InvokeTool(_ context.Context, _ string, tool string, input json.RawMessage) (json.RawMessage, error) {
	if tool != "echo" {
		return nil, fmt.Errorf("%w: %s", ErrToolUnavailable, tool)
	}
	if len(input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return input, nil
}
