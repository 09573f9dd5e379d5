package tools

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	ReasonInvalidRepositoryURL = "invalid repository URL"
	ReasonRepositoryNotFound   = "repository not found"
	ReasonNoTools              = "server exposes no tools"
)

// ErrRepositoryNotFound is returned by a RepositoryChecker for a missing repository.
var ErrRepositoryNotFound = errors.New("repository not found")

// RepositoryChecker confirms that an owner/repo pair exists upstream.
type RepositoryChecker interface {
	CheckRepository(ctx context.Context, owner, repo string) error
}

// Deployer builds and starts the MCP server for a submission. The submission id
// is the idempotency key; deploying the same id twice returns the same reference.
type Deployer interface {
	Deploy(ctx context.Context, sub Submission) (string, error)
}

type ToolFetcher interface {
	ListTools(ctx context.Context, deployRef string) ([]ToolDefinition, error)
}

type WaitingReviewProcessor struct{}

func (WaitingReviewProcessor) Status() Status { return StatusWaitingReview }

func (WaitingReviewProcessor) Process(context.Context, Submission) (StageResult, error) {
	return Advance(StatusGitHubURLValidate), nil
}

type RepositoryURLProcessor struct {
	Checker RepositoryChecker
}

func (p *RepositoryURLProcessor) Status() Status { return StatusGitHubURLValidate }

func (p *RepositoryURLProcessor) Process(ctx context.Context, sub Submission) (StageResult, error) {
	owner, repo, ok := ParseRepositoryURL(sub.UploadURL)
	if !ok {
		return Reject(ReasonInvalidRepositoryURL), nil
	}
	if p.Checker != nil {
		err := p.Checker.CheckRepository(ctx, owner, repo)
		switch {
		case errors.Is(err, ErrRepositoryNotFound):
			return Reject(ReasonRepositoryNotFound), nil
		case err != nil:
			return StageResult{}, fmt.Errorf("check repository %s/%s: %w", owner, repo, err)
		}
	}
	return StageResult{Next: StatusDeploying, Diagnostic: owner + "/" + repo}, nil
}

// ParseRepositoryURL accepts https://github.com/<owner>/<repo>[.git][/].
func ParseRepositoryURL(raw string) (owner, repo string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != "https" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	host := strings.ToLower(u.Hostname())
	if host != "github.com" && host != "www.github.com" {
		return "", "", false
	}
	if u.Port() != "" {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 {
		return "", "", false
	}
	owner = parts[0]
	repo = strings.TrimSuffix(parts[1], ".git")
	if !validRepoSegment(owner) || !validRepoSegment(repo) {
		return "", "", false
	}
	return owner, repo, true
}

func validRepoSegment(s string) bool {
	if s == "" || s == "." || s == ".." || len(s) > 100 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

type DeployProcessor struct {
	Deployer Deployer
}

func (p *DeployProcessor) Status() Status { return StatusDeploying }

func (p *DeployProcessor) Process(ctx context.Context, sub Submission) (StageResult, error) {
	if sub.DeployRef != "" {
		return Advance(StatusFetchingTools), nil
	}
	ref, err := p.Deployer.Deploy(ctx, sub)
	if err != nil {
		return StageResult{}, fmt.Errorf("deploy %s: %w", sub.MCPServerName, err)
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return StageResult{}, fmt.Errorf("deploy %s: empty deployment reference", sub.MCPServerName)
	}
	return StageResult{Next: StatusFetchingTools, DeployRef: ref}, nil
}

type FetchToolsProcessor struct {
	Fetcher ToolFetcher
}

func (p *FetchToolsProcessor) Status() Status { return StatusFetchingTools }

func (p *FetchToolsProcessor) Process(ctx context.Context, sub Submission) (StageResult, error) {
	if len(sub.Tools) > 0 {
		return Advance(StatusManualReview), nil
	}
	defs, err := p.Fetcher.ListTools(ctx, sub.DeployRef)
	if err != nil {
		return StageResult{}, fmt.Errorf("list tools of %s: %w", sub.DeployRef, err)
	}
	defs = normalizeTools(defs)
	if len(defs) == 0 {
		return Reject(ReasonNoTools), nil
	}
	return StageResult{
		Next:       StatusManualReview,
		Tools:      defs,
		Diagnostic: fmt.Sprintf("%d tools", len(defs)),
	}, nil
}

func normalizeTools(defs []ToolDefinition) []ToolDefinition {
	out := make([]ToolDefinition, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" || seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	return out
}

// DefaultProcessors wires the built-in stages.
func DefaultProcessors(checker RepositoryChecker, deployer Deployer, fetcher ToolFetcher) []Processor {
	return []Processor{
		WaitingReviewProcessor{},
		&RepositoryURLProcessor{Checker: checker},
		&DeployProcessor{Deployer: deployer},
		&FetchToolsProcessor{Fetcher: fetcher},
	}
}
