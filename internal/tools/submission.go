package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ToolDefinition is one tool exposed by a deployed MCP server.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Submission is one version of a user's tool moving through review.
type Submission struct {
	ID            string           `json:"id"`
	OwnerID       string           `json:"owner_id"`
	Name          string           `json:"name"`
	Subtitle      string           `json:"subtitle,omitempty"`
	Description   string           `json:"description,omitempty"`
	Icon          string           `json:"icon,omitempty"`
	UploadURL     string           `json:"upload_url"`
	MCPServerName string           `json:"mcp_server_name"`
	Version       string           `json:"version"`
	ChangeLog     string           `json:"change_log,omitempty"`
	Labels        []string         `json:"labels,omitempty"`
	Status        Status           `json:"status"`
	RejectReason  string           `json:"reject_reason,omitempty"`
	DeployRef     string           `json:"deploy_ref,omitempty"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	Supersedes    string           `json:"supersedes,omitempty"`
	Revision      int64            `json:"revision"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (s Submission) Clone() Submission {
	out := s
	if s.Labels != nil {
		out.Labels = append([]string(nil), s.Labels...)
	}
	if s.Tools != nil {
		out.Tools = make([]ToolDefinition, len(s.Tools))
		copy(out.Tools, s.Tools)
	}
	return out
}

// HasTool reports whether the submission exposes a tool with that name.
func (s Submission) HasTool(name string) bool {
	for _, t := range s.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Transition is one committed status change.
type Transition struct {
	SubmissionID string    `json:"submission_id"`
	From         Status    `json:"from"`
	To           Status    `json:"to"`
	Reason       string    `json:"reason,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Actor        string    `json:"actor"`
	At           time.Time `json:"at"`
}

// Aux is the data committed together with a status change. Empty fields leave
// the stored values untouched, except Reason which is always overwritten.
type Aux struct {
	Reason    string
	Detail    string
	DeployRef string
	Tools     []ToolDefinition
}

// StageResult is what a processor hands back to the runner.
type StageResult struct {
	Next       Status
	Reason     string
	Diagnostic string
	DeployRef  string
	Tools      []ToolDefinition
}

func Advance(next Status) StageResult {
	return StageResult{Next: next}
}

func Reject(reason string) StageResult {
	return StageResult{Next: StatusFailed, Reason: reason}
}

type SubmitRequest struct {
	Name          string   `json:"name"`
	Subtitle      string   `json:"subtitle"`
	Description   string   `json:"description"`
	Icon          string   `json:"icon"`
	UploadURL     string   `json:"upload_url"`
	MCPServerName string   `json:"mcp_server_name"`
	Version       string   `json:"version"`
	ChangeLog     string   `json:"change_log"`
	Labels        []string `json:"labels"`
}

var serverNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// NewSubmission builds a fresh submission in the initial status.
func NewSubmission(ownerID string, req SubmitRequest, now time.Time) (Submission, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Submission{}, fmt.Errorf("%w: owner id is required", ErrValidation)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Submission{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(name) > 128 {
		return Submission{}, fmt.Errorf("%w: name is longer than 128 characters", ErrValidation)
	}
	uploadURL := strings.TrimSpace(req.UploadURL)
	if uploadURL == "" {
		return Submission{}, fmt.Errorf("%w: upload_url is required", ErrValidation)
	}
	version := strings.TrimSpace(req.Version)
	if version == "" {
		return Submission{}, fmt.Errorf("%w: version is required", ErrValidation)
	}
	server := strings.ToLower(strings.TrimSpace(req.MCPServerName))
	if server == "" {
		server = defaultServerName(name)
		if server == "" {
			return Submission{}, fmt.Errorf("%w: mcp_server_name is required when the name has no ASCII letters or digits", ErrValidation)
		}
	}
	if !serverNamePattern.MatchString(server) {
		return Submission{}, fmt.Errorf("%w: mcp_server_name %q must match %s", ErrValidation, server, serverNamePattern)
	}

	labels := make([]string, 0, len(req.Labels))
	seen := make(map[string]bool, len(req.Labels))
	for _, l := range req.Labels {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		labels = append(labels, l)
	}

	now = now.UTC()
	return Submission{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Name:          name,
		Subtitle:      strings.TrimSpace(req.Subtitle),
		Description:   strings.TrimSpace(req.Description),
		Icon:          strings.TrimSpace(req.Icon),
		UploadURL:     uploadURL,
		MCPServerName: server,
		Version:       version,
		ChangeLog:     strings.TrimSpace(req.ChangeLog),
		Labels:        labels,
		Status:        InitialStatus,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func defaultServerName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			if b.Len() > 0 {
				b.WriteByte('-')
			}
		}
		if b.Len() >= 63 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
