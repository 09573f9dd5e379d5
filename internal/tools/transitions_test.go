package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTable(t *testing.T) {
	require.NoError(t, ValidateTable())
}

func TestValidateGraphRejectsBrokenTables(t *testing.T) {
	clone := func() map[Status][]Status {
		out := make(map[Status][]Status, len(transitions))
		for k, v := range transitions {
			out[k] = append([]Status(nil), v...)
		}
		return out
	}

	tests := []struct {
		name   string
		mutate func(map[Status][]Status)
	}{
		{"missing status", func(g map[Status][]Status) { delete(g, StatusDeploying) }},
		{"terminal with edges", func(g map[Status][]Status) { g[StatusPublished] = []Status{StatusFailed} }},
		{"no failure edge", func(g map[Status][]Status) { g[StatusDeploying] = []Status{StatusFetchingTools} }},
		{"unknown target", func(g map[Status][]Status) {
			g[StatusDeploying] = []Status{StatusFetchingTools, StatusFailed, Status("BOGUS")}
		}},
		{"cycle", func(g map[Status][]Status) {
			g[StatusFetchingTools] = []Status{StatusManualReview, StatusDeploying, StatusFailed}
		}},
		{"unreachable", func(g map[Status][]Status) {
			g[StatusWaitingReview] = []Status{StatusFailed}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := clone()
			tc.mutate(g)
			assert.Error(t, validateGraph(g))
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusWaitingReview, StatusGitHubURLValidate))
	assert.True(t, CanTransition(StatusManualReview, StatusPublished))
	assert.False(t, CanTransition(StatusWaitingReview, StatusPublished))
	assert.False(t, CanTransition(StatusPublished, StatusFailed))
	assert.False(t, CanTransition(StatusFailed, StatusWaitingReview))

	for _, s := range allStatuses {
		if s.Terminal() {
			assert.Empty(t, AllowedNext(s), s)
			continue
		}
		assert.Contains(t, AllowedNext(s), StatusFailed, s)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" manual_review ")
	require.NoError(t, err)
	assert.Equal(t, StatusManualReview, s)

	_, err = ParseStatus("ARCHIVED")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewRegistryRejectsInvalidProcessors(t *testing.T) {
	_, err := NewRegistry(WaitingReviewProcessor{}, WaitingReviewProcessor{})
	assert.Error(t, err)

	_, err = NewRegistry(stubProcessor{status: StatusPublished})
	assert.Error(t, err)

	_, err = NewRegistry(stubProcessor{status: StatusManualReview})
	assert.Error(t, err)

	reg, err := NewRegistry(DefaultProcessors(nil, NewLocalGateway(), NewLocalGateway())...)
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusDeploying, StatusFetchingTools, StatusGitHubURLValidate, StatusWaitingReview}, reg.Statuses())
	assert.False(t, reg.Processable(StatusManualReview))
}

func TestParseRepositoryURL(t *testing.T) {
	tests := []struct {
		raw         string
		owner, repo string
		ok          bool
	}{
		{"https://github.com/acme/weather-mcp", "acme", "weather-mcp", true},
		{"https://github.com/acme/weather-mcp.git/", "acme", "weather-mcp", true},
		{"http://github.com/acme/weather", "", "", false},
		{"https://gitlab.com/acme/weather", "", "", false},
		{"https://github.com/acme", "", "", false},
		{"https://github.com/acme/weather/tree/main", "", "", false},
		{"not a url", "", "", false},
		{"https://github.com/acme/we ather", "", "", false},
	}
	for _, tc := range tests {
		owner, repo, ok := ParseRepositoryURL(tc.raw)
		if ok != tc.ok || owner != tc.owner || repo != tc.repo {
			t.Fatalf("ParseRepositoryURL(%q) = (%q, %q, %v), want (%q, %q, %v)", tc.raw, owner, repo, ok, tc.owner, tc.repo, tc.ok)
		}
	}
}
