package tools

import (
	"errors"
	"fmt"

	"github.com/gammazero/toposort"
)

// transitions is read-only after package init and shared by every runner.
var transitions = map[Status][]Status{
	StatusWaitingReview:     {StatusGitHubURLValidate, StatusFailed},
	StatusGitHubURLValidate: {StatusDeploying, StatusFailed},
	StatusDeploying:         {StatusFetchingTools, StatusFailed},
	StatusFetchingTools:     {StatusManualReview, StatusFailed},
	StatusManualReview:      {StatusPublished, StatusFailed},
	StatusPublished:         nil,
	StatusFailed:            nil,
}

// AllowedNext returns the legal successors of from.
func AllowedNext(from Status) []Status {
	next := transitions[from]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTable checks the lifecycle graph at startup.
func ValidateTable() error {
	return validateGraph(transitions)
}

func validateGraph(graph map[Status][]Status) error {
	var edges []toposort.Edge
	for _, from := range allStatuses {
		next, ok := graph[from]
		if !ok {
			return fmt.Errorf("status %s missing from transition table", from)
		}
		if from.Terminal() && len(next) > 0 {
			return fmt.Errorf("terminal status %s has outgoing transitions", from)
		}
		if !from.Terminal() && !containsStatus(next, StatusFailed) {
			return fmt.Errorf("status %s cannot reach %s", from, StatusFailed)
		}
		for _, to := range next {
			if !to.Valid() {
				return fmt.Errorf("status %s points to unknown status %q", from, to)
			}
			edges = append(edges, toposort.Edge{from, to})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("transition table has a cycle: %w", err)
	}

	seen := map[Status]bool{InitialStatus: true}
	queue := []Status{InitialStatus}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, to := range graph[cur] {
			if !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
	}
	var unreachable []error
	for _, s := range allStatuses {
		if !seen[s] {
			unreachable = append(unreachable, fmt.Errorf("status %s unreachable from %s", s, InitialStatus))
		}
	}
	return errors.Join(unreachable...)
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
