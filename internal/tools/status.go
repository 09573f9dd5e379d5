package tools

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusWaitingReview     Status = "WAITING_REVIEW"
	StatusGitHubURLValidate Status = "GITHUB_URL_VALIDATE"
	StatusDeploying         Status = "DEPLOYING"
	StatusFetchingTools     Status = "FETCHING_TOOLS"
	StatusManualReview      Status = "MANUAL_REVIEW"
	StatusPublished         Status = "PUBLISHED"
	StatusFailed            Status = "FAILED"
)

// InitialStatus is the only status a submission is created in.
const InitialStatus = StatusWaitingReview

var allStatuses = []Status{
	StatusWaitingReview,
	StatusGitHubURLValidate,
	StatusDeploying,
	StatusFetchingTools,
	StatusManualReview,
	StatusPublished,
	StatusFailed,
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusFailed
}

// OperatorGated statuses have no processor; only a manual transition moves them on.
func (s Status) OperatorGated() bool {
	return s == StatusManualReview
}
