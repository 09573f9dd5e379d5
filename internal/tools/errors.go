package tools

import "errors"

var (
	ErrNotFound          = errors.New("tool submission not found")
	ErrConflict          = errors.New("tool submission is being progressed by another runner")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrReasonRequired    = errors.New("a rejection reason is required")
	ErrNoProcessor       = errors.New("no processor registered for status")
	ErrValidation        = errors.New("invalid tool submission input")
	ErrNotTerminal       = errors.New("tool submission is still in progress")
	ErrForbidden         = errors.New("tool submission belongs to another user")
	ErrToolUnavailable   = errors.New("tool is not published")
	ErrClosed            = errors.New("tool service is shut down")
)
