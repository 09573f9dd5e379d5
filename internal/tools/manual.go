package tools

import (
	"context"
	"fmt"
	"strings"
)

// ApplyManualTransition lets an operator move a submission along a table edge.
// Everything is validated before the submission is touched.
func (r *Runner) ApplyManualTransition(ctx context.Context, operatorID, id string, target Status, reason string) (Submission, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return Submission{}, fmt.Errorf("%w: operator id is required", ErrValidation)
	}
	if !target.Valid() {
		return Submission{}, fmt.Errorf("%w: unknown status %q", ErrValidation, target)
	}
	reason = strings.TrimSpace(reason)
	if target == StatusFailed && reason == "" {
		return Submission{}, ErrReasonRequired
	}
	if target != StatusFailed && reason != "" {
		return Submission{}, fmt.Errorf("%w: reason is only accepted for %s", ErrValidation, StatusFailed)
	}

	sub, err := r.store.Get(ctx, id)
	if err != nil {
		return Submission{}, err
	}
	if !CanTransition(sub.Status, target) {
		return Submission{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, sub.Status, target)
	}

	ctx, release, err := r.acquire(ctx, id)
	if err != nil {
		return Submission{}, err
	}
	defer release()

	return r.commit(ctx, sub, StageResult{Next: target, Reason: reason}, "operator:"+operatorID)
}
