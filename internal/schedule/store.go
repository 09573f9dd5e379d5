package schedule

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("schedule not found")
	ErrInvalidRequest = errors.New("invalid schedule request")
	ErrForbidden      = errors.New("schedule belongs to another owner")
)

// Definition is a recurring plan owned by a user. NextFireAt is the claim
// token: a fire is only taken by the runner whose conditional update moves it.
type Definition struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"owner_id"`
	TemplateID          string     `json:"template_id"`
	Recurrence          string     `json:"recurrence"`
	NextFireAt          time.Time  `json:"next_fire_at"`
	Enabled             bool       `json:"enabled"`
	Degraded            bool       `json:"degraded"`
	DegradedReason      string     `json:"degraded_reason,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	FailingSince        *time.Time `json:"failing_since,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastFiredAt         *time.Time `json:"last_fired_at,omitempty"`
	LastTaskID          string     `json:"last_task_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type Store interface {
	Create(ctx context.Context, def Definition) error
	Get(ctx context.Context, id string) (Definition, error)
	// List returns every definition of ownerID, or all of them when ownerID is empty.
	List(ctx context.Context, ownerID string) ([]Definition, error)
	// Due returns enabled, non-degraded definitions with NextFireAt <= now.
	Due(ctx context.Context, now time.Time, limit int) ([]Definition, error)
	// ClaimFire moves NextFireAt from expected to next. It reports false when
	// another runner already moved it.
	ClaimFire(ctx context.Context, id string, expected, next time.Time) (bool, error)
	// ReleaseFire undoes a claim when NextFireAt is still claimed.
	ReleaseFire(ctx context.Context, id string, claimed, restore time.Time) error
	RecordSuccess(ctx context.Context, id string, firedAt time.Time, taskID string) error
	RecordFailure(ctx context.Context, id string, at time.Time, reason string) (Definition, error)
	MarkDegraded(ctx context.Context, id, reason string) error
	// SetEnabled toggles a definition. Enabling clears degradation and failures
	// and re-anchors NextFireAt.
	SetEnabled(ctx context.Context, id string, enabled bool, next time.Time) (Definition, error)
	Close() error
}

// Stored times are truncated to what Postgres keeps, so claims compare equal
// across backends.
func storeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
