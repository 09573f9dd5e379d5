package tools

import "context"

// Store persists submissions and their transition history. Every status change
// goes through CompareAndSwapStatus so a stale runner can never overwrite a
// newer state.
type Store interface {
	Create(ctx context.Context, sub Submission) error
	Get(ctx context.Context, id string) (Submission, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]Submission, error)
	ListNonTerminal(ctx context.Context) ([]Submission, error)
	// FindPublished returns the most recent PUBLISHED submission for a server name.
	FindPublished(ctx context.Context, mcpServerName string) (Submission, error)
	// CompareAndSwapStatus moves id from expected to next and appends a
	// history row in one atomic step. It returns ErrConflict when the stored
	// status is not expected.
	CompareAndSwapStatus(ctx context.Context, id string, expected, next Status, aux Aux, actor string) (Submission, error)
	History(ctx context.Context, id string) ([]Transition, error)
	Close() error
}

func applyAux(sub *Submission, next Status, aux Aux) {
	sub.Status = next
	if next == StatusFailed {
		sub.RejectReason = aux.Reason
	} else {
		sub.RejectReason = ""
	}
	if aux.DeployRef != "" {
		sub.DeployRef = aux.DeployRef
	}
	if len(aux.Tools) > 0 {
		sub.Tools = append([]ToolDefinition(nil), aux.Tools...)
	}
	sub.Revision++
}
