package tasks

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewStore returns a Postgres store when a pool is configured and an in-memory
// store otherwise.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (Store, string, error) {
	if pool == nil {
		return NewMemoryStore(), "in-memory", nil
	}
	st, err := NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, "", err
	}
	return st, "postgres", nil
}
