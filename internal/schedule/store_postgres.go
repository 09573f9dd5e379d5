package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool  *pgxpool.Pool
	nowFn func() time.Time
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			template_id TEXT NOT NULL,
			recurrence TEXT NOT NULL,
			next_fire_at TIMESTAMPTZ NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			degraded BOOLEAN NOT NULL DEFAULT FALSE,
			degraded_reason TEXT NOT NULL DEFAULT '',
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			failing_since TIMESTAMPTZ NULL,
			last_error TEXT NOT NULL DEFAULT '',
			last_fired_at TIMESTAMPTZ NULL,
			last_task_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules (next_fire_at) WHERE enabled AND NOT degraded;`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_owner ON schedules (owner_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init schedule schema failed on %q: %w", stmt, err)
		}
	}
	return &PostgresStore{pool: pool, nowFn: time.Now}, nil
}

const scheduleColumns = `id, owner_id, template_id, recurrence, next_fire_at, enabled, degraded, degraded_reason,
	consecutive_failures, failing_since, last_error, last_fired_at, last_task_id, created_at, updated_at`

func scanDefinition(row pgx.Row) (Definition, error) {
	var def Definition
	err := row.Scan(
		&def.ID, &def.OwnerID, &def.TemplateID, &def.Recurrence, &def.NextFireAt, &def.Enabled,
		&def.Degraded, &def.DegradedReason, &def.ConsecutiveFailures, &def.FailingSince, &def.LastError,
		&def.LastFiredAt, &def.LastTaskID, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return Definition{}, err
	}
	def.NextFireAt = def.NextFireAt.UTC()
	return def, nil
}

func (s *PostgresStore) Create(ctx context.Context, def Definition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		def.ID, def.OwnerID, def.TemplateID, def.Recurrence, storeTime(def.NextFireAt), def.Enabled,
		def.Degraded, def.DegradedReason, def.ConsecutiveFailures, def.FailingSince, def.LastError,
		def.LastFiredAt, def.LastTaskID, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Definition, error) {
	def, err := scanDefinition(s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Definition{}, ErrNotFound
	}
	if err != nil {
		return Definition{}, fmt.Errorf("get schedule: %w", err)
	}
	return def, nil
}

func (s *PostgresStore) List(ctx context.Context, ownerID string) ([]Definition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE ($1 = '' OR owner_id = $1) ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return collectDefinitions(rows)
}

func (s *PostgresStore) Due(ctx context.Context, now time.Time, limit int) ([]Definition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled AND NOT degraded AND next_fire_at <= $1
		ORDER BY next_fire_at LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	return collectDefinitions(rows)
}

func collectDefinitions(rows pgx.Rows) ([]Definition, error) {
	defer rows.Close()
	out := make([]Definition, 0)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClaimFire(ctx context.Context, id string, expected, next time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE schedules SET next_fire_at=$3, updated_at=$4
		WHERE id=$1 AND next_fire_at=$2 AND enabled AND NOT degraded`,
		id, storeTime(expected), storeTime(next), s.nowFn().UTC())
	if err != nil {
		return false, fmt.Errorf("claim schedule fire: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseFire(ctx context.Context, id string, claimed, restore time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE schedules SET next_fire_at=$3, updated_at=$4 WHERE id=$1 AND next_fire_at=$2`,
		id, storeTime(claimed), storeTime(restore), s.nowFn().UTC())
	if err != nil {
		return fmt.Errorf("release schedule fire: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordSuccess(ctx context.Context, id string, firedAt time.Time, taskID string) error {
	return s.update(ctx,
		`UPDATE schedules SET last_fired_at=$2, last_task_id=$3, consecutive_failures=0,
			failing_since=NULL, last_error='', updated_at=$4 WHERE id=$1`,
		id, storeTime(firedAt), taskID, s.nowFn().UTC())
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id string, at time.Time, reason string) (Definition, error) {
	def, err := scanDefinition(s.pool.QueryRow(ctx,
		`UPDATE schedules SET consecutive_failures=consecutive_failures+1,
			failing_since=COALESCE(failing_since, $2), last_error=$3, updated_at=$4
		WHERE id=$1 RETURNING `+scheduleColumns,
		id, storeTime(at), reason, s.nowFn().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return Definition{}, ErrNotFound
	}
	if err != nil {
		return Definition{}, fmt.Errorf("record schedule failure: %w", err)
	}
	return def, nil
}

func (s *PostgresStore) MarkDegraded(ctx context.Context, id, reason string) error {
	return s.update(ctx,
		`UPDATE schedules SET degraded=TRUE, degraded_reason=$2, updated_at=$3 WHERE id=$1`,
		id, reason, s.nowFn().UTC())
}

func (s *PostgresStore) SetEnabled(ctx context.Context, id string, enabled bool, next time.Time) (Definition, error) {
	query := `UPDATE schedules SET enabled=FALSE, updated_at=$2 WHERE id=$1 RETURNING ` + scheduleColumns
	args := []any{id, s.nowFn().UTC()}
	if enabled {
		query = `UPDATE schedules SET enabled=TRUE, degraded=FALSE, degraded_reason='', consecutive_failures=0,
			failing_since=NULL, last_error='', next_fire_at=$3, updated_at=$2
		WHERE id=$1 RETURNING ` + scheduleColumns
		args = append(args, storeTime(next))
	}
	def, err := scanDefinition(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Definition{}, ErrNotFound
	}
	if err != nil {
		return Definition{}, fmt.Errorf("set schedule enabled: %w", err)
	}
	return def, nil
}

func (s *PostgresStore) update(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

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
