package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	if err := initToolSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initToolSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tool_submissions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			subtitle TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			icon TEXT NOT NULL DEFAULT '',
			upload_url TEXT NOT NULL,
			mcp_server_name TEXT NOT NULL,
			version TEXT NOT NULL,
			change_log TEXT NOT NULL DEFAULT '',
			labels TEXT[] NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			reject_reason TEXT NOT NULL DEFAULT '',
			deploy_ref TEXT NOT NULL DEFAULT '',
			tools JSONB NOT NULL DEFAULT '[]',
			supersedes TEXT NOT NULL DEFAULT '',
			revision BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tool_submissions_owner ON tool_submissions (owner_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_tool_submissions_status ON tool_submissions (status, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tool_submissions_server ON tool_submissions (mcp_server_name, status);`,
		`CREATE TABLE IF NOT EXISTS tool_transitions (
			id BIGSERIAL PRIMARY KEY,
			submission_id TEXT NOT NULL REFERENCES tool_submissions(id) ON DELETE CASCADE,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tool_transitions_submission ON tool_transitions (submission_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init tool schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const submissionColumns = `id, owner_id, name, subtitle, description, icon, upload_url, mcp_server_name,
	version, change_log, labels, status, reject_reason, deploy_ref, tools, supersedes, revision,
	created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, sub Submission) error {
	toolsJSON, err := marshalTools(sub.Tools)
	if err != nil {
		return err
	}
	labels := sub.Labels
	if labels == nil {
		labels = []string{}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tool_submissions (`+submissionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		sub.ID, sub.OwnerID, sub.Name, sub.Subtitle, sub.Description, sub.Icon, sub.UploadURL,
		sub.MCPServerName, sub.Version, sub.ChangeLog, labels, string(sub.Status), sub.RejectReason,
		sub.DeployRef, toolsJSON, sub.Supersedes, sub.Revision, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert tool submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Submission, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM tool_submissions WHERE id=$1`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Submission{}, ErrNotFound
	}
	return sub, err
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Submission, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+submissionColumns+` FROM tool_submissions WHERE owner_id=$1 ORDER BY created_at DESC LIMIT $2`,
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tool submissions: %w", err)
	}
	return collectSubmissions(rows)
}

func (s *PostgresStore) ListNonTerminal(ctx context.Context) ([]Submission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+submissionColumns+` FROM tool_submissions
		WHERE status NOT IN ($1, $2) ORDER BY updated_at ASC`,
		string(StatusPublished), string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("list in-flight tool submissions: %w", err)
	}
	return collectSubmissions(rows)
}

func (s *PostgresStore) FindPublished(ctx context.Context, mcpServerName string) (Submission, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM tool_submissions
		WHERE mcp_server_name=$1 AND status=$2 ORDER BY updated_at DESC LIMIT 1`,
		mcpServerName, string(StatusPublished))
	sub, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Submission{}, ErrNotFound
	}
	return sub, err
}

func (s *PostgresStore) CompareAndSwapStatus(ctx context.Context, id string, expected, next Status, aux Aux, actor string) (Submission, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Submission{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+submissionColumns+` FROM tool_submissions WHERE id=$1 FOR UPDATE`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Submission{}, ErrNotFound
	}
	if err != nil {
		return Submission{}, err
	}
	if sub.Status != expected {
		return Submission{}, fmt.Errorf("%w: status is %s, expected %s", ErrConflict, sub.Status, expected)
	}

	now := time.Now().UTC()
	applyAux(&sub, next, aux)
	sub.UpdatedAt = now
	toolsJSON, err := marshalTools(sub.Tools)
	if err != nil {
		return Submission{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tool_submissions
		SET status=$2, reject_reason=$3, deploy_ref=$4, tools=$5, revision=$6, updated_at=$7
		WHERE id=$1`,
		id, string(sub.Status), sub.RejectReason, sub.DeployRef, toolsJSON, sub.Revision, now,
	); err != nil {
		return Submission{}, fmt.Errorf("update tool status: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO tool_transitions (submission_id, from_status, to_status, reason, detail, actor, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id, string(expected), string(next), sub.RejectReason, aux.Detail, actor, now,
	); err != nil {
		return Submission{}, fmt.Errorf("insert tool transition: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Submission{}, fmt.Errorf("commit tool transition: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) History(ctx context.Context, id string) ([]Transition, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tool_submissions WHERE id=$1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check tool submission: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	rows, err := s.pool.Query(ctx,
		`SELECT submission_id, from_status, to_status, reason, detail, actor, at
		FROM tool_transitions WHERE submission_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query tool transitions: %w", err)
	}
	defer rows.Close()

	out := make([]Transition, 0)
	for rows.Next() {
		var (
			tr       Transition
			from, to string
		)
		if err := rows.Scan(&tr.SubmissionID, &from, &to, &tr.Reason, &tr.Detail, &tr.Actor, &tr.At); err != nil {
			return nil, fmt.Errorf("scan tool transition: %w", err)
		}
		tr.From = Status(from)
		tr.To = Status(to)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool transitions: %w", err)
	}
	return out, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

func marshalTools(defs []ToolDefinition) ([]byte, error) {
	if defs == nil {
		defs = []ToolDefinition{}
	}
	raw, err := json.Marshal(defs)
	if err != nil {
		return nil, fmt.Errorf("encode tool definitions: %w", err)
	}
	return raw, nil
}

func scanSubmission(row pgx.Row) (Submission, error) {
	var (
		sub       Submission
		status    string
		toolsJSON []byte
	)
	err := row.Scan(
		&sub.ID, &sub.OwnerID, &sub.Name, &sub.Subtitle, &sub.Description, &sub.Icon, &sub.UploadURL,
		&sub.MCPServerName, &sub.Version, &sub.ChangeLog, &sub.Labels, &status, &sub.RejectReason,
		&sub.DeployRef, &toolsJSON, &sub.Supersedes, &sub.Revision, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Submission{}, err
		}
		return Submission{}, fmt.Errorf("scan tool submission: %w", err)
	}
	sub.Status = Status(strings.TrimSpace(status))
	if len(toolsJSON) > 0 {
		if err := json.Unmarshal(toolsJSON, &sub.Tools); err != nil {
			return Submission{}, fmt.Errorf("decode tool definitions: %w", err)
		}
	}
	if len(sub.Tools) == 0 {
		sub.Tools = nil
	}
	if len(sub.Labels) == 0 {
		sub.Labels = nil
	}
	return sub, nil
}

func collectSubmissions(rows pgx.Rows) ([]Submission, error) {
	defer rows.Close()
	out := make([]Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool submissions: %w", err)
	}
	return out, nil
}
