package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
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
	if err := initTaskSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, nowFn: time.Now}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			plan JSONB NOT NULL DEFAULT '[]',
			failure_policy TEXT NOT NULL DEFAULT 'halt',
			schedule_id TEXT NOT NULL DEFAULT '',
			fire_at TIMESTAMPTZ NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session_created ON tasks (session_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_unfinished ON tasks (created_at) WHERE status IN ('pending', 'running');`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idempotency ON tasks (idempotency_key) WHERE idempotency_key <> '';`,
		`CREATE TABLE IF NOT EXISTS task_steps (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 1,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			UNIQUE (task_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS task_templates (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			title TEXT NOT NULL,
			plan JSONB NOT NULL,
			failure_policy TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const taskColumns = `id, session_id, user_id, title, status, plan, failure_policy, schedule_id, fire_at,
	idempotency_key, result, error, cancel_requested, created_at, updated_at, started_at, ended_at`

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) error {
	plan, err := json.Marshal(nonNilPlan(task.Plan))
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		task.ID, task.SessionID, task.UserID, task.Title, string(task.Status), plan,
		string(task.FailurePolicy), task.ScheduleID, task.FireAt, task.IdempotencyKey,
		task.Result, task.Error, task.CancelRequested, task.CreatedAt, task.UpdatedAt,
		task.StartedAt, task.EndedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && task.IdempotencyKey != "" {
		return ErrDuplicateTask
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	return s.getTask(ctx, s.pool, taskID, false)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) getTask(ctx context.Context, q querier, taskID string, forUpdate bool) (Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	task, err := scanTask(q.QueryRow(ctx, query, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	task.Steps, err = loadSteps(ctx, q, task.ID)
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *PostgresStore) CompareAndSwapStatus(ctx context.Context, taskID string, expected, next TaskStatus, upd StatusUpdate) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	task, err := s.getTask(ctx, tx, taskID, true)
	if err != nil {
		return Task{}, err
	}
	if task.Status != expected {
		return Task{}, fmt.Errorf("%w: status is %s, expected %s", ErrInvalidTaskState, task.Status, expected)
	}
	if !CanTransition(expected, next) {
		return Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTaskState, expected, next)
	}
	applyStatus(&task, next, upd, s.nowFn().UTC())
	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET status=$2, result=$3, error=$4, updated_at=$5, started_at=$6, ended_at=$7 WHERE id=$1`,
		taskID, string(task.Status), task.Result, task.Error, task.UpdatedAt, task.StartedAt, task.EndedAt,
	); err != nil {
		return Task{}, fmt.Errorf("update task status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("commit tx: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) AppendStep(ctx context.Context, step TaskStep) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	task, err := s.getTask(ctx, tx, step.TaskID, true)
	if err != nil {
		return Task{}, err
	}
	if task.Status != TaskStatusRunning {
		return Task{}, fmt.Errorf("%w: cannot append a step to a %s task", ErrInvalidTaskState, task.Status)
	}
	if want := task.NextSeq(); step.Seq != want {
		return Task{}, fmt.Errorf("%w: got %d, want %d", ErrStepConflict, step.Seq, want)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO task_steps (id, task_id, seq, kind, title, status, input, output, error, attempts, started_at, ended_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		step.ID, step.TaskID, step.Seq, string(step.Kind), step.Title, string(step.Status),
		step.Input, step.Output, step.Error, step.Attempts, step.StartedAt, step.EndedAt,
	); err != nil {
		return Task{}, fmt.Errorf("insert task step: %w", err)
	}
	now := s.nowFn().UTC()
	if _, err := tx.Exec(ctx, `UPDATE tasks SET updated_at=$2 WHERE id=$1`, task.ID, now); err != nil {
		return Task{}, fmt.Errorf("touch task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("commit tx: %w", err)
	}
	task.Steps = append(task.Steps, step)
	task.UpdatedAt = now
	return task, nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, taskID string) (Task, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET cancel_requested=TRUE, updated_at=$2
		WHERE id=$1 AND status IN ('pending', 'running') AND NOT cancel_requested`,
		taskID, s.nowFn().UTC())
	if err != nil {
		return Task{}, fmt.Errorf("request cancel: %w", err)
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if tag.RowsAffected() == 0 && task.Terminal() {
		return Task{}, fmt.Errorf("%w: task is already %s", ErrInvalidTaskState, task.Status)
	}
	return task, nil
}

func (s *PostgresStore) ListTasksBySession(ctx context.Context, sessionID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return s.collectTasks(ctx, rows)
}

func (s *PostgresStore) ListUnfinished(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN ('pending', 'running') ORDER BY created_at ASC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list unfinished tasks: %w", err)
	}
	return s.collectTasks(ctx, rows)
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (Task, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM tasks WHERE idempotency_key=$1 AND idempotency_key <> ''`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("find task by idempotency key: %w", err)
	}
	return s.GetTask(ctx, id)
}

func (s *PostgresStore) SaveTemplate(ctx context.Context, tmpl Template) error {
	plan, err := json.Marshal(nonNilPlan(tmpl.Plan))
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_templates (id, owner_id, session_id, title, plan, failure_policy, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			owner_id=EXCLUDED.owner_id,
			session_id=EXCLUDED.session_id,
			title=EXCLUDED.title,
			plan=EXCLUDED.plan,
			failure_policy=EXCLUDED.failure_policy`,
		tmpl.ID, tmpl.OwnerID, tmpl.SessionID, tmpl.Title, plan, string(tmpl.FailurePolicy), tmpl.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task template: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, templateID string) (Template, error) {
	var (
		tmpl   Template
		plan   []byte
		policy string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, session_id, title, plan, failure_policy, created_at FROM task_templates WHERE id=$1`,
		templateID,
	).Scan(&tmpl.ID, &tmpl.OwnerID, &tmpl.SessionID, &tmpl.Title, &plan, &policy, &tmpl.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Template{}, ErrTemplateNotFound
	}
	if err != nil {
		return Template{}, fmt.Errorf("get task template: %w", err)
	}
	tmpl.FailurePolicy = FailurePolicy(policy)
	if err := json.Unmarshal(plan, &tmpl.Plan); err != nil {
		return Template{}, fmt.Errorf("decode template plan: %w", err)
	}
	return tmpl, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

func (s *PostgresStore) collectTasks(ctx context.Context, rows pgx.Rows) ([]Task, error) {
	out := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	for i := range out {
		steps, err := loadSteps(ctx, s.pool, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Steps = steps
	}
	return out, nil
}

func loadSteps(ctx context.Context, q querier, taskID string) ([]TaskStep, error) {
	rows, err := q.Query(ctx,
		`SELECT id, seq, kind, title, status, input, output, error, attempts, started_at, ended_at
		   FROM task_steps WHERE task_id=$1 ORDER BY seq ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task steps: %w", err)
	}
	defer rows.Close()

	steps := make([]TaskStep, 0, 4)
	for rows.Next() {
		var (
			step         TaskStep
			kind, status string
		)
		if err := rows.Scan(
			&step.ID, &step.Seq, &kind, &step.Title, &status, &step.Input, &step.Output,
			&step.Error, &step.Attempts, &step.StartedAt, &step.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task step: %w", err)
		}
		step.TaskID = taskID
		step.Kind = StepKind(kind)
		step.Status = StepStatus(status)
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task steps: %w", err)
	}
	return steps, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		task           Task
		status, policy string
		plan           []byte
	)
	if err := row.Scan(
		&task.ID, &task.SessionID, &task.UserID, &task.Title, &status, &plan, &policy,
		&task.ScheduleID, &task.FireAt, &task.IdempotencyKey, &task.Result, &task.Error,
		&task.CancelRequested, &task.CreatedAt, &task.UpdatedAt, &task.StartedAt, &task.EndedAt,
	); err != nil {
		return Task{}, err
	}
	task.Status = TaskStatus(status)
	task.FailurePolicy = FailurePolicy(policy)
	if len(plan) > 0 {
		if err := json.Unmarshal(plan, &task.Plan); err != nil {
			return Task{}, fmt.Errorf("decode plan: %w", err)
		}
	}
	return task, nil
}

func nonNilPlan(plan []StepSpec) []StepSpec {
	if plan == nil {
		return []StepSpec{}
	}
	return plan
}
