package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Fixed width so that text order matches time order.
const journalTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteSink keeps a local append-only journal of events.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit journal: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_events (entity_type, entity_id, at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit journal index: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) Write(ctx context.Context, evt Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO audit_events (id, kind, entity_type, entity_id, actor, from_status, to_status, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.Kind, evt.EntityType, evt.EntityID, evt.Actor, evt.From, evt.To, evt.Detail,
		evt.At.UTC().Format(journalTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// List returns the journal for one entity, oldest first.
func (s *SQLiteSink) List(ctx context.Context, entityType, entityID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, entity_type, entity_id, actor, from_status, to_status, detail, at
		   FROM audit_events WHERE entity_type = ? AND entity_id = ? ORDER BY at ASC LIMIT ?`,
		entityType, entityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			evt Event
			at  string
		)
		if err := rows.Scan(&evt.ID, &evt.Kind, &evt.EntityType, &evt.EntityID, &evt.Actor, &evt.From, &evt.To, &evt.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		evt.At, err = time.Parse(journalTimeFormat, at)
		if err != nil {
			return nil, fmt.Errorf("parse audit time %q: %w", at, err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
