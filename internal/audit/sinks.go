package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, evt Event) error {
	s.logger.InfoContext(ctx, "audit",
		"kind", evt.Kind,
		"entity_type", evt.EntityType,
		"entity_id", evt.EntityID,
		"actor", evt.Actor,
		"from", evt.From,
		"to", evt.To,
		"detail", evt.Detail,
	)
	return nil
}

func (s *LogSink) Close() error { return nil }

// NATSSink publishes each event as JSON on <prefix>.<kind>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSSink(url, subjectPrefix string) (*NATSSink, error) {
	conn, err := nats.Connect(strings.TrimSpace(url), nats.Name("toolhub-audit"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	if subjectPrefix = strings.Trim(strings.TrimSpace(subjectPrefix), "."); subjectPrefix == "" {
		subjectPrefix = "toolhub.audit"
	}
	return &NATSSink{conn: conn, prefix: subjectPrefix}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Write(_ context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.conn.Publish(s.prefix+"."+evt.Kind, data)
}

func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}

// RedisStreamSink appends events to a capped Redis stream.
type RedisStreamSink struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamSink(rdb *redis.Client, stream string) *RedisStreamSink {
	if stream = strings.TrimSpace(stream); stream == "" {
		stream = "toolhub.audit"
	}
	return &RedisStreamSink{rdb: rdb, stream: stream, maxLen: 100_000}
}

func (s *RedisStreamSink) Name() string { return "redis" }

func (s *RedisStreamSink) Write(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":      evt.Kind,
			"entity_id": evt.EntityID,
			"payload":   string(payload),
		},
	}).Err()
}

// Close leaves the shared client open; its owner closes it.
func (s *RedisStreamSink) Close() error { return nil }
