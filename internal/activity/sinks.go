package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// StreamName is the Redis stream the StreamSink appends to.
const StreamName = "activity_stream"

// PostgresSink inserts each entry into activity_log.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink { return &PostgresSink{db: db} }

func (s *PostgresSink) Write(ctx context.Context, e Entry) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, InsertQuery, e.Action, e.ResourceID, e.ActorID, meta, e.At)
	if err != nil {
		return fmt.Errorf("insert activity %s: %w", e.Action, err)
	}
	return nil
}

// InsertQuery is shared with the stream synchroniser.
const InsertQuery = `INSERT INTO activity_log (action, resource_id, actor_id, metadata, created_at)
	                 VALUES ($1, $2, $3, $4, $5)`

// StreamSink appends each entry to a Redis stream. syncactivity persists it later.
type StreamSink struct {
	rdc redis.Cmdable
}

func NewStreamSink(rdc redis.Cmdable) *StreamSink { return &StreamSink{rdc: rdc} }

func (s *StreamSink) Write(ctx context.Context, e Entry) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	err = s.rdc.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		Values: StreamValues(e, meta),
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd activity %s: %w", e.Action, err)
	}
	return nil
}

// StreamValues is the field layout of one stream entry, in a fixed order.
func StreamValues(e Entry, meta string) []any {
	return []any{
		"action", e.Action,
		"resource", e.ResourceID,
		"actor", e.ActorID,
		"meta", meta,
		"at", strconv.FormatInt(e.At.UnixMilli(), 10),
	}
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode activity metadata: %w", err)
	}
	return string(raw), nil
}
