package syncactivity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bidengine/internal/activity"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run tails the activity stream and persists every entry to Postgres.
func Run(ctx context.Context, rdc redis.Cmdable, db *sql.DB) {
	go func() {
		lastID := "0-0"
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			// block up to 2 s for new entries
			res, err := rdc.XRead(ctx, &redis.XReadArgs{
				Streams: []string{activity.StreamName, lastID},
				Count:   100,
				Block:   2000 * time.Millisecond,
			}).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return
				}
				zap.L().Warn("syncactivity.xread", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			if len(res) == 0 || len(res[0].Messages) == 0 {
				continue
			}
			entries := res[0].Messages
			if err := persist(ctx, db, entries); err != nil {
				zap.L().Error("syncactivity.persist", zap.Error(err))
				time.Sleep(time.Second)
				continue // retry the same batch
			}
			lastID = entries[len(entries)-1].ID
			if err := rdc.XDel(ctx, activity.StreamName, ids(entries)...).Err(); err != nil {
				zap.L().Debug("syncactivity.xdel", zap.Error(err))
			}
		}
	}()
}

func ids(msgs []redis.XMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func persist(ctx context.Context, db *sql.DB, msgs []redis.XMessage) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		action := field(m, "action")
		if action == "" {
			zap.L().Warn("syncactivity.skip_malformed", zap.String("id", m.ID))
			continue
		}
		ms, _ := strconv.ParseInt(field(m, "at"), 10, 64)
		meta := field(m, "meta")
		if meta == "" {
			meta = "{}"
		}
		if _, err := tx.ExecContext(ctx, activity.InsertQuery,
			action, field(m, "resource"), field(m, "actor"), meta, time.UnixMilli(ms).UTC(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func field(m redis.XMessage, name string) string {
	s, _ := m.Values[name].(string)
	return s
}
