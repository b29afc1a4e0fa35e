package ledger

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/you/crossarb/internal/config"
)

// StreamLedger mirrors ledger events into a Redis stream so external
// consumers (dashboards, reconciliation jobs) can tail the audit trail
// without touching the file.
type StreamLedger struct {
	rdb    *redis.Client
	stream string
}

func NewStream(cfg *config.Config) *StreamLedger {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
	})
	return &StreamLedger{rdb: rdb, stream: cfg.Redis.Stream}
}

func (s *StreamLedger) Append(ctx context.Context, ev Event) error {
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"ts":       ev.Timestamp.UnixMilli(),
			"cycle_id": ev.CycleID,
			"venue":    ev.Venue,
			"event":    string(ev.EventType),
			"asset":    ev.Asset,
			"amount":   ev.Amount,
			"note":     ev.Note,
		},
	}).Err()
}

func (s *StreamLedger) Close() error { return s.rdb.Close() }
