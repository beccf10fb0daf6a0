package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantara-dev/perpbot/internal/domain"
)

// outcomeStream is the Redis stream cycle outcomes are appended to.
const outcomeStream = "cycles"

// streamMaxLen is the approximate maximum stream length, enforced via
// XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// OutcomeBus implements domain.OutcomeBus using Redis Streams. Each cycle
// outcome is appended as a JSON payload; the monitor tails the stream without
// ever blocking the trading loop.
type OutcomeBus struct {
	rdb *redis.Client
}

// NewOutcomeBus creates an OutcomeBus backed by the given Client.
func NewOutcomeBus(c *Client) *OutcomeBus {
	return &OutcomeBus{rdb: c.Underlying()}
}

var _ domain.OutcomeBus = (*OutcomeBus)(nil)

// Publish appends a cycle outcome to the stream with automatic trimming.
func (b *OutcomeBus) Publish(ctx context.Context, out domain.CycleOutcome) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("redis: marshal cycle outcome: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: outcomeStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: publish cycle outcome: %w", err)
	}
	return nil
}

// Tail reads outcomes appended after lastID, blocking up to the given
// duration when the stream has nothing new. Use "0" as lastID to read from
// the beginning, or "$" for new entries only. It returns the outcomes, the ID
// to pass on the next call, and nil (not an error) on an empty read.
func (b *OutcomeBus) Tail(ctx context.Context, lastID string, block time.Duration) ([]domain.CycleOutcome, string, error) {
	if lastID == "" {
		lastID = "$"
	}
	args := &redis.XReadArgs{
		Streams: []string{outcomeStream, lastID},
		Count:   100,
		Block:   block,
	}

	results, err := b.rdb.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, lastID, nil
		}
		return nil, lastID, fmt.Errorf("redis: tail cycle outcomes: %w", err)
	}

	var outs []domain.CycleOutcome
	nextID := lastID
	for _, res := range results {
		for _, msg := range res.Messages {
			nextID = msg.ID
			raw, ok := msg.Values["payload"].(string)
			if !ok {
				continue
			}
			var out domain.CycleOutcome
			if err := json.Unmarshal([]byte(raw), &out); err != nil {
				continue
			}
			outs = append(outs, out)
		}
	}
	return outs, nextID, nil
}
