package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-gateway/internal/config"
	"github.com/stemsi/exstem-gateway/internal/model"
)

// Queue pushes journal work onto the Redis lists drained by the workers.
type Queue struct {
	rdb redis.UniversalClient
}

// NewQueue creates a Queue.
func NewQueue(rdb redis.UniversalClient) *Queue {
	return &Queue{rdb: rdb}
}

// PushEvent enqueues one journal event.
func (q *Queue) PushEvent(ctx context.Context, e model.AttemptEvent) error {
	return q.push(ctx, config.WorkerKey.PersistAttemptEventsQueue, e)
}

// PushSnapshot enqueues a locked ledger snapshot.
func (q *Queue) PushSnapshot(ctx context.Context, s model.AnswerSnapshot) error {
	return q.push(ctx, config.WorkerKey.PersistSnapshotsQueue, s)
}

func (q *Queue) push(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s item: %w", key, err)
	}
	if err := q.rdb.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}
