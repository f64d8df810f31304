package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-gateway/internal/config"
	"github.com/stemsi/exstem-gateway/internal/model"
)

// SnapshotStore is implemented by repository.AttemptEventRepository.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, s model.AnswerSnapshot) error
}

// SnapshotWorker consumes the snapshot queue and UPSERTs locked ledgers.
type SnapshotWorker struct {
	store   SnapshotStore
	rdb     redis.UniversalClient
	log     zerolog.Logger
	backoff time.Duration
}

// NewSnapshotWorker creates a new SnapshotWorker.
func NewSnapshotWorker(store SnapshotStore, rdb redis.UniversalClient, log zerolog.Logger) *SnapshotWorker {
	return &SnapshotWorker{
		store:   store,
		rdb:     rdb,
		log:     log.With().Str("component", "snapshot_worker").Logger(),
		backoff: 5 * time.Second,
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *SnapshotWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *SnapshotWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistSnapshotsQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			sleepCtx(ctx, time.Second)
		}
		return
	}
	if len(result) < 2 {
		return
	}

	var s model.AnswerSnapshot
	if err := json.Unmarshal([]byte(result[1]), &s); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return
	}

	if err := w.store.UpsertSnapshot(ctx, s); err != nil {
		w.log.Error().Err(err).
			Str("attempt_id", s.AttemptID).
			Msg("Persist error, retrying later")
		w.rdb.RPush(ctx, config.WorkerKey.PersistSnapshotsQueue, result[1])
		sleepCtx(ctx, w.backoff)
	}
}

// drain persists whatever is left in the queue before shutdown.
func (w *SnapshotWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistSnapshotsQueue).Result()
		if err != nil {
			break
		}

		var s model.AnswerSnapshot
		if err := json.Unmarshal([]byte(result), &s); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.store.UpsertSnapshot(ctx, s); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistSnapshotsQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
