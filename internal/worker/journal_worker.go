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

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// EventStore is implemented by repository.AttemptEventRepository.
type EventStore interface {
	CopyEvents(ctx context.Context, events []model.AttemptEvent) error
	InsertEvent(ctx context.Context, e model.AttemptEvent) error
}

// JournalWorker drains the attempt event queue into PostgreSQL in batches.
type JournalWorker struct {
	store EventStore
	rdb   redis.UniversalClient
	log   zerolog.Logger

	batchSize    int
	batchTimeout time.Duration
	backoff      time.Duration
}

func NewJournalWorker(store EventStore, rdb redis.UniversalClient, log zerolog.Logger) *JournalWorker {
	return &JournalWorker{
		store:        store,
		rdb:          rdb,
		log:          log.With().Str("component", "journal_worker").Logger(),
		batchSize:    BatchSize,
		batchTimeout: BatchTimeout,
		backoff:      2 * time.Second,
	}
}

func (w *JournalWorker) Start(ctx context.Context) {
	w.log.Info().Msg("JournalWorker started")

	buffer := make([]model.AttemptEvent, 0, w.batchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= w.batchSize || time.Since(lastFlush) >= w.batchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistAttemptEventsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				w.shutdown(buffer)
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleepCtx(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var e model.AttemptEvent
		if err := json.Unmarshal([]byte(result[1]), &e); err != nil {
			// Malformed items can never succeed.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed event")
			continue
		}
		buffer = append(buffer, e)
	}
}

// flushSafe tries COPY first, then row-by-row, then requeues what failed.
func (w *JournalWorker) flushSafe(ctx context.Context, batch []model.AttemptEvent) {
	if len(batch) == 0 {
		return
	}
	err := w.store.CopyEvents(ctx, batch)
	if err == nil {
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")

	var requeue []model.AttemptEvent
	for _, e := range batch {
		if err := w.store.InsertEvent(ctx, e); err != nil {
			w.log.Error().Err(err).Str("attempt_id", e.AttemptID).Msg("Insert failed, requeueing")
			requeue = append(requeue, e)
		}
	}
	if len(requeue) > 0 {
		w.requeue(ctx, requeue)
	}
}

func (w *JournalWorker) requeue(ctx context.Context, items []model.AttemptEvent) {
	pipe := w.rdb.Pipeline()
	for _, e := range items {
		data, _ := json.Marshal(e)
		pipe.RPush(ctx, config.WorkerKey.PersistAttemptEventsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue events. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed events")
	sleepCtx(ctx, w.backoff)
}

func (w *JournalWorker) shutdown(buffer []model.AttemptEvent) {
	w.log.Info().Int("buffered", len(buffer)).Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.flushSafe(shutdownCtx, buffer)
	w.log.Info().Msg("Worker stopped")
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
