package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ProctorEventWorker drains the proctor event queue filled by
// service.QueueSink into the database in batches.
type ProctorEventWorker struct {
	repo repository.ProctorEventRepository
	rdb  *redis.Client
	log  zerolog.Logger

	// requeue pushes events that could not be stored back onto the queue.
	requeue func(ctx context.Context, items []model.ProctorEvent) error
}

func NewProctorEventWorker(repo repository.ProctorEventRepository, rdb *redis.Client, log zerolog.Logger) *ProctorEventWorker {
	w := &ProctorEventWorker{
		repo: repo,
		rdb:  rdb,
		log:  log.With().Str("component", "proctor_event_worker").Logger(),
	}
	w.requeue = w.requeueRedis
	return w
}

func (w *ProctorEventWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ProctorEventWorker started")

	buffer := make([]model.ProctorEvent, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Check Flush Conditions (Time or Size)
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Check Context (Graceful Shutdown)
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis. BLPop returns immediately if data exists.
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistProctorEventsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // queue empty, loop back to check the flush timer
			}
			if ctx.Err() != nil {
				continue // next iteration runs shutdown
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}

		// 4. Process Data
		if len(result) < 2 {
			continue
		}
		ev, err := decodeProctorEvent(result[1])
		if err != nil {
			// Malformed entries cannot succeed on retry.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed proctor event")
			continue
		}
		buffer = append(buffer, ev)
	}
}

func decodeProctorEvent(raw string) (model.ProctorEvent, error) {
	var ev model.ProctorEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, err
	}
	if ev.AttemptID == uuid.Nil || ev.Type == "" || ev.CreatedAt.IsZero() {
		return ev, errors.New("proctor event missing attempt, type or timestamp")
	}
	return ev, nil
}

// flushSafe attempts a bulk insert, then row-by-row, then requeues.
func (w *ProctorEventWorker) flushSafe(ctx context.Context, batch []model.ProctorEvent) {
	if err := w.repo.AppendBatch(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
		return
	}
	w.log.Debug().Int("count", len(batch)).Msg("Proctor events persisted")
}

func (w *ProctorEventWorker) fallbackInsert(ctx context.Context, batch []model.ProctorEvent) {
	requeueList := make([]model.ProctorEvent, 0)

	for i := range batch {
		e := batch[i]
		// Append ignores ids that are already stored.
		if err := w.repo.Append(ctx, &e); err != nil {
			w.log.Error().Err(err).Str("attempt_id", e.AttemptID.String()).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, e)
		}
	}

	if len(requeueList) > 0 {
		if err := w.requeue(ctx, requeueList); err != nil {
			w.log.Error().Err(err).Int("count", len(requeueList)).Msg("CRITICAL: Failed to requeue proctor events. Data loss occurred.")
		}
	}
}

func (w *ProctorEventWorker) requeueRedis(ctx context.Context, items []model.ProctorEvent) error {
	pipe := w.rdb.Pipeline()
	for i := range items {
		data, _ := json.Marshal(&items[i])
		pipe.RPush(ctx, config.WorkerKey.PersistProctorEventsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down hard.
	time.Sleep(2 * time.Second)
	return nil
}

func (w *ProctorEventWorker) shutdown(buffer []model.ProctorEvent) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
