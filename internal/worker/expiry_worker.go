package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/metrics"
)

// SweepBatch caps how many attempts one sweep pass seals.
const SweepBatch = 200

// Sweeper seals lapsed attempts. *service.AttemptService implements it.
type Sweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// ExpiryWorker periodically auto-submits ONGOING attempts whose deadline
// passed with no request to discover it. Requests seal on their own, so
// this only bounds how long an abandoned attempt stays ONGOING.
type ExpiryWorker struct {
	sweeper  Sweeper
	interval time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func NewExpiryWorker(sweeper Sweeper, interval time.Duration, m *metrics.Metrics, log zerolog.Logger) *ExpiryWorker {
	return &ExpiryWorker{
		sweeper:  sweeper,
		interval: interval,
		metrics:  m,
		log:      log.With().Str("component", "expiry_worker").Logger(),
	}
}

// Start runs sweeps until ctx is cancelled. Call in a goroutine.
func (w *ExpiryWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("ExpiryWorker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("ExpiryWorker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one pass, repeating while full batches come back.
func (w *ExpiryWorker) RunOnce(ctx context.Context) int {
	total := 0
	for {
		n, err := w.sweeper.SweepExpired(ctx, SweepBatch)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error().Err(err).Msg("Expiry sweep failed")
			}
			break
		}
		total += n
		if n < SweepBatch {
			break
		}
	}
	w.metrics.Swept()
	if total > 0 {
		w.log.Info().Int("sealed", total).Msg("Auto-submitted expired attempts")
	}
	return total
}
