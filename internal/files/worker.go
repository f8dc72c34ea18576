package files

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CleanupWorker expires files on a short interval and purges on a long one.
type CleanupWorker struct {
	lifecycle     *Lifecycle
	interval      time.Duration
	purgeInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

func NewCleanupWorker(lifecycle *Lifecycle, interval, purgeInterval time.Duration) *CleanupWorker {
	return &CleanupWorker{
		lifecycle:     lifecycle,
		interval:      interval,
		purgeInterval: purgeInterval,
		done:          make(chan struct{}),
	}
}

// Start runs one expiry sweep immediately, then schedules both jobs.
func (w *CleanupWorker) Start(ctx context.Context) {
	w.expire(ctx)

	w.wg.Add(1)
	go w.run(ctx)

	log.Info().
		Dur("interval", w.interval).
		Dur("purge_interval", w.purgeInterval).
		Msg("started cleanup worker")
}

// Stop waits for an in-flight job to finish.
func (w *CleanupWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		log.Info().Msg("cleanup worker stopped")
	})
}

func (w *CleanupWorker) run(ctx context.Context) {
	defer w.wg.Done()

	cleanup := time.NewTicker(w.interval)
	defer cleanup.Stop()
	purge := time.NewTicker(w.purgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("context cancelled, cleanup worker shutting down")
			return
		case <-w.done:
			return
		case <-cleanup.C:
			w.expire(ctx)
		case <-purge.C:
			w.purge(ctx)
		}
	}
}

func (w *CleanupWorker) expire(ctx context.Context) {
	if _, err := w.lifecycle.ExpireSweep(ctx); err != nil {
		log.Error().
			Err(err).
			Msg("error expiring files")
	}
}

func (w *CleanupWorker) purge(ctx context.Context) {
	report, err := w.lifecycle.Purge(ctx, PurgeOptions{})
	switch {
	case errors.Is(err, ErrPurgeInProgress):
		log.Debug().Msg("purge skipped, another run holds the lock")
	case err != nil:
		log.Error().
			Err(err).
			Msg("error purging files")
	case len(report.Errors) > 0:
		for _, item := range report.Errors {
			log.Warn().
				Err(item.Err).
				Str("code", item.Code).
				Str("file_id", item.ID.String()).
				Str("key", item.Key).
				Msg("purge item failed")
		}
	}
}
