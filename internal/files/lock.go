package files

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"dropcode-go/internal/cache"
	"dropcode-go/internal/database"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Locker keeps purge sweeps from overlapping. TryLock returns
// ErrPurgeInProgress when another sweep holds the lock.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), err error)
}

// LocalLocker serialises sweeps inside one process.
type LocalLocker struct {
	mu sync.Mutex
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{}
}

func (l *LocalLocker) TryLock(context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrPurgeInProgress
	}
	return l.mu.Unlock, nil
}

const purgeLockKey = "dropcode:lock:purge"

// RedisLocker serialises sweeps across every process sharing the Redis
// instance, including the maintenance CLI. The TTL bounds how long a crashed
// holder blocks others; a live holder renews it every third of the TTL.
type RedisLocker struct {
	client *cache.RedisClient
	ttl    time.Duration
}

func NewRedisLocker(client *cache.RedisClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context) (func(), error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, purgeLockKey, token, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquiring purge lock: %w", err)
	}
	if !ok {
		return nil, ErrPurgeInProgress
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})

		// The sweep's context may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.client.DeleteIfEquals(releaseCtx, purgeLockKey, token); err != nil {
			if errors.Is(err, cache.ErrNotHeld) {
				log.Warn().Msg("purge lock expired before release")
				return
			}
			log.Error().Err(err).Msg("failed to release purge lock")
		}
	}, nil
}

// renew extends the lock's TTL until stop is closed or the lock is lost.
func (l *RedisLocker) renew(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := l.client.ExtendIfEquals(ctx, purgeLockKey, token, l.ttl)
			cancel()
			if errors.Is(err, cache.ErrNotHeld) {
				log.Warn().Msg("purge lock lost while sweep is running")
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("failed to renew purge lock")
			}
		}
	}
}

// purgeAdvisoryKey identifies the purge lock among Postgres advisory locks.
const purgeAdvisoryKey int64 = 0x64726f70636f6465

// AdvisoryLocker serialises sweeps across every process sharing the
// database. Advisory locks belong to a session, so the lock is taken and
// released on one pinned connection. Postgres drops it if that connection
// dies.
type AdvisoryLocker struct {
	db *database.DB
}

func NewAdvisoryLocker(db *database.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

func (l *AdvisoryLocker) TryLock(ctx context.Context) (func(), error) {
	conn, err := l.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring purge lock: %w", err)
	}

	var ok bool
	if err := conn.GetContext(ctx, &ok, `SELECT pg_try_advisory_lock($1)`, purgeAdvisoryKey); err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquiring purge lock: %w", err)
	}
	if !ok {
		conn.Close()
		return nil, ErrPurgeInProgress
	}

	return func() {
		defer conn.Close()
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var released bool
		if err := conn.GetContext(releaseCtx, &released, `SELECT pg_advisory_unlock($1)`, purgeAdvisoryKey); err != nil {
			// Discard the connection so the pool never hands out one that
			// still holds the lock.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
			log.Error().Err(err).Msg("failed to release purge lock")
			return
		}
		if !released {
			log.Warn().Msg("purge lock was not held at release")
		}
	}, nil
}
