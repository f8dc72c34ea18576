package server

import (
	"context"
	"fmt"
	"time"

	"dropcode-go/internal/access"
	"dropcode-go/internal/cache"
	"dropcode-go/internal/config"
	"dropcode-go/internal/database"
	"dropcode-go/internal/files"
	"dropcode-go/internal/storage"

	"github.com/rs/zerolog/log"
)

// purgeLockTTL bounds how long a crashed sweep keeps others out. The lock is
// renewed while a sweep runs, so a slow sweep keeps it past this bound.
const purgeLockTTL = 30 * time.Minute

// Dependencies is the file service with the clients it was built from. It is
// shared by the HTTP server and the maintenance CLI.
type Dependencies struct {
	Service *files.Service
	Store   storage.Provider
	Redis   *cache.RedisClient
}

// NewDependencies opens the content store and, when configured, Redis. With
// Redis the unlocked-file sets and the purge lock live there; without it the
// sets are kept in memory and the purge lock is a Postgres advisory lock.
// Either way the purge lock is shared between processes.
func NewDependencies(ctx context.Context, cfg *config.Config, db *database.DB) (*Dependencies, error) {
	store, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("creating storage provider: %w", err)
	}

	deps := &Dependencies{Store: store}
	opts := []files.Option{files.WithLocker(files.NewAdvisoryLocker(db))}

	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			store.Close()
			return nil, err
		}
		deps.Redis = client
		opts = append(opts,
			files.WithSessionStore(access.NewRedisStore(client, cfg.SessionTTL)),
			files.WithLocker(files.NewRedisLocker(client, purgeLockTTL)),
		)
	}

	deps.Service, err = files.NewService(cfg, files.NewPostgresRepository(db), store, opts...)
	if err != nil {
		deps.Close()
		return nil, err
	}
	return deps, nil
}

func (d *Dependencies) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis client")
		}
	}
	if err := d.Store.Close(); err != nil {
		log.Error().Err(err).Msg("error closing storage provider")
	}
}
