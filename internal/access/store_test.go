package access

import (
	"context"
	"testing"
	"time"

	"dropcode-go/internal/cache"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var redisURL string

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Warn().Err(err).Msg("redis container unavailable, redis tests will be skipped")
	} else {
		redisURL, _ = container.ConnectionString(ctx)
	}

	m.Run()

	if container != nil {
		if err := container.Terminate(ctx); err != nil {
			log.Error().Err(err).Msg("could not teardown redis container")
		}
	}
}

func TestRedisStore(t *testing.T) {
	if redisURL == "" {
		t.Skip("redis not available")
	}
	ctx := context.Background()

	client, err := cache.NewRedisClient(ctx, redisURL)
	require.NoError(t, err)
	defer client.Close()

	store := NewRedisStore(client, time.Minute)
	assert.Nil(t, store.ForSession(""))

	rec := protectedRecord(t, "hunter2")
	gate := NewGate()

	set := store.ForSession("alice")
	d, err := gate.Authorize(ctx, rec, "hunter2", set)
	require.NoError(t, err)
	assert.Equal(t, Authorized, d)

	// a fresh handle for the same session sees the authorization
	d, err = gate.Authorize(ctx, rec, "", store.ForSession("alice"))
	require.NoError(t, err)
	assert.Equal(t, Authorized, d)

	d, err = gate.Authorize(ctx, rec, "", store.ForSession("bob"))
	require.NoError(t, err)
	assert.Equal(t, Denied, d)
}
