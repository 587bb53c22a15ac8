package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/syncgw/pkg/adapters/redis"
	"github.com/aretw0/syncgw/pkg/domain"
	"github.com/aretw0/syncgw/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "Failed to start miniredis")
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisReplayStore_Contract(t *testing.T) {
	_, client := setup(t)
	ports.RunReplayStoreContract(t, redis.NewFromClient(client))
}

func TestRedisReplayStore_TTL(t *testing.T) {
	mr, client := setup(t)
	store := redis.NewFromClient(client, redis.WithTTL(time.Minute), redis.WithPrefix("test:"))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, domain.ReplayEntry{SessionID: "S1", Request: []byte("HELLO"), Reply: []byte("WORLD")}))
	assert.True(t, mr.Exists("test:S1"), "entry key should use the prefix")
	assert.Equal(t, time.Minute, mr.TTL("test:S1"))

	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "S1")
	assert.ErrorIs(t, err, domain.ErrReplayMiss, "expired entries must miss")
}

func TestRedisReplayStore_Ping(t *testing.T) {
	_, client := setup(t)
	store := redis.NewFromClient(client)
	assert.NoError(t, store.Ping(context.Background()))
}
