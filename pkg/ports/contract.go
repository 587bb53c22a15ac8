package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/syncgw/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunReplayStoreContract runs a suite of tests to verify that a ReplayStore implementation
// adheres to the defined interface contract.
func RunReplayStoreContract(t *testing.T, store ReplayStore) {
	ctx := context.Background()
	id := domain.SessionID("contract-" + time.Now().Format("20060102150405.000000000"))

	t.Run("Put and Get", func(t *testing.T) {
		entry := domain.ReplayEntry{
			SessionID:   id,
			Request:     []byte("HELLO"),
			Reply:       []byte("WORLD"),
			ContentType: "application/vnd.syncml+xml",
			Meta:        map[string]string{"URL": "http://peer/sync"},
			StoredAt:    time.Now(),
		}
		require.NoError(t, store.Put(ctx, entry), "Put should not return error")

		got, err := store.Get(ctx, id)
		require.NoError(t, err, "Get should not return error")
		assert.Equal(t, entry.SessionID, got.SessionID)
		assert.Equal(t, entry.Request, got.Request)
		assert.Equal(t, entry.Reply, got.Reply)
		assert.Equal(t, entry.ContentType, got.ContentType)
		assert.Equal(t, "http://peer/sync", got.Meta["URL"])
		assert.True(t, got.Matches(id, []byte("HELLO")))
	})

	t.Run("Put replaces", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, domain.ReplayEntry{SessionID: id, Request: []byte("A"), Reply: []byte("1")}))
		require.NoError(t, store.Put(ctx, domain.ReplayEntry{SessionID: id, Request: []byte("B"), Reply: []byte("2")}))

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []byte("B"), got.Request)
		assert.Equal(t, []byte("2"), got.Reply)
	})

	t.Run("Sessions are independent", func(t *testing.T) {
		other := id + "-other"
		require.NoError(t, store.Put(ctx, domain.ReplayEntry{SessionID: id, Request: []byte("X"), Reply: []byte("x")}))
		require.NoError(t, store.Put(ctx, domain.ReplayEntry{SessionID: other, Request: []byte("Y"), Reply: []byte("y")}))
		defer func() { _ = store.Invalidate(ctx, other) }()

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), got.Reply)

		got, err = store.Get(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, []byte("y"), got.Reply)
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := store.Get(ctx, "non-existent-"+id)
		assert.ErrorIs(t, err, domain.ErrReplayMiss)
	})

	t.Run("Invalidate", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, domain.ReplayEntry{SessionID: id, Request: []byte("A"), Reply: []byte("1")}))
		require.NoError(t, store.Invalidate(ctx, id), "Invalidate should not return error")

		_, err := store.Get(ctx, id)
		assert.ErrorIs(t, err, domain.ErrReplayMiss, "Get after Invalidate should miss")

		assert.NoError(t, store.Invalidate(ctx, id), "Invalidate of a missing entry is not an error")
	})
}
