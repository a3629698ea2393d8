package idempotency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glimte/shelfbridge/contracts"
	"github.com/glimte/shelfbridge/serialization"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns a fresh store and a function advancing its clock
type storeFactory func(t *testing.T) (Store, func(time.Duration))

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) (Store, func(time.Duration)) {
			m := NewMemoryStore()
			base := time.Now()
			var offset atomic.Int64
			m.now = func() time.Time { return base.Add(time.Duration(offset.Load())) }
			return m, func(d time.Duration) { offset.Add(int64(d)) }
		},
		"redis": func(t *testing.T) (Store, func(time.Duration)) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisStore(client), mr.FastForward
		},
	}
}

func TestStoreBackends(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			runStoreSuite(t, factory)
		})
	}
}

func runStoreSuite(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("first reservation wins", func(t *testing.T) {
		store, _ := newStore(t)

		dup, err := store.Reserve(ctx, "k1", "msg-1", time.Minute)
		require.NoError(t, err)
		assert.False(t, dup)

		dup, err = store.Reserve(ctx, "k1", "msg-2", time.Minute)
		require.NoError(t, err)
		assert.True(t, dup)
	})

	t.Run("same owner cannot reserve twice", func(t *testing.T) {
		store, _ := newStore(t)

		dup, err := store.Reserve(ctx, "k1", "msg-1", time.Minute)
		require.NoError(t, err)
		require.False(t, dup)

		dup, err = store.Reserve(ctx, "k1", "msg-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, dup)
	})

	t.Run("resume hands a reservation back to its owner only", func(t *testing.T) {
		store, _ := newStore(t)

		dup, err := store.Resume(ctx, "k1", "msg-1", time.Minute)
		require.NoError(t, err)
		require.False(t, dup, "a free key is claimed")

		dup, err = store.Resume(ctx, "k1", "msg-1", time.Minute)
		require.NoError(t, err)
		assert.False(t, dup)

		dup, err = store.Resume(ctx, "k1", "msg-2", time.Minute)
		require.NoError(t, err)
		assert.True(t, dup)

		resp := contracts.NewSuccessResponse("c1", contracts.ObjectPayload(map[string]any{"id": 1}), nil)
		require.NoError(t, store.StoreResponse(ctx, "k1", resp, time.Minute))

		dup, err = store.Resume(ctx, "k1", "msg-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, dup, "a completed key is never resumed")
	})

	t.Run("release frees only the owner's reservation", func(t *testing.T) {
		store, _ := newStore(t)

		_, err := store.Reserve(ctx, "k1", "msg-1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, store.Release(ctx, "k1", "msg-2"))
		dup, err := store.Reserve(ctx, "k1", "msg-3", time.Minute)
		require.NoError(t, err)
		assert.True(t, dup, "another owner's release is ignored")

		require.NoError(t, store.Release(ctx, "k1", "msg-1"))
		dup, err = store.Reserve(ctx, "k1", "msg-3", time.Minute)
		require.NoError(t, err)
		assert.False(t, dup)

		resp := contracts.NewSuccessResponse("c1", contracts.ObjectPayload(map[string]any{"id": 1}), nil)
		require.NoError(t, store.StoreResponse(ctx, "k1", resp, time.Minute))
		require.NoError(t, store.Release(ctx, "k1", "msg-3"))

		_, found, err := store.GetCachedResponse(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, found, "a completed key survives release")
	})

	t.Run("concurrent reservations yield exactly one winner", func(t *testing.T) {
		store, _ := newStore(t)

		const contenders = 32
		var winners atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				dup, err := store.Reserve(ctx, "race", fmt.Sprintf("msg-%d", i), time.Minute)
				if assert.NoError(t, err) && !dup {
					winners.Add(1)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), winners.Load())
	})

	t.Run("no cached response while in flight", func(t *testing.T) {
		store, _ := newStore(t)

		_, err := store.Reserve(ctx, "k1", "msg-1", time.Minute)
		require.NoError(t, err)

		body, found, err := store.GetCachedResponse(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, body)
	})

	t.Run("stored response is replayed byte for byte", func(t *testing.T) {
		store, _ := newStore(t)

		_, err := store.Reserve(ctx, "k1", "msg-1", time.Minute)
		require.NoError(t, err)

		resp := contracts.NewErrorResponse("c1", contracts.StatusError, contracts.CodeNotFound, "Author not found", nil)
		require.NoError(t, store.StoreResponse(ctx, "k1", resp, time.Minute))

		first, found, err := store.GetCachedResponse(ctx, "k1")
		require.NoError(t, err)
		require.True(t, found)

		second, found, err := store.GetCachedResponse(ctx, "k1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, first, second)

		decoded, err := serialization.DecodeResponse(first)
		require.NoError(t, err)
		assert.Equal(t, contracts.CodeNotFound, decoded.Error.Code)
		assert.Equal(t, resp.ID, decoded.ID)

		// completed keys are duplicates for everyone, including the original owner
		dup, err := store.Reserve(ctx, "k1", "msg-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, dup)
	})

	t.Run("stored timestamps are normalized", func(t *testing.T) {
		store, _ := newStore(t)

		created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))
		resp := contracts.NewSuccessResponse("c1", contracts.ObjectPayload(map[string]any{
			"id":         1,
			"created_at": created,
		}), nil)
		require.NoError(t, store.StoreResponse(ctx, "k2", resp, time.Minute))

		body, found, err := store.GetCachedResponse(ctx, "k2")
		require.NoError(t, err)
		require.True(t, found)
		assert.Contains(t, string(body), `"created_at":"2024-03-01T09:00:00Z"`)
	})

	t.Run("keys expire after ttl", func(t *testing.T) {
		store, advance := newStore(t)

		resp := contracts.NewSuccessResponse("c1", contracts.ObjectPayload(map[string]any{"id": 1}), nil)
		_, err := store.Reserve(ctx, "k1", "msg-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.StoreResponse(ctx, "k1", resp, time.Minute))

		advance(time.Minute + time.Second)

		_, found, err := store.GetCachedResponse(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, found)

		dup, err := store.Reserve(ctx, "k1", "msg-9", time.Minute)
		require.NoError(t, err)
		assert.False(t, dup)
	})

	t.Run("sweep removes keys living longer than max age", func(t *testing.T) {
		store, _ := newStore(t)

		resp := contracts.NewSuccessResponse("c1", contracts.ObjectPayload(map[string]any{"id": 1}), nil)
		require.NoError(t, store.StoreResponse(ctx, "long", resp, 48*time.Hour))
		require.NoError(t, store.StoreResponse(ctx, "short", resp, time.Hour))

		removed, err := store.Sweep(ctx, 24*time.Hour)
		require.NoError(t, err)
		assert.Greater(t, removed, 0)

		_, found, err := store.GetCachedResponse(ctx, "long")
		require.NoError(t, err)
		assert.False(t, found)

		_, found, err = store.GetCachedResponse(ctx, "short")
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("empty key is rejected", func(t *testing.T) {
		store, _ := newStore(t)

		_, err := store.Reserve(ctx, "", "msg-1", time.Minute)
		assert.ErrorIs(t, err, ErrEmptyKey)
		_, err = store.Resume(ctx, "", "msg-1", time.Minute)
		assert.ErrorIs(t, err, ErrEmptyKey)
		_, _, err = store.GetCachedResponse(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyKey)
		assert.ErrorIs(t, store.Release(ctx, "", "msg-1"), ErrEmptyKey)
	})

	t.Run("ping succeeds on a live store", func(t *testing.T) {
		store, _ := newStore(t)
		assert.NoError(t, store.Ping(ctx))
	})
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()

	t.Run("uses prefixed marker and response keys", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()
		store := NewRedisStore(client, WithKeyPrefix("test:"))

		_, err := store.Reserve(ctx, "k1", "msg-1", time.Minute)
		require.NoError(t, err)

		marker, err := mr.Get("test:k1")
		require.NoError(t, err)
		assert.Equal(t, "processing:msg-1", marker)

		resp := contracts.NewSuccessResponse("c1", contracts.ObjectPayload(map[string]any{"id": 1}), nil)
		require.NoError(t, store.StoreResponse(ctx, "k1", resp, time.Minute))

		marker, err = mr.Get("test:k1")
		require.NoError(t, err)
		assert.Equal(t, "completed", marker)
		assert.True(t, mr.Exists("test:k1:response"))
		assert.Equal(t, time.Minute, mr.TTL("test:k1:response"))
	})

	t.Run("sweep removes keys without expiry", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()
		store := NewRedisStore(client)

		require.NoError(t, mr.Set(DefaultKeyPrefix+"stale", "completed"))
		require.NoError(t, mr.Set("other:untouched", "x"))

		removed, err := store.Sweep(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		assert.False(t, mr.Exists(DefaultKeyPrefix+"stale"))
		assert.True(t, mr.Exists("other:untouched"))
	})

	t.Run("unreachable redis surfaces a store error", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		defer client.Close()
		store := NewRedisStore(client)
		mr.Close()

		_, err := store.Reserve(ctx, "k1", "msg-1", time.Minute)
		var storeErr *StoreError
		require.ErrorAs(t, err, &storeErr)
		assert.Equal(t, "reserve", storeErr.Op)
		assert.Error(t, store.Ping(ctx))
	})

	t.Run("DialRedis connects and owns its client", func(t *testing.T) {
		mr := miniredis.RunT(t)

		store, err := DialRedis(ctx, RedisConfig{Addr: mr.Addr()})
		require.NoError(t, err)
		assert.True(t, store.ownsClient)
		assert.NoError(t, store.Close())
	})

	t.Run("DialRedis fails when nothing listens", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := DialRedis(ctx, RedisConfig{Addr: addr})
		assert.Error(t, err)
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("closed store rejects operations", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Close())

		_, err := store.Reserve(ctx, "k", "m", time.Minute)
		assert.ErrorIs(t, err, ErrStoreClosed)
		assert.ErrorIs(t, store.Ping(ctx), ErrStoreClosed)
	})

	t.Run("Len counts live keys only", func(t *testing.T) {
		store := NewMemoryStore()
		base := time.Now()
		now := base
		store.now = func() time.Time { return now }

		_, _ = store.Reserve(ctx, "a", "m", time.Minute)
		_, _ = store.Reserve(ctx, "b", "m", time.Hour)
		assert.Equal(t, 2, store.Len())

		now = base.Add(2 * time.Minute)
		assert.Equal(t, 1, store.Len())
	})

	t.Run("zero ttl falls back to default", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.Reserve(ctx, "k", "m", 0)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(DefaultTTL), store.entries["k"].expiresAt, time.Second)
	})
}
