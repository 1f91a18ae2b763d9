//go:build integration

package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/credgate"
	storeredis "github.com/ineyio/credgate/store/redis"
	"github.com/ineyio/credgate/store/storetest"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *storeredis.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	s := storeredis.New(client, storeredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func TestConformance(t *testing.T) {
	client := newTestClient(t)
	storetest.Run(t, storetest.Harness{
		New: func(t *testing.T) credgate.Store {
			return newTestStore(t, client)
		},
		ShortTTL: 500 * time.Millisecond,
	})
}

func TestKeyPrefix(t *testing.T) {
	client := newTestClient(t)
	s := newTestStore(t, client)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, credgate.LockKey("tokA"), "u1", time.Minute))

	raw, err := client.Get(ctx, "test:"+t.Name()+":LOCK:tokA").Result()
	require.NoError(t, err)
	assert.Equal(t, "u1", raw)
}

func TestTTL(t *testing.T) {
	client := newTestClient(t)
	s := newTestStore(t, client)
	ctx := context.Background()

	_, ok, err := s.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "AT:u1", "tokA", time.Hour))
	d, ok, err := s.TTL(ctx, "AT:u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, time.Hour.Seconds(), d.Seconds(), 5)
}

func TestKeyPrefixIsolation(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	s1 := storeredis.New(client, storeredis.WithKeyPrefix("test:iso1:"))
	s2 := storeredis.New(client, storeredis.WithKeyPrefix("test:iso2:"))
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "test:iso*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})

	ok, err := s1.SetIfAbsent(ctx, "LOCK:tokA", "u1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s2.SetIfAbsent(ctx, "LOCK:tokA", "u2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "prefixes must not share locks")
}
