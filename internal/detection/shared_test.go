package detection

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShared(t *testing.T, openFor time.Duration) (*SharedBreaker, *SharedBreaker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	dial := func() *redis.Client {
		client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return client
	}
	// one side per process
	return NewSharedBreaker(dial(), openFor, nil), NewSharedBreaker(dial(), openFor, nil), srv
}

func TestSharedBreakerFollowsTrips(t *testing.T) {
	publisher, reader, _ := newShared(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	breaker := NewBreaker(2)
	go publisher.Follow(ctx, breaker.Subscribe())
	require.True(t, reader.Available(ctx))

	breaker.Trip()
	require.Eventually(t, func() bool { return !reader.Available(ctx) }, time.Second, 5*time.Millisecond)

	breaker.Reset()
	require.Eventually(t, func() bool { return reader.Available(ctx) }, time.Second, 5*time.Millisecond)
}

func TestSharedBreakerTripExpires(t *testing.T) {
	publisher, reader, srv := newShared(t, 30*time.Second)
	ctx := context.Background()

	publisher.record(ctx, true)
	assert.False(t, reader.Available(ctx))

	srv.FastForward(31 * time.Second)
	assert.True(t, reader.Available(ctx))
}

func TestSharedBreakerReadErrorCountsAsAvailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	reader := NewSharedBreaker(client, time.Minute, nil)
	assert.True(t, reader.Available(context.Background()))
}
