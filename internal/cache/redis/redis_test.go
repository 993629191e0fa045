package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inverstra/predictiondao/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestPredictionCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	cache := NewPredictionCache(c, time.Minute)

	_, err := cache.Get(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ledgerID := "9"
	p := domain.Prediction{
		ID: 1, Title: "t", IsActive: true, TotalVotes: 2, YesVotes: 1, NoVotes: 1,
		ContractPredictionID: &ledgerID, Version: 3,
		Votes: []domain.Vote{{Voter: "a", Support: true}, {Voter: "b"}},
	}
	require.NoError(t, cache.Set(ctx, p))
	assert.Equal(t, time.Minute, mr.TTL("prediction:1"))

	got, err := cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, p.Title, got.Title)
	assert.Equal(t, "9", got.LedgerID())
	assert.Len(t, got.Votes, 2)
	assert.EqualValues(t, 3, got.Version)

	require.NoError(t, cache.Invalidate(ctx, 1, 4))
	_, err = cache.Get(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPredictionCacheRejectsStaleSnapshots(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	cache := NewPredictionCache(c, time.Minute)

	stale := domain.Prediction{ID: 7, Title: "before vote", IsActive: true, Version: 1}
	fresh := domain.Prediction{ID: 7, Title: "after vote", TotalVotes: 1, NoVotes: 1, IsActive: true, Version: 2}

	// A reader loaded version 1, then a vote saved version 2 and invalidated.
	require.NoError(t, cache.Invalidate(ctx, 7, fresh.Version))
	assert.Equal(t, time.Minute, mr.TTL("prediction:7"))
	require.NoError(t, cache.Set(ctx, stale))
	_, err := cache.Get(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, cache.Set(ctx, fresh))
	got, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "after vote", got.Title)

	// An older snapshot never replaces a newer one.
	require.NoError(t, cache.Set(ctx, stale))
	got, err = cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Version)

	// The floor never moves backwards.
	require.NoError(t, cache.Invalidate(ctx, 7, 1))
	require.NoError(t, cache.Set(ctx, stale))
	_, err = cache.Get(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLockManagerExclusive(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "outbox:reconciler", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "outbox:reconciler", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	unlock2, err := lm.Acquire(ctx, "outbox:reconciler", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "vote:1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "vote:1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "vote:5.6.7.8", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBusStream(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	bus := NewSignalBus(c, "inverstra")

	msgs, err := bus.StreamRead(ctx, domain.StreamLedgerEvents, "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, bus.StreamAppend(ctx, domain.StreamLedgerEvents, []byte(`{"n":1}`)))
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamLedgerEvents, []byte(`{"n":2}`)))

	msgs, err = bus.StreamRead(ctx, domain.StreamLedgerEvents, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"n":1}`, string(msgs[0].Payload))

	rest, err := bus.StreamRead(ctx, domain.StreamLedgerEvents, msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.JSONEq(t, `{"n":2}`, string(rest[0].Payload))
}

func TestSignalBusPubSub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, _ := newTestClient(t)
	bus := NewSignalBus(c, "inverstra")

	ch, err := bus.Subscribe(ctx, domain.ChannelVotes)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.ChannelVotes, []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	for range ch {
	}
}
