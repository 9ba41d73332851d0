package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"agentchat/internal/models"
	"agentchat/internal/redis"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStateCache(t *testing.T, origin string) *stateRedis {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client, err := redis.Dial(context.Background(), &goredis.Options{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return newStateCache(client, origin, zerolog.Nop())
}

func TestStateCacheDisabledWithoutClient(t *testing.T) {
	sc := newStateCache(nil, "origin", zerolog.Nop())
	assert.Nil(t, sc)

	// Every method is safe on the disabled cache.
	sc.cacheSession(&models.Session{ID: 1, UserID: 1})
	_, ok := sc.loadSession(1, 1)
	assert.False(t, ok)
	sc.invalidateSession(1)
	sc.publishInvalidation(invalidateMessage{UserID: 1, Scope: scopeUser})
	sc.startListener(context.Background(), func(invalidateMessage) {})
}

func TestStateCacheStoreLoadAndInvalidate(t *testing.T) {
	sc := newRedisStateCache(t, "replica-a")

	session := &models.Session{ID: 101, UserID: 77, Title: "demo", ThreadID: "thread_1"}
	sc.cacheSession(session)
	defer sc.invalidateSession(session.ID)

	got, ok := sc.loadSession(77, 101)
	require.True(t, ok)
	assert.Equal(t, "demo", got.Title)
	assert.Equal(t, "thread_1", got.ThreadID)

	_, ok = sc.loadSession(78, 101)
	assert.False(t, ok, "session of another user must not load")

	sc.invalidateSession(101)
	_, ok = sc.loadSession(77, 101)
	assert.False(t, ok)
}

func TestStateCacheInvalidationSkipsOwnOrigin(t *testing.T) {
	a := newRedisStateCache(t, "replica-a")
	b := newRedisStateCache(t, "replica-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gotA := make(chan invalidateMessage, 4)
	gotB := make(chan invalidateMessage, 4)
	a.startListener(ctx, func(msg invalidateMessage) { gotA <- msg })
	b.startListener(ctx, func(msg invalidateMessage) { gotB <- msg })
	time.Sleep(100 * time.Millisecond)

	a.publishInvalidation(invalidateMessage{UserID: 5, SessionID: 9, Scope: scopeSession})

	select {
	case msg := <-gotB:
		assert.Equal(t, "replica-a", msg.Origin)
		assert.Equal(t, int64(9), msg.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("replica b did not receive the invalidation")
	}
	select {
	case msg := <-gotA:
		t.Fatalf("publisher received its own invalidation: %#v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}
