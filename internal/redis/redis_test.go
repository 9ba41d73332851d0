package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"agentchat/internal/config"

	goredis "github.com/redis/go-redis/v9"
)

func TestNewRedisClientDisabledWithoutHost(t *testing.T) {
	client, err := NewRedisClient(config.RedisConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client != nil {
		t.Fatalf("expected nil client")
	}
	if client.Enabled() {
		t.Fatalf("nil client must report disabled")
	}
	if err := client.Set(context.Background(), "k", "v", time.Second); err == nil {
		t.Fatalf("expected error from disabled client")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close on nil client: %v", err)
	}
}

func TestClientRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := Dial(ctx, &goredis.Options{Addr: addr})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	key := "agentchat:test:roundtrip"
	defer client.Del(ctx, key)
	if err := client.Set(ctx, key, "value", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := client.Get(ctx, key)
	if err != nil || got != "value" {
		t.Fatalf("get = %q, %v", got, err)
	}
	if err := client.Del(ctx, key); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := client.Get(ctx, key); err != ErrCacheMiss {
		t.Fatalf("expected cache miss, got %v", err)
	}
}
