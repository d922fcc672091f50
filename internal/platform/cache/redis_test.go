package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, time.Minute)
}

func TestRedisGetMissing(t *testing.T) {
	c := newTestRedis(t)
	_, ok, err := c.Get(context.Background(), "http://example.org/Library/none")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestRedisSetThenGet(t *testing.T) {
	c := newTestRedis(t)
	ctx := context.Background()
	key := "http://example.org/Library/demo"
	want := map[string]interface{}{"InPopulation": true, "Score": float64(7)}

	if err := c.Set(ctx, key, want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if got["InPopulation"] != true || got["Score"] != float64(7) {
		t.Errorf("round-trip mismatch: %v", got)
	}
}

func TestMemorySetThenGet(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	if err := c.Set(ctx, "k", map[string]interface{}{"A": "b"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if got["A"] != "b" {
		t.Errorf("round-trip mismatch: %v", got)
	}
	if _, ok, _ := c.Get(ctx, "other"); ok {
		t.Error("expected miss for unknown key")
	}
}
