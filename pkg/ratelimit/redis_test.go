package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLimiterCountsAndDenies(t *testing.T) {
	lim := NewRedis(newTestRedis(t), time.Second)

	for i := 1; i <= 3; i++ {
		d := lim.Allow("user:bob", 3)
		if !d.Allowed || d.Count != i {
			t.Fatalf("call %d: %+v", i, d)
		}
	}
	if d := lim.Allow("user:bob", 3); d.Allowed {
		t.Fatalf("fourth call should be denied: %+v", d)
	}
}

func TestRedisLimiterDegradesWithoutClient(t *testing.T) {
	lim := &RedisLimiter{Window: time.Second, Prefix: "govrl:"}
	if d := lim.Allow("k", 0); !d.Allowed || d.Limit != 1 {
		t.Fatalf("expected fail-open decision, got %+v", d)
	}
}

func TestRedisLimiterDegradesToFallbackOnError(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		MaxRetries:  0,
	})
	defer client.Close()

	lim := NewRedis(client, time.Second)
	first := lim.Allow("user:carol", 1)
	if !first.Allowed || first.Count != 1 {
		t.Fatalf("fallback first decision: %+v", first)
	}
	if second := lim.Allow("user:carol", 1); second.Allowed {
		t.Fatalf("fallback should enforce the limit: %+v", second)
	}
}

func TestRedisLimiterBadScriptResult(t *testing.T) {
	lim := NewRedis(newTestRedis(t), time.Second)
	lim.Fallback = nil

	orig := rateLimitScript
	rateLimitScript = redis.NewScript(`return "nonsense"`)
	defer func() { rateLimitScript = orig }()

	if d := lim.Allow("k", 5); !d.Allowed || d.Count != 0 {
		t.Fatalf("expected fail-open decision, got %+v", d)
	}
}

func TestRedisLimiterMissingTTLUsesWindow(t *testing.T) {
	client := newTestRedis(t)
	lim := NewRedis(client, 500*time.Millisecond)

	// a key with no expiry makes PTTL return -1
	if err := client.Set(context.Background(), lim.Prefix+"user:dave", "1", 0).Err(); err != nil {
		t.Fatalf("seed key: %v", err)
	}
	d := lim.Allow("user:dave", 10)
	if d.ResetAt.Before(time.Now().UTC()) {
		t.Fatalf("resetAt should be in the future: %v", d.ResetAt)
	}
}
