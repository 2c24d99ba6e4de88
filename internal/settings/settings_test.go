package settings

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestSource(t *testing.T) (*Source, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSource(client, "settings:"), mr
}

func TestGetReturnsEmptyForMissingKey(t *testing.T) {
	src, _ := newTestSource(t)

	val, err := src.Get(context.Background(), "worker:concurrency", time.Minute, false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "" {
		t.Errorf("val = %q, want empty", val)
	}
}

func TestGetServesFromCacheWithinTTL(t *testing.T) {
	src, mr := newTestSource(t)
	mr.Set("settings:worker:concurrency", "8")

	val, err := src.Get(context.Background(), "worker:concurrency", time.Minute, false)
	if err != nil || val != "8" {
		t.Fatalf("first Get = %q, %v", val, err)
	}

	// A change behind the cache is invisible until the TTL lapses.
	mr.Set("settings:worker:concurrency", "16")
	val, err = src.Get(context.Background(), "worker:concurrency", time.Minute, false)
	if err != nil || val != "8" {
		t.Errorf("cached Get = %q, %v, want stale 8", val, err)
	}

	val, err = src.Get(context.Background(), "worker:concurrency", time.Minute, true)
	if err != nil || val != "16" {
		t.Errorf("forced Get = %q, %v, want 16", val, err)
	}
}

func TestGetIntFallsBack(t *testing.T) {
	src, mr := newTestSource(t)

	if got := src.GetInt(context.Background(), "worker:concurrency", time.Minute, 4); got != 4 {
		t.Errorf("missing key: got %d, want fallback 4", got)
	}

	mr.Set("settings:sweeper:image:max_age_seconds", "not-a-number")
	if got := src.GetInt(context.Background(), "sweeper:image:max_age_seconds", time.Minute, 3600); got != 3600 {
		t.Errorf("malformed value: got %d, want fallback 3600", got)
	}

	mr.Set("settings:sweeper:video:max_age_seconds", "7200")
	if got := src.GetInt(context.Background(), "sweeper:video:max_age_seconds", time.Minute, 3600); got != 7200 {
		t.Errorf("numeric value: got %d, want 7200", got)
	}
}

func TestSetRoundTrips(t *testing.T) {
	src, _ := newTestSource(t)

	if err := src.Set(context.Background(), "worker:concurrency", "12"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, err := src.Get(context.Background(), "worker:concurrency", time.Minute, true)
	if err != nil || val != "12" {
		t.Errorf("Get after Set = %q, %v", val, err)
	}
}
