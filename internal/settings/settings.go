package settings

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Source reads operator-tunable settings from redis with a small per-key
// cache. It lets worker concurrency and sweeper thresholds change at
// runtime without a redeploy; absent or malformed values fall back to the
// defaults supplied at the call site.
type Source struct {
	redis  *redis.Client
	prefix string

	mu    sync.Mutex
	cache map[string]entry
}

type entry struct {
	value     string
	fetchedAt time.Time
}

func NewSource(redisClient *redis.Client, prefix string) *Source {
	if prefix == "" {
		prefix = "settings:"
	}
	return &Source{
		redis:  redisClient,
		prefix: prefix,
		cache:  make(map[string]entry),
	}
}

// Get returns the value for key, serving from cache while the cached copy
// is younger than ttl. force bypasses the cache entirely.
func (s *Source) Get(ctx context.Context, key string, ttl time.Duration, force bool) (string, error) {
	if !force {
		s.mu.Lock()
		e, ok := s.cache[key]
		s.mu.Unlock()
		if ok && time.Since(e.fetchedAt) < ttl {
			return e.value, nil
		}
	}

	val, err := s.redis.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}

	s.mu.Lock()
	s.cache[key] = entry{value: val, fetchedAt: time.Now()}
	s.mu.Unlock()
	return val, nil
}

// GetInt reads an integer setting, returning fallback when the key is
// absent, unreadable or not a number.
func (s *Source) GetInt(ctx context.Context, key string, ttl time.Duration, fallback int) int {
	val, err := s.Get(ctx, key, ttl, false)
	if err != nil {
		log.Printf("[Settings] Failed to read %s: %v", key, err)
		return fallback
	}
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Printf("[Settings] Ignoring non-numeric value for %s: %q", key, val)
		return fallback
	}
	return n
}

// Set writes a setting. Used by tests and operational tooling.
func (s *Source) Set(ctx context.Context, key, value string) error {
	return s.redis.Set(ctx, s.prefix+key, value, 0).Err()
}
