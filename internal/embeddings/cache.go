package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/scholarmesh/orchestrator/internal/circuitbreaker"
)

// Cache stores query embeddings keyed by model and text hash.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// LocalLRU is an in-process embedding cache with LRU eviction.
type LocalLRU struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*lruEntry
	head     int64
}

type lruEntry struct {
	vec      []float32
	lastUsed int64
	expires  time.Time
}

// NewLocalLRU creates a cache holding up to capacity vectors.
func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 2048
	}
	return &LocalLRU{capacity: capacity, entries: make(map[string]*lruEntry)}
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(l.entries, key)
		return nil, false
	}
	l.head++
	e.lastUsed = l.head
	return e.vec, true
}

func (l *LocalLRU) Set(_ context.Context, key string, v []float32, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head++
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	l.entries[key] = &lruEntry{vec: v, lastUsed: l.head, expires: expires}
	if len(l.entries) <= l.capacity {
		return
	}
	var oldestKey string
	oldest := l.head + 1
	for k, e := range l.entries {
		if e.lastUsed < oldest {
			oldest = e.lastUsed
			oldestKey = k
		}
	}
	delete(l.entries, oldestKey)
}

// RedisCache is a shared embedding cache behind the circuit breaker.
type RedisCache struct {
	client *circuitbreaker.RedisWrapper
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *circuitbreaker.RedisWrapper) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := r.client.Get(ctx, "scholarmesh:emb:"+key)
	if err != nil || data == nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = r.client.Set(ctx, "scholarmesh:emb:"+key, data, ttl)
}

// MakeKey derives a stable cache key from model and text.
func MakeKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return model + ":" + hex.EncodeToString(sum[:16])
}
