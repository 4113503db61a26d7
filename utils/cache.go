package utils

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// CompanyProfile is what the draft generator knows about the sending company.
type CompanyProfile struct {
	Name        string   `json:"name"`
	Positioning string   `json:"positioning"`
	Services    []string `json:"services"`
	ProofPoints []string `json:"proof_points"`
}

// ProfileCache is an injected, process-scoped cache for the company profile.
// Entries carry an explicit TTL; a miss after expiry is reported as not found.
type ProfileCache interface {
	Get(ctx context.Context, key string) (*CompanyProfile, bool)
	Set(ctx context.Context, key string, profile *CompanyProfile) error
}

// MemoryProfileCache keeps entries in memory with per-entry expiry.
type MemoryProfileCache struct {
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	profile   CompanyProfile
	expiresAt time.Time
}

func NewMemoryProfileCache(ttl time.Duration) *MemoryProfileCache {
	return &MemoryProfileCache{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
	}
}

func (c *MemoryProfileCache) Get(_ context.Context, key string) (*CompanyProfile, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}

	profile := entry.profile
	return &profile, true
}

func (c *MemoryProfileCache) Set(_ context.Context, key string, profile *CompanyProfile) error {
	c.mu.Lock()
	c.entries[key] = memoryEntry{
		profile:   *profile,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
	return nil
}

// RedisProfileCache stores profiles in Redis so the cache survives restarts
// and is shared across processes.
type RedisProfileCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisProfileCache(client *redis.Client, ttl time.Duration) *RedisProfileCache {
	return &RedisProfileCache{
		client: client,
		ttl:    ttl,
	}
}

func (c *RedisProfileCache) Get(ctx context.Context, key string) (*CompanyProfile, bool) {
	data, err := c.client.Get(ctx, "profile:"+key).Bytes()
	if err != nil {
		return nil, false
	}

	var profile CompanyProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, false
	}
	return &profile, true
}

func (c *RedisProfileCache) Set(ctx context.Context, key string, profile *CompanyProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, "profile:"+key, data, c.ttl).Err()
}
