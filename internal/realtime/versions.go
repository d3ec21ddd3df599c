package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// VersionCache remembers the newest version seen per entity so that repeated
// or stale notifications are not fanned out twice. Several API instances share
// one cache through Redis.
type VersionCache interface {
	// Advance records version for key and reports whether it is newer than
	// anything seen before
	Advance(ctx context.Context, key string, version int64) (bool, error)
}

// advanceScript sets KEYS[1] to ARGV[1] only when it is greater than the stored value
var advanceScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// RedisVersions is the shared version cache
type RedisVersions struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisVersions creates a Redis-backed version cache. Entries expire after
// ttl; an expired entry only costs a duplicate push.
func NewRedisVersions(client *redis.Client, prefix string, ttl time.Duration) *RedisVersions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisVersions{client: client, prefix: prefix, ttl: ttl}
}

// Advance implements VersionCache
func (r *RedisVersions) Advance(ctx context.Context, key string, version int64) (bool, error) {
	n, err := advanceScript.Run(ctx, r.client, []string{r.prefix + key}, version, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to advance version for %s: %w", key, err)
	}
	return n == 1, nil
}

// MemoryVersions is the single-instance fallback
type MemoryVersions struct {
	mu       sync.Mutex
	versions map[string]int64
}

// NewMemoryVersions creates an in-process version cache
func NewMemoryVersions() *MemoryVersions {
	return &MemoryVersions{versions: make(map[string]int64)}
}

// Advance implements VersionCache
func (m *MemoryVersions) Advance(_ context.Context, key string, version int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.versions[key]; ok && current >= version {
		return false, nil
	}
	m.versions[key] = version
	return true, nil
}
