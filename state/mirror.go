package state

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// mirror write-throughs entries to Redis under the same composite key and
// TTL. The in-memory store stays authoritative; mirror failures are logged
// and never surfaced to callers.
type mirror struct {
	client *redis.Client
	prefix string
}

// EnableMirror turns on the Redis write-through. Keys are namespaced under
// prefix so several deployments can share one Redis.
func (s *Store) EnableMirror(client *redis.Client, prefix string) {
	if prefix == "" {
		prefix = "notifier:state"
	}
	s.mirror = &mirror{client: client, prefix: prefix}
}

func (m *mirror) redisKey(ck string) string {
	// The in-memory composite uses NUL separators; swap for ':' so the
	// keys stay inspectable with redis-cli.
	return m.prefix + ":" + strings.ReplaceAll(ck, keySeparator, ":")
}

func (m *mirror) set(ctx context.Context, ck string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		log.Printf("State mirror: failed to marshal value for %q: %v", ck, err)
		return
	}
	if err := m.client.Set(ctx, m.redisKey(ck), data, ttl).Err(); err != nil {
		log.Printf("State mirror: failed to write %q: %v", ck, err)
	}
}

func (m *mirror) refresh(ctx context.Context, ck string, ttl time.Duration) {
	if err := m.client.Expire(ctx, m.redisKey(ck), ttl).Err(); err != nil {
		log.Printf("State mirror: failed to refresh TTL for %q: %v", ck, err)
	}
}

func (m *mirror) delete(ctx context.Context, ck string) {
	if err := m.client.Del(ctx, m.redisKey(ck)).Err(); err != nil {
		log.Printf("State mirror: failed to delete %q: %v", ck, err)
	}
}
