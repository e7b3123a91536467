package govern

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger records executed idempotency keys. Record returns true when the
// key was new and is now recorded, false when it was already present.
type Ledger interface {
	Record(ctx context.Context, instanceID, key string) (bool, error)
	Seen(ctx context.Context, instanceID, key string) (bool, error)
	// CleanupInstance forgets every key for a terminated instance.
	CleanupInstance(ctx context.Context, instanceID string) error
}

// MemoryLedger partitions keys per instance so cleanup on termination is a
// single map delete.
type MemoryLedger struct {
	mu   sync.Mutex
	keys map[string]map[string]bool
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: map[string]map[string]bool{}}
}

func (l *MemoryLedger) Record(_ context.Context, instanceID, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket := l.keys[instanceID]
	if bucket == nil {
		bucket = map[string]bool{}
		l.keys[instanceID] = bucket
	}
	if bucket[key] {
		return false, nil
	}
	bucket[key] = true
	return true, nil
}

func (l *MemoryLedger) Seen(_ context.Context, instanceID, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.keys[instanceID][key], nil
}

func (l *MemoryLedger) CleanupInstance(_ context.Context, instanceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, instanceID)
	return nil
}

// RedisLedger shares the idempotency record across orchestrator processes.
// Keys live under cpg:idem:<instanceId> and expire after TTL as a backstop
// for instances that never reach CleanupInstance.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLedger{client: client, ttl: ttl}
}

var recordScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return added
`)

func (l *RedisLedger) Record(ctx context.Context, instanceID, key string) (bool, error) {
	n, err := recordScript.Run(ctx, l.client, []string{l.setKey(instanceID)}, key, int(l.ttl.Seconds())).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLedger) Seen(ctx context.Context, instanceID, key string) (bool, error) {
	return l.client.SIsMember(ctx, l.setKey(instanceID), key).Result()
}

func (l *RedisLedger) CleanupInstance(ctx context.Context, instanceID string) error {
	return l.client.Del(ctx, l.setKey(instanceID)).Err()
}

func (l *RedisLedger) setKey(instanceID string) string { return "cpg:idem:" + instanceID }
