package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/frontdesklabs/call-engine/pkg/redis"
)

// EventLog records which telephony event IDs have already been handled. The
// mark is added atomically with event admission, never mutated afterwards,
// and expires after the retention window.
type EventLog interface {
	// MarkProcessed returns true when the event ID was unseen and is now
	// recorded; false when it was already present (a provider retry).
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
}

// RedisEventLog implements EventLog on Redis SETNX with TTL, so dedup holds
// across pods and restarts.
type RedisEventLog struct {
	svc       redis.RedisServiceInterface
	retention time.Duration
}

func NewRedisEventLog(svc redis.RedisServiceInterface, retention time.Duration) *RedisEventLog {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisEventLog{svc: svc, retention: retention}
}

func (l *RedisEventLog) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	key := l.svc.GenerateKey(redis.PROCESSED_EVENT, eventID)
	ok, err := l.svc.SetIfAbsent(ctx, key, "1", l.retention)
	if err != nil && !errors.Is(err, redis.ErrKeyNotExist) {
		return false, err
	}
	return ok, nil
}

// MemoryEventLog is the in-process fallback used when Redis is not
// configured, and in unit tests. Entries expire lazily on access.
type MemoryEventLog struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
}

func NewMemoryEventLog(retention time.Duration) *MemoryEventLog {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &MemoryEventLog{
		seen:      make(map[string]time.Time),
		retention: retention,
	}
}

func (l *MemoryEventLog) MarkProcessed(_ context.Context, eventID string) (bool, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if at, ok := l.seen[eventID]; ok && now.Sub(at) < l.retention {
		return false, nil
	}
	l.seen[eventID] = now

	// Opportunistic sweep keeps the map bounded without a janitor goroutine.
	if len(l.seen)%1024 == 0 {
		for id, at := range l.seen {
			if now.Sub(at) >= l.retention {
				delete(l.seen, id)
			}
		}
	}
	return true, nil
}
