// Package idempotency deduplicates case submissions by Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carewire/handoff/model"
)

// Store records which case a submission key produced. Check returns the
// original case id when the key was seen with the same payload hash, and a
// CONFLICT error when the key was reused with a different payload.
//
// Keys are the raw client-supplied Idempotency-Key values; drivers namespace
// them with FormatKey before touching storage.
type Store interface {
	Check(ctx context.Context, key, payloadHash string) (caseID string, found bool, err error)

	// Remember claims the key for caseID atomically and returns the winning
	// case id: caseID when this call claimed the key, the earlier case id
	// when a concurrent submission got there first, and a CONFLICT error when
	// the key is already held for a different payload hash.
	Remember(ctx context.Context, key, payloadHash, caseID string, ttl time.Duration) (string, error)
}

// entry is the stored value for an idempotency key.
type entry struct {
	PayloadHash string `json:"payload_hash"`
	CaseID      string `json:"case_id"`
}

// HashPayload produces the deterministic hash compared on key reuse.
// json.Marshal sorts map keys, so equal payloads hash equally regardless of
// field order in the request body.
func HashPayload(payload map[string]any) string {
	data, _ := json.Marshal(payload)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// FormatKey builds the storage key for a client-supplied Idempotency-Key.
func FormatKey(key string) string {
	return "idem:case:" + key
}

func conflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with a different payload", key),
	)
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

// Check looks up a previous submission. Expired entries are removed lazily.
func (s *MemoryStore) Check(_ context.Context, key, payloadHash string) (string, bool, error) {
	k := FormatKey(key)

	s.mu.RLock()
	e, exists := s.entries[k]
	s.mu.RUnlock()

	if !exists {
		return "", false, nil
	}
	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, k)
		s.mu.Unlock()
		return "", false, nil
	}
	if e.data.PayloadHash != payloadHash {
		return "", true, conflict(key)
	}
	return e.data.CaseID, true, nil
}

// Remember claims the key for caseID. The check and the write happen under
// one lock, so concurrent duplicates converge on the first writer's case id.
func (s *MemoryStore) Remember(_ context.Context, key, payloadHash, caseID string, ttl time.Duration) (string, error) {
	k := FormatKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.entries[k]; exists && time.Now().Before(e.expiresAt) {
		if e.data.PayloadHash != payloadHash {
			return "", conflict(key)
		}
		return e.data.CaseID, nil
	}

	s.entries[k] = &memEntry{
		data:      entry{PayloadHash: payloadHash, CaseID: caseID},
		expiresAt: time.Now().Add(ttl),
	}
	return caseID, nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL, for multi-instance
// deployments where any node may receive the resubmission.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a previous submission in Redis.
func (s *RedisStore) Check(ctx context.Context, key, payloadHash string) (string, bool, error) {
	k := FormatKey(key)

	raw, err := s.client.Get(ctx, k).Bytes()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", k, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", false, fmt.Errorf("unmarshal idempotency entry %q: %w", k, err)
	}
	if e.PayloadHash != payloadHash {
		return "", true, conflict(key)
	}
	return e.CaseID, true, nil
}

// Remember claims the key for caseID with SetNX; on a lost race it reads the
// holder's entry so concurrent duplicates converge on one case id.
func (s *RedisStore) Remember(ctx context.Context, key, payloadHash, caseID string, ttl time.Duration) (string, error) {
	data, err := json.Marshal(entry{PayloadHash: payloadHash, CaseID: caseID})
	if err != nil {
		return "", fmt.Errorf("marshal idempotency entry: %w", err)
	}
	k := FormatKey(key)

	claimed, err := s.client.SetNX(ctx, k, data, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx %q: %w", k, err)
	}
	if claimed {
		return caseID, nil
	}

	raw, err := s.client.Get(ctx, k).Bytes()
	if err == redis.Nil {
		// The holder expired between SetNX and Get; claim the key outright.
		if err := s.client.Set(ctx, k, data, ttl).Err(); err != nil {
			return "", fmt.Errorf("redis set %q: %w", k, err)
		}
		return caseID, nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %q: %w", k, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", fmt.Errorf("unmarshal idempotency entry %q: %w", k, err)
	}
	if e.PayloadHash != payloadHash {
		return "", conflict(key)
	}
	return e.CaseID, nil
}

// HealthCheck pings Redis. The memory store needs no probe.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
