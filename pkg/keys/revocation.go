package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revocation records why and when a device was cut off.
type Revocation struct {
	DeviceID  string    `json:"device_id"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
}

// RevocationStore is the shared denylist consulted before any derived key is
// trusted. Implementations must be safe for concurrent use.
type RevocationStore interface {
	Lookup(ctx context.Context, deviceID string) (*Revocation, error)
	Revoke(ctx context.Context, rev Revocation) error
	Clear(ctx context.Context, deviceID string) error
}

// RedisRevocationStore keeps one key per revoked device with no TTL; entries
// live until the re-registration flow clears them.
type RedisRevocationStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRevocationStore(client redis.UniversalClient, prefix string) *RedisRevocationStore {
	return &RedisRevocationStore{client: client, prefix: prefix}
}

func (s *RedisRevocationStore) key(deviceID string) string {
	return s.prefix + "revoked:" + deviceID
}

func (s *RedisRevocationStore) Lookup(ctx context.Context, deviceID string) (*Revocation, error) {
	raw, err := s.client.Get(ctx, s.key(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup revocation: %w", err)
	}
	var rev Revocation
	if err := json.Unmarshal(raw, &rev); err != nil {
		// A key we cannot parse still means the device was revoked.
		return &Revocation{DeviceID: deviceID, Reason: "unparseable revocation record"}, nil
	}
	return &rev, nil
}

func (s *RedisRevocationStore) Revoke(ctx context.Context, rev Revocation) error {
	data, err := json.Marshal(rev)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(rev.DeviceID), data, 0).Err(); err != nil {
		return fmt.Errorf("store revocation: %w", err)
	}
	return nil
}

func (s *RedisRevocationStore) Clear(ctx context.Context, deviceID string) error {
	if err := s.client.Del(ctx, s.key(deviceID)).Err(); err != nil {
		return fmt.Errorf("clear revocation: %w", err)
	}
	return nil
}

// MemoryRevocationStore is a process-local denylist for single-node and
// agent use.
type MemoryRevocationStore struct {
	mu      sync.RWMutex
	revoked map[string]Revocation
}

func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{revoked: make(map[string]Revocation)}
}

func (s *MemoryRevocationStore) Lookup(_ context.Context, deviceID string) (*Revocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.revoked[deviceID]
	if !ok {
		return nil, nil
	}
	return &rev, nil
}

func (s *MemoryRevocationStore) Revoke(_ context.Context, rev Revocation) error {
	s.mu.Lock()
	s.revoked[rev.DeviceID] = rev
	s.mu.Unlock()
	return nil
}

func (s *MemoryRevocationStore) Clear(_ context.Context, deviceID string) error {
	s.mu.Lock()
	delete(s.revoked, deviceID)
	s.mu.Unlock()
	return nil
}

var (
	_ RevocationStore = (*RedisRevocationStore)(nil)
	_ RevocationStore = (*MemoryRevocationStore)(nil)
)
