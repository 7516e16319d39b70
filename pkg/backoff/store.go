package backoff

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HistoryStore persists bounded per-device poll history. Append must be
// atomic per device; there is never a read-modify-write cycle.
type HistoryStore interface {
	Append(ctx context.Context, e Entry, window int, ttl time.Duration) error
	Recent(ctx context.Context, deviceID string, window int) ([]Entry, error)
}

// RedisHistoryStore keeps one list per device, newest first, trimmed and
// re-expired in the same MULTI as the push.
type RedisHistoryStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisHistoryStore(client redis.UniversalClient, prefix string) *RedisHistoryStore {
	return &RedisHistoryStore{client: client, prefix: prefix}
}

func (s *RedisHistoryStore) key(deviceID string) string {
	return s.prefix + "history:" + deviceID
}

func (s *RedisHistoryStore) Append(ctx context.Context, e Entry, window int, ttl time.Duration) error {
	key := s.key(e.DeviceID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, encodeEntry(e))
		pipe.LTrim(ctx, key, 0, int64(window-1))
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append poll history: %w", err)
	}
	return nil
}

func (s *RedisHistoryStore) Recent(ctx context.Context, deviceID string, window int) ([]Entry, error) {
	raw, err := s.client.LRange(ctx, s.key(deviceID), 0, int64(window-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read poll history: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		e, ok := decodeEntry(deviceID, item)
		if !ok {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Entries are stored as "<unix millis>:<0|1>".
func encodeEntry(e Entry) string {
	flag := "0"
	if e.HadResults {
		flag = "1"
	}
	return strconv.FormatInt(e.Timestamp.UnixMilli(), 10) + ":" + flag
}

func decodeEntry(deviceID, raw string) (Entry, bool) {
	ms, flag, ok := strings.Cut(raw, ":")
	if !ok {
		return Entry{}, false
	}
	ts, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return Entry{}, false
	}
	return Entry{DeviceID: deviceID, Timestamp: time.UnixMilli(ts), HadResults: flag == "1"}, true
}

// MemoryHistoryStore is a process-local HistoryStore for single-node runs.
type MemoryHistoryStore struct {
	mu      sync.Mutex
	entries map[string][]Entry
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{
		entries: make(map[string][]Entry),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryHistoryStore) Append(_ context.Context, e Entry, window int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(e.DeviceID)
	list := append([]Entry{e}, s.entries[e.DeviceID]...)
	if len(list) > window {
		list = list[:window]
	}
	s.entries[e.DeviceID] = list
	s.expires[e.DeviceID] = s.now().Add(ttl)
	return nil
}

func (s *MemoryHistoryStore) Recent(_ context.Context, deviceID string, window int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(deviceID)
	list := s.entries[deviceID]
	if len(list) > window {
		list = list[:window]
	}
	return append([]Entry(nil), list...), nil
}

func (s *MemoryHistoryStore) evictLocked(deviceID string) {
	if exp, ok := s.expires[deviceID]; ok && s.now().After(exp) {
		delete(s.entries, deviceID)
		delete(s.expires, deviceID)
	}
}

var (
	_ HistoryStore = (*RedisHistoryStore)(nil)
	_ HistoryStore = (*MemoryHistoryStore)(nil)
)
