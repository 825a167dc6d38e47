package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	apperrors "github.com/kagent-dev/sage/pkg/errors"
)

// MemoryStore keeps entries and session records in process memory. It backs
// ephemeral runs and tests; nothing survives a restart.
type MemoryStore struct {
	// writeMu serializes the compare-then-set in Put; reads go straight to
	// go-cache, which is safe for concurrent use.
	writeMu  sync.Mutex
	entries  *gocache.Cache
	sessions *gocache.Cache
}

// NewMemoryStore creates an empty in-memory store. Entries never expire;
// freshness is decided at read time.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  gocache.New(gocache.NoExpiration, 0),
		sessions: gocache.New(gocache.NoExpiration, 0),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	value, ok := s.entries.Get(NormalizeKey(key))
	if !ok {
		return nil, nil
	}
	entry := value.(Entry)
	return &entry, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, entry Entry) error {
	key = NormalizeKey(key)
	entry.Key = key

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if current, ok := s.entries.Get(key); ok && current.(Entry).Timestamp.After(entry.Timestamp) {
		return nil
	}
	s.entries.Set(key, entry, gocache.NoExpiration)
	return nil
}

func (s *MemoryStore) SaveSession(_ context.Context, record SessionRecord) error {
	if err := s.sessions.Add(record.SessionID, record, gocache.NoExpiration); err != nil {
		return apperrors.New(apperrors.ErrCodeCacheWrite, fmt.Sprintf("session %s already recorded", record.SessionID), err)
	}
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*SessionRecord, error) {
	value, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, nil
	}
	record := value.(SessionRecord)
	return &record, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, limit int) ([]SessionRecord, error) {
	items := s.sessions.Items()
	records := make([]SessionRecord, 0, len(items))
	for _, item := range items {
		records = append(records, item.Object.(SessionRecord))
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartTime.After(records[j].StartTime)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *MemoryStore) Close() error {
	s.entries.Flush()
	s.sessions.Flush()
	return nil
}
