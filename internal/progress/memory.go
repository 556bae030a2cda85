package progress

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps progress in process. Later writes replace earlier ones.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry), now: time.Now}
}

func (m *MemoryStore) SaveProgress(ctx context.Context, videoID string, timeStamp float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[videoID] = Entry{VideoID: videoID, TimeStamp: timeStamp, UpdatedAt: m.now()}
	return nil
}

func (m *MemoryStore) LoadProgress(ctx context.Context, videoID string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[videoID].TimeStamp, nil
}

// Entries returns every saved position ordered by video id.
func (m *MemoryStore) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VideoID < out[j].VideoID })
	return out
}
