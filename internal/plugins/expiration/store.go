package expiration

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Timestamp 记录某个 URL 最近一次写入或访问的时间。
type Timestamp struct {
	URL string
	At  time.Time
}

// TimestampStore 保存每个缓存的 URL 时间戳，是过期判断的依据。
type TimestampStore interface {
	Set(ctx context.Context, cacheName, url string, at time.Time) error
	// Get 返回时间戳，不存在时 ok 为 false。
	Get(ctx context.Context, cacheName, url string) (at time.Time, ok bool, err error)
	// Entries 按时间从新到旧返回全部条目。
	Entries(ctx context.Context, cacheName string) ([]Timestamp, error)
	Delete(ctx context.Context, cacheName string, urls ...string) error
	Drop(ctx context.Context, cacheName string) error
}

// NewMemoryStore 返回进程内的 TimestampStore。
func NewMemoryStore() TimestampStore {
	return &memoryStore{caches: make(map[string]map[string]time.Time)}
}

type memoryStore struct {
	mu     sync.RWMutex
	caches map[string]map[string]time.Time
}

func (s *memoryStore) Set(ctx context.Context, cacheName, url string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.caches[cacheName]
	if !ok {
		entries = make(map[string]time.Time)
		s.caches[cacheName] = entries
	}
	entries[url] = at
	return nil
}

func (s *memoryStore) Get(ctx context.Context, cacheName, url string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.caches[cacheName][url]
	return at, ok, nil
}

func (s *memoryStore) Entries(ctx context.Context, cacheName string) ([]Timestamp, error) {
	s.mu.RLock()
	entries := make([]Timestamp, 0, len(s.caches[cacheName]))
	for url, at := range s.caches[cacheName] {
		entries = append(entries, Timestamp{URL: url, At: at})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].At.Equal(entries[j].At) {
			return entries[i].URL < entries[j].URL
		}
		return entries[i].At.After(entries[j].At)
	})
	return entries, nil
}

func (s *memoryStore) Delete(ctx context.Context, cacheName string, urls ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, url := range urls {
		delete(s.caches[cacheName], url)
	}
	return nil
}

func (s *memoryStore) Drop(ctx context.Context, cacheName string) error {
	s.mu.Lock()
	delete(s.caches, cacheName)
	s.mu.Unlock()
	return nil
}
