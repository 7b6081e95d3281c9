package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryOptions 控制内存后端的容量。
type MemoryOptions struct {
	// MaxBytes 为 0 表示不限制。
	MaxBytes int64
}

// NewMemoryBackend 构建进程内后端，适合测试或单实例部署。
func NewMemoryBackend(opts MemoryOptions) Backend {
	return &memoryBackend{
		maxBytes: opts.MaxBytes,
		caches:   make(map[string]map[string]*Record),
	}
}

type memoryBackend struct {
	mu       sync.RWMutex
	maxBytes int64
	used     int64
	order    []string
	caches   map[string]map[string]*Record
}

func (b *memoryBackend) CreateCache(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.caches[name]; ok {
		return nil
	}
	b.caches[name] = make(map[string]*Record)
	b.order = append(b.order, name)
	return nil
}

func (b *memoryBackend) HasCache(ctx context.Context, name string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.caches[name]
	return ok, nil
}

func (b *memoryBackend) DropCache(ctx context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, ok := b.caches[name]
	if !ok {
		return false, nil
	}
	for _, rec := range entries {
		b.used -= rec.Size()
	}
	delete(b.caches, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (b *memoryBackend) CacheNames(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.order...), nil
}

func (b *memoryBackend) Get(ctx context.Context, name, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries, ok := b.caches[name]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (b *memoryBackend) Set(ctx context.Context, name, key string, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, ok := b.caches[name]
	if !ok {
		entries = make(map[string]*Record)
		b.caches[name] = entries
		b.order = append(b.order, name)
	}
	var previous int64
	if old, ok := entries[key]; ok {
		previous = old.Size()
	}
	next := b.used - previous + rec.Size()
	if b.maxBytes > 0 && next > b.maxBytes {
		return ErrQuotaExceeded
	}
	entries[key] = copyRecord(rec)
	b.used = next
	return nil
}

func (b *memoryBackend) Remove(ctx context.Context, name, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, ok := b.caches[name]
	if !ok {
		return false, nil
	}
	rec, ok := entries[key]
	if !ok {
		return false, nil
	}
	b.used -= rec.Size()
	delete(entries, key)
	return true, nil
}

func (b *memoryBackend) List(ctx context.Context, name string) ([]*Record, error) {
	b.mu.RLock()
	entries := b.caches[name]
	result := make([]*Record, 0, len(entries))
	for _, rec := range entries {
		result = append(result, copyRecord(rec))
	}
	b.mu.RUnlock()
	sortRecords(result)
	return result, nil
}

func copyRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	cloned := *rec
	cloned.Header = rec.Header.Clone()
	cloned.Body = append([]byte(nil), rec.Body...)
	return &cloned
}

func sortRecords(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].StoredAt.Equal(records[j].StoredAt) {
			return records[i].URL < records[j].URL
		}
		return records[i].StoredAt.Before(records[j].StoredAt)
	})
}
