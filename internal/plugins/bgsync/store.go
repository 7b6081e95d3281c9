package bgsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// QueueStore 按队列名保存有序的 QueueEntry，头部为最早入队的条目。
type QueueStore interface {
	Push(ctx context.Context, queue string, entry QueueEntry) error
	Unshift(ctx context.Context, queue string, entry QueueEntry) error
	// Shift 取出头部条目，队列为空时返回 nil。
	Shift(ctx context.Context, queue string) (*QueueEntry, error)
	// Pop 取出尾部条目，队列为空时返回 nil。
	Pop(ctx context.Context, queue string) (*QueueEntry, error)
	Size(ctx context.Context, queue string) (int, error)
	All(ctx context.Context, queue string) ([]QueueEntry, error)
	Clear(ctx context.Context, queue string) error
}

// NewMemoryStore 返回进程内队列存储。
func NewMemoryStore() QueueStore {
	return &memoryStore{queues: make(map[string][]QueueEntry)}
}

type memoryStore struct {
	mu     sync.Mutex
	queues map[string][]QueueEntry
}

func (s *memoryStore) Push(ctx context.Context, queue string, entry QueueEntry) error {
	s.mu.Lock()
	s.queues[queue] = append(s.queues[queue], entry)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Unshift(ctx context.Context, queue string, entry QueueEntry) error {
	s.mu.Lock()
	s.queues[queue] = append([]QueueEntry{entry}, s.queues[queue]...)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Shift(ctx context.Context, queue string) (*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.queues[queue]
	if len(entries) == 0 {
		return nil, nil
	}
	entry := entries[0]
	s.queues[queue] = entries[1:]
	return &entry, nil
}

func (s *memoryStore) Pop(ctx context.Context, queue string) (*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.queues[queue]
	if len(entries) == 0 {
		return nil, nil
	}
	entry := entries[len(entries)-1]
	s.queues[queue] = entries[:len(entries)-1]
	return &entry, nil
}

func (s *memoryStore) Size(ctx context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[queue]), nil
}

func (s *memoryStore) All(ctx context.Context, queue string) ([]QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueueEntry(nil), s.queues[queue]...), nil
}

func (s *memoryStore) Clear(ctx context.Context, queue string) error {
	s.mu.Lock()
	delete(s.queues, queue)
	s.mu.Unlock()
	return nil
}

// DefaultRedisPrefix 是队列 LIST 的默认 key 前缀。
const DefaultRedisPrefix = "cachekit:bgsync"

// NewRedisStore 用每个队列一个 LIST 保存 JSON 编码的条目。
func NewRedisStore(client redis.UniversalClient, prefix string) QueueStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &redisStore{client: client, prefix: prefix}
}

type redisStore struct {
	client redis.UniversalClient
	prefix string
}

func (s *redisStore) key(queue string) string {
	return s.prefix + ":" + queue
}

func (s *redisStore) Push(ctx context.Context, queue string, entry QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key(queue), data).Err()
}

func (s *redisStore) Unshift(ctx context.Context, queue string, entry QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.LPush(ctx, s.key(queue), data).Err()
}

func (s *redisStore) Shift(ctx context.Context, queue string) (*QueueEntry, error) {
	return decodeEntry(s.client.LPop(ctx, s.key(queue)).Bytes())
}

func (s *redisStore) Pop(ctx context.Context, queue string) (*QueueEntry, error) {
	return decodeEntry(s.client.RPop(ctx, s.key(queue)).Bytes())
}

func (s *redisStore) Size(ctx context.Context, queue string) (int, error) {
	n, err := s.client.LLen(ctx, s.key(queue)).Result()
	return int(n), err
}

func (s *redisStore) All(ctx context.Context, queue string) ([]QueueEntry, error) {
	values, err := s.client.LRange(ctx, s.key(queue), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]QueueEntry, 0, len(values))
	for _, raw := range values {
		var entry QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *redisStore) Clear(ctx context.Context, queue string) error {
	return s.client.Del(ctx, s.key(queue)).Err()
}

func decodeEntry(data []byte, err error) (*QueueEntry, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry QueueEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
