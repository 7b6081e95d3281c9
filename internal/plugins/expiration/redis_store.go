package expiration

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix 是时间戳 ZSET 的默认 key 前缀。
const DefaultRedisPrefix = "cachekit:expiration"

// NewRedisStore 用每个缓存一个 ZSET 保存时间戳，member 为 URL，score 为毫秒时间。
func NewRedisStore(client redis.UniversalClient, prefix string) TimestampStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &redisStore{client: client, prefix: prefix}
}

type redisStore struct {
	client redis.UniversalClient
	prefix string
}

func (s *redisStore) key(cacheName string) string {
	return s.prefix + ":" + cacheName
}

func (s *redisStore) Set(ctx context.Context, cacheName, url string, at time.Time) error {
	return s.client.ZAdd(ctx, s.key(cacheName), redis.Z{Score: float64(at.UnixMilli()), Member: url}).Err()
}

func (s *redisStore) Get(ctx context.Context, cacheName, url string) (time.Time, bool, error) {
	score, err := s.client.ZScore(ctx, s.key(cacheName), url).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}

func (s *redisStore) Entries(ctx context.Context, cacheName string) ([]Timestamp, error) {
	members, err := s.client.ZRevRangeWithScores(ctx, s.key(cacheName), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Timestamp, 0, len(members))
	for _, m := range members {
		url, ok := m.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, Timestamp{URL: url, At: time.UnixMilli(int64(m.Score))})
	}
	return entries, nil
}

func (s *redisStore) Delete(ctx context.Context, cacheName string, urls ...string) error {
	if len(urls) == 0 {
		return nil
	}
	members := make([]any, len(urls))
	for i, url := range urls {
		members[i] = url
	}
	return s.client.ZRem(ctx, s.key(cacheName), members...).Err()
}

func (s *redisStore) Drop(ctx context.Context, cacheName string) error {
	return s.client.Del(ctx, s.key(cacheName)).Err()
}
