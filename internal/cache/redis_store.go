package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix 是未配置前缀时使用的 key 命名空间。
const DefaultRedisPrefix = "cachekit"

// NewRedisBackend 构建 Redis 后端：
//
//	<prefix>:caches        ZSET，成员为缓存名，score 为创建时间（纳秒），保证顺序
//	<prefix>:cache:<name>  HASH，field 为 URL，value 为 JSON 编码的 Record
func NewRedisBackend(client redis.UniversalClient, prefix string) Backend {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &redisBackend{client: client, prefix: prefix}
}

type redisBackend struct {
	client redis.UniversalClient
	prefix string
}

func (b *redisBackend) namesKey() string {
	return b.prefix + ":caches"
}

func (b *redisBackend) cacheKey(name string) string {
	return b.prefix + ":cache:" + name
}

func (b *redisBackend) CreateCache(ctx context.Context, name string) error {
	member := redis.Z{Score: float64(time.Now().UnixNano()), Member: name}
	if err := b.client.ZAddNX(ctx, b.namesKey(), member).Err(); err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	return nil
}

func (b *redisBackend) HasCache(ctx context.Context, name string) (bool, error) {
	_, err := b.client.ZScore(ctx, b.namesKey(), name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis zscore: %w", err)
	}
	return true, nil
}

func (b *redisBackend) DropCache(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, b.namesKey(), name)
		pipe.Del(ctx, b.cacheKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis drop cache: %w", err)
	}
	return removed.Val() > 0, nil
}

func (b *redisBackend) CacheNames(ctx context.Context) ([]string, error) {
	names, err := b.client.ZRange(ctx, b.namesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return names, nil
}

func (b *redisBackend) Get(ctx context.Context, name, key string) (*Record, error) {
	data, err := b.client.HGet(ctx, b.cacheKey(name), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode cache record: %w", err)
	}
	return &rec, nil
}

func (b *redisBackend) Set(ctx context.Context, name, key string, rec *Record) error {
	if rec == nil {
		return errors.New("cache record cannot be nil")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}
	member := redis.Z{Score: float64(time.Now().UnixNano()), Member: name}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, b.namesKey(), member)
		pipe.HSet(ctx, b.cacheKey(name), key, data)
		return nil
	})
	if err != nil {
		if isOOM(err) {
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (b *redisBackend) Remove(ctx context.Context, name, key string) (bool, error) {
	n, err := b.client.HDel(ctx, b.cacheKey(name), key).Result()
	if err != nil {
		return false, fmt.Errorf("redis hdel: %w", err)
	}
	return n > 0, nil
}

func (b *redisBackend) List(ctx context.Context, name string) ([]*Record, error) {
	values, err := b.client.HGetAll(ctx, b.cacheKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	result := make([]*Record, 0, len(values))
	for _, raw := range values {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		result = append(result, &rec)
	}
	sortRecords(result)
	return result, nil
}

// isOOM 识别 maxmemory 触发的写入拒绝，映射为配额错误。
func isOOM(err error) bool {
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		return len(msg) >= 3 && msg[:3] == "OOM"
	}
	return false
}
