// Package expiration 按条目数量与存活时间淘汰运行时缓存。
package expiration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/any-hub/cachekit/internal/cache"
)

// ErrNoLimits 表示 MaxEntries 与 MaxAge 都未设置。
var ErrNoLimits = errors.New("expiration requires max_entries or max_age")

// Config 描述淘汰条件，至少设置一项。
type Config struct {
	MaxEntries int           `mapstructure:"max_entries"`
	MaxAge     time.Duration `mapstructure:"max_age"`
}

// CacheExpiration 维护单个缓存的时间戳并执行淘汰。
type CacheExpiration struct {
	cacheName string
	cfg       Config
	storage   cache.Storage
	store     TimestampStore
	now       func() time.Time

	mu             sync.Mutex
	running        bool
	rerunRequested bool
}

// New 构建指定缓存的 CacheExpiration；store 为空时使用内存实现。
func New(cacheName string, storage cache.Storage, store TimestampStore, cfg Config) (*CacheExpiration, error) {
	if cfg.MaxEntries <= 0 && cfg.MaxAge <= 0 {
		return nil, ErrNoLimits
	}
	if cacheName == "" {
		return nil, errors.New("expiration requires a cache name")
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &CacheExpiration{
		cacheName: cacheName,
		cfg:       cfg,
		storage:   storage,
		store:     store,
		now:       time.Now,
	}, nil
}

// CacheName 返回被管理的缓存名称。
func (e *CacheExpiration) CacheName() string {
	return e.cacheName
}

// ExpireEntries 删除超龄条目以及超出 MaxEntries 的最旧条目，返回被删除的 URL。
// 执行期间的重复调用会合并为结束后的一次重跑。
func (e *CacheExpiration) ExpireEntries(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	if e.running {
		e.rerunRequested = true
		e.mu.Unlock()
		return nil, nil
	}
	e.running = true
	e.mu.Unlock()

	var all []string
	for {
		removed, err := e.expireOnce(ctx)
		all = append(all, removed...)

		e.mu.Lock()
		rerun := e.rerunRequested && err == nil
		e.rerunRequested = false
		if !rerun {
			e.running = false
		}
		e.mu.Unlock()

		if err != nil || !rerun {
			return all, err
		}
	}
}

func (e *CacheExpiration) expireOnce(ctx context.Context) ([]string, error) {
	entries, err := e.store.Entries(ctx, e.cacheName)
	if err != nil {
		return nil, fmt.Errorf("list timestamps: %w", err)
	}

	var minTimestamp time.Time
	if e.cfg.MaxAge > 0 {
		minTimestamp = e.now().Add(-e.cfg.MaxAge)
	}

	var (
		expired []string
		kept    int
	)
	for _, entry := range entries {
		tooOld := e.cfg.MaxAge > 0 && entry.At.Before(minTimestamp)
		tooMany := e.cfg.MaxEntries > 0 && kept >= e.cfg.MaxEntries
		if tooOld || tooMany {
			expired = append(expired, entry.URL)
			continue
		}
		kept++
	}
	if len(expired) == 0 {
		return nil, nil
	}

	if err := e.store.Delete(ctx, e.cacheName, expired...); err != nil {
		return nil, fmt.Errorf("delete timestamps: %w", err)
	}
	if e.storage == nil {
		return expired, nil
	}
	c, err := e.storage.Open(ctx, e.cacheName)
	if err != nil {
		return expired, err
	}
	for _, rawURL := range expired {
		req, err := cache.RequestForURL(ctx, rawURL, nil)
		if err != nil {
			continue
		}
		if _, err := c.Delete(ctx, req, cache.MatchOptions{}); err != nil {
			return expired, fmt.Errorf("delete %s: %w", rawURL, err)
		}
	}
	return expired, nil
}

// UpdateTimestamp 把 URL 的时间戳更新为当前时间。
func (e *CacheExpiration) UpdateTimestamp(ctx context.Context, rawURL string) error {
	return e.store.Set(ctx, e.cacheName, rawURL, e.now())
}

// IsURLExpired 仅在设置了 MaxAge 时有意义；没有时间戳的 URL 视为已过期。
func (e *CacheExpiration) IsURLExpired(ctx context.Context, rawURL string) (bool, error) {
	if e.cfg.MaxAge <= 0 {
		return false, errors.New("is url expired requires max_age")
	}
	at, ok, err := e.store.Get(ctx, e.cacheName, rawURL)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return at.Before(e.now().Add(-e.cfg.MaxAge)), nil
}

// Delete 删除时间戳数据，不影响缓存内容。
func (e *CacheExpiration) Delete(ctx context.Context) error {
	return e.store.Drop(ctx, e.cacheName)
}
