package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/router"
	"github.com/any-hub/cachekit/internal/scope"
	"github.com/any-hub/cachekit/internal/strategy"
)

// DefaultConcurrency 是安装阶段的默认并发数。
const DefaultConcurrency = 10

// ErrNonPrecachedURL 表示 URL 不在清单中。
var ErrNonPrecachedURL = errors.New("url is not precached")

// Options 控制 Controller 行为。
type Options struct {
	// CacheName 为空时使用 scope 的 precache 命名。
	CacheName string
	Plugins   []plugin.Plugin
	// FallbackToNetwork 允许 fetch 阶段未命中时回源。
	FallbackToNetwork bool
	// Concurrency 为安装阶段的并发请求数，<=0 时使用 DefaultConcurrency。
	Concurrency int
}

// InstallResult 列出本次安装写入与跳过的 URL。
type InstallResult struct {
	UpdatedURLs    []string `json:"updatedURLs"`
	NotUpdatedURLs []string `json:"notUpdatedURLs"`
}

// CleanupResult 列出激活阶段删除的缓存 key。
type CleanupResult struct {
	DeletedCacheRequests []string `json:"deletedCacheRequests"`
}

// Controller 维护 URL → 缓存 key 的映射并驱动安装与清理。
type Controller struct {
	scope       *scope.Scope
	strategy    *strategy.Strategy
	concurrency int

	mu              sync.RWMutex
	order           []string
	urlsToCacheKeys map[string]string
	integrities     map[string]string
}

// NewController 创建 Controller，内部使用 PrecacheOnly 策略。
func NewController(sc *scope.Scope, opts Options) *Controller {
	if sc == nil {
		sc = &scope.Scope{}
	}
	c := &Controller{
		scope:           sc,
		concurrency:     opts.Concurrency,
		urlsToCacheKeys: make(map[string]string),
		integrities:     make(map[string]string),
	}
	if c.concurrency <= 0 {
		c.concurrency = DefaultConcurrency
	}
	plugins := append([]plugin.Plugin{c.cacheKeyPlugin()}, opts.Plugins...)
	c.strategy = strategy.NewPrecacheOnly(sc, strategy.Options{
		CacheName:         opts.CacheName,
		Plugins:           plugins,
		FallbackToNetwork: opts.FallbackToNetwork,
	})
	return c
}

// Strategy 返回 precache 使用的策略。
func (c *Controller) Strategy() *strategy.Strategy {
	return c.strategy
}

// CacheName 返回 precache 缓存名。
func (c *Controller) CacheName() string {
	return c.strategy.CacheName
}

// AddToCacheList 登记清单条目。同一 URL 重复登记时以最后一次为准。
func (c *Controller) AddToCacheList(entries []Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range entries {
		key, err := CreateCacheKey(entry, c.scope.Origin)
		if err != nil {
			return err
		}
		if previous, ok := c.urlsToCacheKeys[key.URL]; ok {
			if previous != key.CacheKey {
				c.scope.Log().WithFields(logrus.Fields{
					"url":      key.URL,
					"previous": previous,
					"current":  key.CacheKey,
				}).Warn("precache_entry_replaced")
			}
			delete(c.integrities, previous)
		} else {
			c.order = append(c.order, key.URL)
		}
		c.urlsToCacheKeys[key.URL] = key.CacheKey
		if entry.Integrity != "" {
			c.integrities[key.CacheKey] = entry.Integrity
		}
	}
	return nil
}

// Install 下载尚未缓存的条目。已存在的缓存 key 会被跳过，因此重复安装是幂等的。
// ev 为空时创建新的 install 事件。
func (c *Controller) Install(ctx context.Context, ev *scope.Event) (InstallResult, error) {
	if ev == nil {
		ev = scope.NewEvent(scope.EventInstall, nil, c.scope.Log())
	}

	existing, err := c.cachedKeys(ctx)
	if err != nil {
		return InstallResult{}, err
	}

	type job struct {
		url      string
		cacheKey string
	}
	var (
		result InstallResult
		jobs   []job
	)
	c.mu.RLock()
	for _, u := range c.order {
		key := c.urlsToCacheKeys[u]
		if _, ok := existing[key]; ok {
			result.NotUpdatedURLs = append(result.NotUpdatedURLs, u)
			continue
		}
		jobs = append(jobs, job{url: u, cacheKey: key})
	}
	c.mu.RUnlock()

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.concurrency)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			req, err := cache.RequestForURL(ctx, j.url, nil)
			if err != nil {
				return err
			}
			resp, done, err := c.strategy.HandleAll(ctx, strategy.HandleOptions{
				Event:   ev,
				Request: req,
				Params:  strategy.PrecacheParams{CacheKey: j.cacheKey, Integrity: c.GetIntegrityForCacheKey(j.cacheKey)},
			})
			if doneErr := <-done; err == nil && doneErr != nil {
				err = doneErr
			}
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			if err != nil {
				return fmt.Errorf("precache %s: %w", j.url, err)
			}
			mu.Lock()
			result.UpdatedURLs = append(result.UpdatedURLs, j.url)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	if err := ev.Wait(ctx); err != nil {
		return result, err
	}

	c.scope.Log().WithFields(logrus.Fields{
		"cache_name":  c.CacheName(),
		"updated":     len(result.UpdatedURLs),
		"not_updated": len(result.NotUpdatedURLs),
	}).Info("precache_installed")
	return result, nil
}

// Activate 删除缓存中不再属于清单的 key。
func (c *Controller) Activate(ctx context.Context) (CleanupResult, error) {
	store, err := c.scope.Caches.Open(ctx, c.CacheName())
	if err != nil {
		return CleanupResult{}, err
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return CleanupResult{}, err
	}

	expected := make(map[string]struct{})
	c.mu.RLock()
	for _, key := range c.urlsToCacheKeys {
		expected[key] = struct{}{}
	}
	c.mu.RUnlock()

	var result CleanupResult
	for _, req := range keys {
		href := req.URL.String()
		if _, ok := expected[href]; ok {
			continue
		}
		if _, err := store.Delete(ctx, req, cache.MatchOptions{}); err != nil {
			return result, err
		}
		result.DeletedCacheRequests = append(result.DeletedCacheRequests, href)
	}
	if len(result.DeletedCacheRequests) > 0 {
		c.scope.Log().WithField("deleted", len(result.DeletedCacheRequests)).Info("precache_cleaned")
	}
	return result, nil
}

// GetURLsToCacheKeys 返回 URL → 缓存 key 映射的副本。
func (c *Controller) GetURLsToCacheKeys() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.urlsToCacheKeys))
	for k, v := range c.urlsToCacheKeys {
		out[k] = v
	}
	return out
}

// GetCachedURLs 按登记顺序返回全部 URL。
func (c *Controller) GetCachedURLs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// GetCacheKeyForURL 返回 URL 对应的缓存 key，相对 URL 以 Origin 解析；不在清单中返回空串。
func (c *Controller) GetCacheKeyForURL(rawURL string) string {
	resolved, err := c.scope.Resolve(rawURL)
	if err != nil {
		return ""
	}
	resolved.Fragment = ""
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.urlsToCacheKeys[resolved.String()]
}

// GetIntegrityForCacheKey 返回缓存 key 对应的 SRI 值。
func (c *Controller) GetIntegrityForCacheKey(cacheKey string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.integrities[cacheKey]
}

// MatchPrecache 按 URL 查找 precache 中的响应，未命中返回 (nil, nil)。
func (c *Controller) MatchPrecache(ctx context.Context, rawURL string) (*http.Response, error) {
	key := c.GetCacheKeyForURL(rawURL)
	if key == "" {
		return nil, nil
	}
	req, err := cache.RequestForURL(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.scope.Caches.Match(ctx, req, cache.MatchOptions{CacheName: c.CacheName()})
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	return resp, err
}

// CreateHandlerBoundToURL 返回一个始终以 rawURL 的 precache 响应作答的处理器，常用于 SPA 导航回退。
func (c *Controller) CreateHandlerBoundToURL(rawURL string) (router.Handler, error) {
	key := c.GetCacheKeyForURL(rawURL)
	if key == "" {
		return nil, fmt.Errorf("%w: %s", ErrNonPrecachedURL, rawURL)
	}
	target, err := c.scope.Resolve(rawURL)
	if err != nil {
		return nil, err
	}
	href := target.String()
	return router.HandlerFunc(func(ctx context.Context, opts strategy.HandleOptions) (*http.Response, error) {
		req, err := cache.RequestForURL(ctx, href, nil)
		if err != nil {
			return nil, err
		}
		opts.Request = req
		opts.URL = req.URL
		opts.Params = strategy.PrecacheParams{CacheKey: key, Integrity: c.GetIntegrityForCacheKey(key)}
		return c.strategy.Handle(ctx, opts)
	}), nil
}

func (c *Controller) cachedKeys(ctx context.Context) (map[string]struct{}, error) {
	store, err := c.scope.Caches.Open(ctx, c.CacheName())
	if err != nil {
		return nil, err
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(keys))
	for _, req := range keys {
		out[req.URL.String()] = struct{}{}
	}
	return out, nil
}

// cacheKeyPlugin 把请求映射到带修订号的缓存 key：优先使用 params 中的 CacheKey，
// 否则按 URL 查清单，都没有时保持原请求。
func (c *Controller) cacheKeyPlugin() plugin.Plugin {
	return plugin.Plugin{
		Name: "precache-cache-key",
		CacheKeyWillBeUsed: func(ctx context.Context, p plugin.CacheKeyParams) (*http.Request, error) {
			key := ""
			if params, ok := p.Params.(strategy.PrecacheParams); ok {
				key = params.CacheKey
			}
			if key == "" {
				key = c.GetCacheKeyForURL(p.Request.URL.String())
			}
			if key == "" {
				return p.Request, nil
			}
			return cache.RequestForURL(ctx, key, p.Request.Header)
		},
	}
}
