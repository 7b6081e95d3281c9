package expiration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/scope"
)

// Name 是配置中引用该插件的名称。
const Name = "expiration"

// ErrPrecacheCache 表示试图对预缓存使用过期插件。
var ErrPrecacheCache = errors.New("expiration cannot manage the precache cache")

var (
	defaultStoreMu sync.RWMutex
	defaultStore   = NewMemoryStore()
)

// SetDefaultStore 设置由配置构建的插件所使用的时间戳存储。
func SetDefaultStore(store TimestampStore) {
	if store == nil {
		return
	}
	defaultStoreMu.Lock()
	defaultStore = store
	defaultStoreMu.Unlock()
}

// DefaultStore 返回当前的默认时间戳存储。
func DefaultStore() TimestampStore {
	defaultStoreMu.RLock()
	defer defaultStoreMu.RUnlock()
	return defaultStore
}

// Options 是插件配置。
type Options struct {
	Config            `mapstructure:",squash"`
	PurgeOnQuotaError bool `mapstructure:"purge_on_quota_error"`
}

// ExpirationPlugin 为每个缓存懒加载一个 CacheExpiration。
type ExpirationPlugin struct {
	opts  Options
	scope *scope.Scope
	store TimestampStore
	now   func() time.Time

	mu          sync.Mutex
	expirations map[string]*CacheExpiration
}

// NewPlugin 构建插件；store 为空时使用 DefaultStore。
func NewPlugin(sc *scope.Scope, store TimestampStore, opts Options) (*ExpirationPlugin, error) {
	if opts.MaxEntries <= 0 && opts.MaxAge <= 0 {
		return nil, ErrNoLimits
	}
	if store == nil {
		store = DefaultStore()
	}
	p := &ExpirationPlugin{
		opts:        opts,
		scope:       sc,
		store:       store,
		now:         time.Now,
		expirations: make(map[string]*CacheExpiration),
	}
	if opts.PurgeOnQuotaError {
		cache.RegisterQuotaErrorCallback(p.DeleteCacheAndMetadata)
	}
	return p, nil
}

// Plugin 返回 hook 集合。
func (p *ExpirationPlugin) Plugin() plugin.Plugin {
	return plugin.Plugin{
		Name:                     Name,
		CachedResponseWillBeUsed: p.cachedResponseWillBeUsed,
		CacheDidUpdate:           p.cacheDidUpdate,
	}
}

// CacheExpiration 返回指定缓存的淘汰器。
func (p *ExpirationPlugin) CacheExpiration(cacheName string) (*CacheExpiration, error) {
	if p.scope != nil && cacheName == p.scope.CacheNames.PrecacheName("") {
		return nil, ErrPrecacheCache
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if exp, ok := p.expirations[cacheName]; ok {
		return exp, nil
	}
	var storage cache.Storage
	if p.scope != nil {
		storage = p.scope.Caches
	}
	exp, err := New(cacheName, storage, p.store, p.opts.Config)
	if err != nil {
		return nil, err
	}
	exp.now = p.now
	p.expirations[cacheName] = exp
	return exp, nil
}

func (p *ExpirationPlugin) cachedResponseWillBeUsed(ctx context.Context, params plugin.CachedResponseParams) (*http.Response, error) {
	if params.CachedResponse == nil {
		return nil, nil
	}
	exp, err := p.CacheExpiration(params.CacheName)
	if err != nil {
		return nil, err
	}
	fresh := p.isResponseDateFresh(params.CachedResponse)
	rawURL := params.Request.URL.String()

	params.WaitUntil(ctx, func(ctx context.Context) error {
		if _, err := exp.ExpireEntries(ctx); err != nil {
			return err
		}
		if !fresh {
			return nil
		}
		return exp.UpdateTimestamp(ctx, rawURL)
	})

	if !fresh {
		if params.CachedResponse.Body != nil {
			_ = params.CachedResponse.Body.Close()
		}
		return nil, nil
	}
	return params.CachedResponse, nil
}

func (p *ExpirationPlugin) cacheDidUpdate(ctx context.Context, params plugin.CacheUpdateParams) error {
	exp, err := p.CacheExpiration(params.CacheName)
	if err != nil {
		return err
	}
	if err := exp.UpdateTimestamp(ctx, params.Request.URL.String()); err != nil {
		return fmt.Errorf("update timestamp: %w", err)
	}
	_, err = exp.ExpireEntries(ctx)
	return err
}

// isResponseDateFresh 依据 Date 响应头判断；没有 MaxAge 或无法解析时视为新鲜。
func (p *ExpirationPlugin) isResponseDateFresh(resp *http.Response) bool {
	if p.opts.MaxAge <= 0 {
		return true
	}
	raw := resp.Header.Get("Date")
	if raw == "" {
		return true
	}
	date, err := http.ParseTime(raw)
	if err != nil {
		return true
	}
	return !date.Before(p.now().Add(-p.opts.MaxAge))
}

// DeleteCacheAndMetadata 删除所有受管缓存及其时间戳，作为配额回调使用。
func (p *ExpirationPlugin) DeleteCacheAndMetadata(ctx context.Context) error {
	p.mu.Lock()
	expirations := p.expirations
	p.expirations = make(map[string]*CacheExpiration)
	p.mu.Unlock()

	var errs []error
	for name, exp := range expirations {
		if p.scope != nil && p.scope.Caches != nil {
			if _, err := p.scope.Caches.Delete(ctx, name); err != nil {
				errs = append(errs, err)
			}
		}
		if err := exp.Delete(ctx); err != nil {
			errs = append(errs, err)
		}
		if p.scope != nil {
			p.scope.Log().WithFields(logrus.Fields{"plugin": Name, "cache": name}).Warn("expiration_cache_purged")
		}
	}
	return errors.Join(errs...)
}

func init() {
	plugin.MustRegister(Name, func(sc *scope.Scope, settings map[string]any) (plugin.Plugin, error) {
		var opts Options
		if err := plugin.Decode(settings, &opts); err != nil {
			return plugin.Plugin{}, err
		}
		p, err := NewPlugin(sc, nil, opts)
		if err != nil {
			return plugin.Plugin{}, err
		}
		return p.Plugin(), nil
	})
}
