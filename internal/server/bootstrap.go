package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/config"
	"github.com/any-hub/cachekit/internal/logging"
	"github.com/any-hub/cachekit/internal/plugins/bgsync"
	"github.com/any-hub/cachekit/internal/plugins/expiration"
	"github.com/any-hub/cachekit/internal/precache"
	"github.com/any-hub/cachekit/internal/router"
	"github.com/any-hub/cachekit/internal/scope"
	"github.com/any-hub/cachekit/internal/worker"
)

// Runtime 汇总一次启动构建出的全部组件。
type Runtime struct {
	Config   *config.Config
	Scope    *scope.Scope
	Worker   *worker.Worker
	Routes   *RouteRegistry
	Messages *MessageLog
	Fetch    scope.FetchFunc

	redis redis.UniversalClient
}

// Bootstrap 按“存储 → Scope → 路由绑定 → Worker”的顺序构建运行时。
func Bootstrap(cfg *config.Config, logger *logrus.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	rt := &Runtime{Config: cfg}
	backend, location, err := rt.openBackend(cfg.Global)
	if err != nil {
		return nil, err
	}

	rt.Messages = NewMessageLog(DefaultMessageCapacity, logger)
	rt.Fetch = NewFetcher(NewUpstreamClient(cfg))
	rt.Scope = &scope.Scope{
		Origin:     cfg.Global.OriginURL(),
		Fetch:      rt.Fetch,
		Caches:     cache.NewStorage(backend),
		CacheNames: cfg.Global.CacheNames(),
		Logger:     logger,
		Notifier:   rt.Messages,
	}

	rt.Routes, err = NewRouteRegistry(cfg, rt.Scope)
	if err != nil {
		rt.Close()
		return nil, err
	}

	opts, err := workerOptions(cfg.Global)
	if err != nil {
		rt.Close()
		return nil, err
	}
	opts.RuntimeCaching = rt.Routes.RuntimeCaching()

	rt.Worker, err = worker.New(rt.Scope, opts)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("build worker: %w", err)
	}

	logger.WithFields(logging.StorageFields(string(cfg.Global.Driver()), location, len(cfg.Routes))).
		Info("runtime_bootstrapped")
	return rt, nil
}

func (rt *Runtime) openBackend(g config.GlobalConfig) (cache.Backend, string, error) {
	switch g.Driver() {
	case config.StorageMemory:
		return cache.NewMemoryBackend(cache.MemoryOptions{MaxBytes: g.MaxMemoryCache}), "memory", nil
	case config.StorageRedis:
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     g.RedisAddr,
			Password: g.RedisPassword,
			DB:       g.RedisDB,
		})
		prefix := g.RedisPrefix
		if prefix == "" {
			prefix = cache.DefaultRedisPrefix
		}
		// 过期时间戳与后台同步队列与缓存共用同一个 redis，实例重启后仍可恢复。
		expiration.SetDefaultStore(expiration.NewRedisStore(rt.redis, prefix+":expiration"))
		bgsync.SetDefaultStore(bgsync.NewRedisStore(rt.redis, prefix+":bgsync"))
		return cache.NewRedisBackend(rt.redis, prefix), g.RedisAddr, nil
	default:
		backend, err := cache.NewFileBackend(g.StoragePath)
		if err != nil {
			return nil, "", fmt.Errorf("初始化缓存目录失败: %w", err)
		}
		return backend, g.StoragePath, nil
	}
}

func workerOptions(g config.GlobalConfig) (worker.Options, error) {
	opts := worker.Options{
		Precache:              precache.Options{FallbackToNetwork: g.PrecacheFallbackToNetwork},
		CleanupOutdatedCaches: g.CleanupOutdatedCaches,
		NavigateFallback:      g.NavigateFallback,
		InstallConcurrency:    g.InstallConcurrency,
	}

	if g.PrecacheManifest != "" {
		entries, err := precache.LoadManifest(g.PrecacheManifest)
		if err != nil {
			return opts, err
		}
		opts.PrecacheEntries = entries
	}

	routeOpts := precache.DefaultRouteOptions()
	if len(g.IgnoreURLParameters) > 0 {
		patterns, err := config.CompilePatterns(g.IgnoreURLParameters)
		if err != nil {
			return opts, err
		}
		routeOpts.IgnoreURLParametersMatching = patterns
	}
	opts.PrecacheOptions = &routeOpts

	var err error
	if opts.NavigateFallbackAllowlist, err = config.CompilePatterns(g.NavigateFallbackAllowlist); err != nil {
		return opts, err
	}
	if opts.NavigateFallbackDenylist, err = config.CompilePatterns(g.NavigateFallbackDenylist); err != nil {
		return opts, err
	}

	if g.OfflineFallback != "" {
		opts.Fallbacks = []precache.FallbackEntry{{URL: g.OfflineFallback, Matcher: router.IsNavigation}}
	}
	return opts, nil
}

// RunSyncLoop 按 SyncInterval 周期性重放后台同步队列，直到 ctx 结束。
func (rt *Runtime) RunSyncLoop(ctx context.Context) {
	interval := rt.Config.Global.SyncInterval.DurationValue()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rt.Worker.Sync(ctx, ""); err != nil {
				rt.Scope.Log().WithError(err).Warn("background_sync_failed")
			}
		}
	}
}

// Close 注销后台同步队列并释放外部连接。
func (rt *Runtime) Close() error {
	for _, name := range bgsync.Queues() {
		if q, ok := bgsync.Lookup(name); ok {
			q.Close()
		}
	}
	if rt.redis != nil {
		return rt.redis.Close()
	}
	return nil
}
