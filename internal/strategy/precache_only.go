package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/scope"
)

const KeyPrecacheOnly = "precache-only"

func init() {
	MustRegister(Kind{
		Key:         KeyPrecacheOnly,
		Description: "serve from the precache namespace; populate it during install",
		ReadsCache:  true,
		WritesCache: true,
		New:         NewPrecacheOnly,
	})
}

// PrecacheParams 由 precache 控制器作为 Handler params 传入。
type PrecacheParams struct {
	CacheKey  string
	Integrity string
}

// DefaultPrecacheCacheability 拒绝缓存状态码 >= 400 的响应。
var DefaultPrecacheCacheability = plugin.Plugin{
	Name: "precache-cacheability",
	CacheWillUpdate: func(ctx context.Context, p plugin.ResponseParams) (*http.Response, error) {
		if p.Response == nil || p.Response.StatusCode >= http.StatusBadRequest {
			return nil, nil
		}
		return p.Response, nil
	},
}

// NewPrecacheOnly 只在 precache 命名空间中查找。install 事件中请求网络并必须写入成功；
// fetch 事件未命中时仅在 FallbackToNetwork 为 true 时回源。
func NewPrecacheOnly(sc *scope.Scope, opts Options) *Strategy {
	if sc == nil {
		sc = &scope.Scope{}
	}
	opts.CacheName = sc.CacheNames.PrecacheName(opts.CacheName)
	if !plugin.AnyHas(opts.Plugins, plugin.HookCacheWillUpdate) {
		opts.Plugins = append(append([]plugin.Plugin(nil), opts.Plugins...), DefaultPrecacheCacheability)
	}

	fallback := opts.FallbackToNetwork
	return New(sc, KeyPrecacheOnly, opts, func(ctx context.Context, h *Handler) (*http.Response, error) {
		if h.isInstall() {
			return precacheInstall(ctx, h)
		}
		return precacheFetch(ctx, h, fallback)
	})
}

func precacheFetch(ctx context.Context, h *Handler, fallback bool) (*http.Response, error) {
	req := h.Request()
	cached, missErr, err := h.matchOrMiss(ctx, req)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}
	if !fallback {
		missing := fmt.Errorf("%w: %s (cache %s)", ErrMissingPrecacheEntry, urlString(h.URL()), h.strategy.CacheName)
		if missErr != nil {
			return nil, errors.Join(missing, missErr)
		}
		return nil, missing
	}

	h.logger().Debug("precache_fallback_network")
	resp, err := h.Fetch(ctx, req)
	if err != nil {
		return nil, noResponse(h, missErr, err)
	}

	params, _ := h.Params().(PrecacheParams)
	if params.Integrity == "" {
		return resp, nil
	}
	body, err := cache.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	if err := VerifyIntegrity(body, params.Integrity); err != nil {
		return nil, err
	}
	// 清单声明了完整性且校验通过时，顺带修复缺失的 precache 条目。
	if params.CacheKey != "" {
		clone, err := cache.CloneResponse(resp)
		if err != nil {
			return nil, err
		}
		h.WaitUntil(func(ctx context.Context) error {
			_, err := h.CachePut(ctx, req, clone)
			return err
		})
	}
	return resp, nil
}

func precacheInstall(ctx context.Context, h *Handler) (*http.Response, error) {
	req := h.Request()
	resp, err := h.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	params, _ := h.Params().(PrecacheParams)
	if params.Integrity != "" {
		body, err := cache.ReadBody(resp)
		if err != nil {
			return nil, err
		}
		if err := VerifyIntegrity(body, params.Integrity); err != nil {
			return nil, err
		}
	}

	clone, err := cache.CloneResponse(resp)
	if err != nil {
		return nil, err
	}
	stored, err := h.CachePut(ctx, req, clone)
	if err != nil {
		return nil, err
	}
	if !stored {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrBadPrecacheResponse, urlString(h.URL()), resp.StatusCode)
	}
	return resp, nil
}
