package strategy

import (
	"context"
	"net/http"

	"github.com/any-hub/cachekit/internal/scope"
)

const KeyCacheFirst = "cache-first"

func init() {
	MustRegister(Kind{
		Key:         KeyCacheFirst,
		Description: "serve from cache, fall back to the network and cache the result",
		ReadsCache:  true,
		WritesCache: true,
		New:         NewCacheFirst,
	})
}

// NewCacheFirst 优先返回缓存；未命中时请求网络并写入缓存。
// Revalidate 为 true 时命中后仍在后台刷新。
func NewCacheFirst(sc *scope.Scope, opts Options) *Strategy {
	revalidate := opts.Revalidate
	return New(sc, KeyCacheFirst, opts, func(ctx context.Context, h *Handler) (*http.Response, error) {
		req := h.Request()
		cached, missErr, err := h.matchOrMiss(ctx, req)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			if revalidate {
				h.WaitUntil(func(ctx context.Context) error {
					resp, err := h.FetchAndCachePut(ctx, req)
					if resp != nil {
						resp.Body.Close()
					}
					return err
				})
			}
			return cached, nil
		}

		resp, err := h.FetchAndCachePut(ctx, req)
		if err != nil {
			return nil, noResponse(h, missErr, err)
		}
		return resp, nil
	})
}
