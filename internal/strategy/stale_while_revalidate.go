package strategy

import (
	"context"
	"net/http"

	"github.com/any-hub/cachekit/internal/scope"
)

const KeyStaleWhileRevalidate = "stale-while-revalidate"

func init() {
	MustRegister(Kind{
		Key:         KeyStaleWhileRevalidate,
		Description: "serve cache immediately and refresh it from the network",
		ReadsCache:  true,
		WritesCache: true,
		New:         NewStaleWhileRevalidate,
	})
}

// NewStaleWhileRevalidate 并发查缓存与请求网络：命中直接返回缓存，网络结果在后台写入；
// 未命中时等待网络。
func NewStaleWhileRevalidate(sc *scope.Scope, opts Options) *Strategy {
	return New(sc, KeyStaleWhileRevalidate, opts, func(ctx context.Context, h *Handler) (*http.Response, error) {
		req := h.Request()

		results := h.fetchAsync(ctx, req)
		drainLater := func() {
			h.WaitUntil(func(context.Context) error {
				drainResult(results)
				return nil
			})
		}

		cached, cacheErr, err := h.matchOrMiss(ctx, req)
		if err != nil {
			drainLater()
			return nil, err
		}
		if cached != nil {
			drainLater()
			return cached, nil
		}

		select {
		case res := <-results:
			if res.err != nil {
				return nil, noResponse(h, res.err, cacheErr)
			}
			return res.resp, nil
		case <-ctx.Done():
			drainLater()
			return nil, noResponse(h, ctx.Err())
		}
	})
}
