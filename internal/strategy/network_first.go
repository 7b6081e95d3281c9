package strategy

import (
	"context"
	"net/http"
	"time"

	"github.com/any-hub/cachekit/internal/scope"
)

const KeyNetworkFirst = "network-first"

func init() {
	MustRegister(Kind{
		Key:         KeyNetworkFirst,
		Description: "prefer the network, fall back to cache on failure or timeout",
		ReadsCache:  true,
		WritesCache: true,
		New:         NewNetworkFirst,
	})
}

// NewNetworkFirst 优先请求网络并写入缓存。NetworkTimeout 到期时改为查缓存：
// 命中则立即返回，网络结果仍会在后台写入；未命中则继续等待网络。
func NewNetworkFirst(sc *scope.Scope, opts Options) *Strategy {
	timeout := opts.NetworkTimeout
	return New(sc, KeyNetworkFirst, opts, func(ctx context.Context, h *Handler) (*http.Response, error) {
		req := h.Request()

		results := h.fetchAsync(ctx, req)
		drainLater := func() {
			h.WaitUntil(func(context.Context) error {
				drainResult(results)
				return nil
			})
		}

		var timeoutC <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			timeoutC = timer.C
		}

		select {
		case res := <-results:
			if res.err == nil {
				return res.resp, nil
			}
			cached, missErr, err := h.matchOrMiss(ctx, req)
			if err != nil {
				return nil, err
			}
			if cached != nil {
				return cached, nil
			}
			return nil, noResponse(h, res.err, missErr)

		case <-timeoutC:
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

		case <-ctx.Done():
			drainLater()
			return nil, noResponse(h, ctx.Err())
		}
	})
}
