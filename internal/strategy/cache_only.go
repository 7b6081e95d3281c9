package strategy

import (
	"context"
	"net/http"

	"github.com/any-hub/cachekit/internal/scope"
)

const KeyCacheOnly = "cache-only"

func init() {
	MustRegister(Kind{
		Key:         KeyCacheOnly,
		Description: "serve from cache only",
		ReadsCache:  true,
		New:         NewCacheOnly,
	})
}

// NewCacheOnly 只读缓存，未命中即失败。
func NewCacheOnly(sc *scope.Scope, opts Options) *Strategy {
	return New(sc, KeyCacheOnly, opts, func(ctx context.Context, h *Handler) (*http.Response, error) {
		cached, missErr, err := h.matchOrMiss(ctx, h.Request())
		if err != nil {
			return nil, err
		}
		if cached == nil {
			return nil, noResponse(h, missErr)
		}
		return cached, nil
	})
}
