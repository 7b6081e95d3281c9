package strategy

import (
	"context"
	"net/http"

	"github.com/any-hub/cachekit/internal/scope"
)

const KeyNetworkOnly = "network-only"

func init() {
	MustRegister(Kind{
		Key:         KeyNetworkOnly,
		Description: "always use the network",
		New:         NewNetworkOnly,
	})
}

// NewNetworkOnly 只请求网络，不读写缓存。
func NewNetworkOnly(sc *scope.Scope, opts Options) *Strategy {
	timeout := opts.NetworkTimeout
	return New(sc, KeyNetworkOnly, opts, func(ctx context.Context, h *Handler) (*http.Response, error) {
		resp, err := h.FetchWithTimeout(ctx, h.Request(), timeout)
		if err != nil {
			return nil, noResponse(h, err)
		}
		return resp, nil
	})
}
