package precache

import (
	"context"
	"net/http"

	"github.com/any-hub/cachekit/internal/plugin"
)

// FallbackEntry 描述一个回退资源：Matcher 为空时匹配所有请求。
type FallbackEntry struct {
	URL     string
	Matcher func(req *http.Request) bool
}

// FallbackPlugin 在策略失败时返回第一个匹配的 precache 回退资源，例如离线页面。
func FallbackPlugin(c *Controller, entries []FallbackEntry) plugin.Plugin {
	return plugin.Plugin{
		Name: "precache-fallback",
		HandlerDidError: func(ctx context.Context, p plugin.ErrorParams) (*http.Response, error) {
			for _, entry := range entries {
				if entry.Matcher != nil && (p.Request == nil || !entry.Matcher(p.Request)) {
					continue
				}
				resp, err := c.MatchPrecache(ctx, entry.URL)
				if err != nil {
					return nil, err
				}
				if resp != nil {
					return resp, nil
				}
			}
			return nil, nil
		},
	}
}
