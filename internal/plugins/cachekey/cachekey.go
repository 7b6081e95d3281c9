// Package cachekey 规范化缓存 key：移除不影响资源内容的跟踪参数，
// 让同一资源的不同链接落到同一缓存条目。
package cachekey

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/scope"
)

// Name 是配置中引用该插件的名称。
const Name = "cache-key"

// DefaultIgnoreParams 是默认忽略的查询参数模式。
var DefaultIgnoreParams = []string{"^utm_", "^fbclid$"}

// Options 是插件配置。
type Options struct {
	IgnoreParams []string `mapstructure:"ignore_params"`
}

// New 构建插件；IgnoreParams 为空时使用默认模式。
func New(opts Options) (plugin.Plugin, error) {
	patterns := opts.IgnoreParams
	if len(patterns) == 0 {
		patterns = DefaultIgnoreParams
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return plugin.Plugin{}, fmt.Errorf("compile ignore param %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}

	return plugin.Plugin{
		Name: Name,
		CacheKeyWillBeUsed: func(ctx context.Context, p plugin.CacheKeyParams) (*http.Request, error) {
			original := p.Request.URL.String()
			stripped := cache.StripParamsMatching(original, compiled)
			if stripped == original {
				return p.Request, nil
			}
			req, err := cache.RequestForURL(ctx, stripped, p.Request.Header)
			if err != nil {
				return nil, err
			}
			req.Method = p.Request.Method
			return req, nil
		},
	}, nil
}

func init() {
	plugin.MustRegister(Name, func(sc *scope.Scope, settings map[string]any) (plugin.Plugin, error) {
		var opts Options
		if err := plugin.Decode(settings, &opts); err != nil {
			return plugin.Plugin{}, err
		}
		return New(opts)
	})
}
