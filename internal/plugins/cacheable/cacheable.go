// Package cacheable 根据状态码与响应头决定响应是否可以写入缓存。
package cacheable

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/scope"
)

// Name 是配置中引用该插件的名称。
const Name = "cacheable"

// ErrNoCriteria 表示既没有配置状态码也没有配置响应头。
var ErrNoCriteria = errors.New("cacheable response requires statuses or headers")

// Options 是插件配置，Headers 中任意一个头的值完全相等即视为匹配。
type Options struct {
	Statuses []int             `mapstructure:"statuses"`
	Headers  map[string]string `mapstructure:"headers"`
}

// CacheableResponse 按状态码与响应头判断可缓存性。
type CacheableResponse struct {
	statuses []int
	headers  map[string]string
}

// New 构建判定器，至少需要一项条件。
func New(opts Options) (*CacheableResponse, error) {
	if len(opts.Statuses) == 0 && len(opts.Headers) == 0 {
		return nil, ErrNoCriteria
	}
	return &CacheableResponse{statuses: opts.Statuses, headers: opts.Headers}, nil
}

// IsResponseCacheable 先检查状态码，再检查响应头。
func (c *CacheableResponse) IsResponseCacheable(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	cacheable := true
	if len(c.statuses) > 0 {
		cacheable = slices.Contains(c.statuses, resp.StatusCode)
	}
	if len(c.headers) > 0 && cacheable {
		cacheable = false
		for name, value := range c.headers {
			if resp.Header.Get(name) == value {
				cacheable = true
				break
			}
		}
	}
	return cacheable
}

// Plugin 把判定器接入 CacheWillUpdate。
func (c *CacheableResponse) Plugin() plugin.Plugin {
	return plugin.Plugin{
		Name: Name,
		CacheWillUpdate: func(ctx context.Context, p plugin.ResponseParams) (*http.Response, error) {
			if c.IsResponseCacheable(p.Response) {
				return p.Response, nil
			}
			return nil, nil
		},
	}
}

func init() {
	plugin.MustRegister(Name, func(sc *scope.Scope, settings map[string]any) (plugin.Plugin, error) {
		var opts Options
		if err := plugin.Decode(settings, &opts); err != nil {
			return plugin.Plugin{}, err
		}
		c, err := New(opts)
		if err != nil {
			return plugin.Plugin{}, err
		}
		return c.Plugin(), nil
	})
}
