// Package scope 描述策略引擎运行所依赖的宿主环境：网络 fetch、命名缓存、
// 同源判断、生命周期事件与扩展任务。所有组件都显式接收 *Scope，而不是读取全局状态。
package scope

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachekit/internal/cache"
)

// FetchFunc 即网络层，语义与 fetch() 相同：返回响应或网络错误。
type FetchFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// ErrNoFetch 表示 Scope 未配置网络层。
var ErrNoFetch = errors.New("scope has no fetch function")

// Scope 是一次部署共享的运行时上下文。
type Scope struct {
	// Origin 是被缓存站点的源，用于同源判断与相对 URL 解析。
	Origin     *url.URL
	Fetch      FetchFunc
	Caches     cache.Storage
	CacheNames cache.Names
	Logger     *logrus.Logger
	Notifier   Notifier
}

// Log 返回 Scope 的 logger，未配置时回退到 logrus 标准 logger。
func (s *Scope) Log() *logrus.Logger {
	if s == nil || s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

// DoFetch 调用网络层。
func (s *Scope) DoFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if s == nil || s.Fetch == nil {
		return nil, ErrNoFetch
	}
	return s.Fetch(ctx, req)
}

// SameOrigin 判断 u 是否与 Scope 同源（scheme + host）。
func (s *Scope) SameOrigin(u *url.URL) bool {
	if s == nil || s.Origin == nil || u == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, s.Origin.Scheme) && strings.EqualFold(u.Host, s.Origin.Host)
}

// Resolve 以 Origin 为基准解析 ref，已是绝对 URL 时原样返回。
func (s *Scope) Resolve(ref string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if parsed.IsAbs() || s == nil || s.Origin == nil {
		return parsed, nil
	}
	return s.Origin.ResolveReference(parsed), nil
}

// Notify 通过 Notifier 推送消息，未配置时静默忽略。
func (s *Scope) Notify(ctx context.Context, msg Message) error {
	if s == nil || s.Notifier == nil {
		return nil
	}
	return s.Notifier.Notify(ctx, msg)
}
