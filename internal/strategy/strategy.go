// Package strategy 实现缓存策略执行引擎：Handler 封装 fetch 与缓存读写的插件流水线，
// Strategy 负责响应阶段与完成阶段的编排，各具体策略只描述取响应的顺序。
package strategy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/scope"
)

// FetchOptions 会合并进每个网络请求。
type FetchOptions struct {
	Header http.Header
}

// Options 是所有策略共享的构造参数。
type Options struct {
	// CacheName 为空时使用运行时缓存名。
	CacheName    string
	Plugins      []plugin.Plugin
	FetchOptions FetchOptions
	MatchOptions cache.MatchOptions
	// NetworkTimeout 仅 NetworkFirst / NetworkOnly 使用，0 表示不限制。
	NetworkTimeout time.Duration
	// Revalidate 让 CacheFirst 命中后在后台刷新缓存。
	Revalidate bool
	// FallbackToNetwork 让 PrecacheOnly 在未命中时回源。
	FallbackToNetwork bool
}

// HandleOptions 描述一次待处理的请求。Request 为空时取 Event.Request。
type HandleOptions struct {
	Event   *scope.Event
	Request *http.Request
	URL     *url.URL
	Params  any
}

// RunFunc 是具体策略取响应的逻辑。
type RunFunc func(ctx context.Context, h *Handler) (*http.Response, error)

// Strategy 组合公共配置与具体策略逻辑。
type Strategy struct {
	Name           string
	CacheName      string
	Plugins        []plugin.Plugin
	FetchOptions   FetchOptions
	MatchOptions   cache.MatchOptions
	NetworkTimeout time.Duration

	scope *scope.Scope
	run   RunFunc
}

// New 构建自定义策略。
func New(sc *scope.Scope, name string, opts Options, run RunFunc) *Strategy {
	if sc == nil {
		sc = &scope.Scope{}
	}
	cacheName := sc.CacheNames.RuntimeName(opts.CacheName)
	return &Strategy{
		Name:           name,
		CacheName:      cacheName,
		Plugins:        append([]plugin.Plugin(nil), opts.Plugins...),
		FetchOptions:   opts.FetchOptions,
		MatchOptions:   opts.MatchOptions,
		NetworkTimeout: opts.NetworkTimeout,
		scope:          sc,
		run:            run,
	}
}

// WithPlugins 返回追加了插件的浅拷贝，原策略的插件列表不受影响。
func (s *Strategy) WithPlugins(extra ...plugin.Plugin) *Strategy {
	clone := *s
	clone.Plugins = append(append(make([]plugin.Plugin, 0, len(s.Plugins)+len(extra)), s.Plugins...), extra...)
	return &clone
}

// Scope 返回策略绑定的运行时上下文。
func (s *Strategy) Scope() *scope.Scope {
	return s.scope
}

// Handle 处理请求并返回响应；完成阶段登记到事件上（若有）。
func (s *Strategy) Handle(ctx context.Context, opts HandleOptions) (*http.Response, error) {
	resp, done, err := s.HandleAll(ctx, opts)
	if opts.Event != nil {
		opts.Event.WaitUntil(ctx, func(context.Context) error {
			return <-done
		})
	}
	return resp, err
}

// HandleAll 返回响应、完成信号与错误。完成信号在 HandlerDidComplete 执行完毕后
// 送出完成阶段的错误（可能为 nil）并关闭。
func (s *Strategy) HandleAll(ctx context.Context, opts HandleOptions) (*http.Response, <-chan error, error) {
	h := newHandler(ctx, s, opts)
	start := time.Now()

	resp, err := s.respond(ctx, h)
	HandleDuration.WithLabelValues(s.Name).Observe(time.Since(start).Seconds())

	source := h.responseSource()
	if err != nil {
		source = sourceError
	}
	ResponsesTotal.WithLabelValues(s.Name, source).Inc()

	done := make(chan error, 1)
	go func() {
		done <- s.complete(context.WithoutCancel(ctx), h, resp, err)
		close(done)
	}()
	return resp, done, err
}

func (s *Strategy) respond(ctx context.Context, h *Handler) (*http.Response, error) {
	var (
		resp *http.Response
		err  error
	)

	err = s.runWillStart(ctx, h)
	if err == nil {
		resp, err = s.run(ctx, h)
		if err == nil && resp == nil {
			err = &NoResponseError{Strategy: s.Name, URL: urlString(h.url)}
		}
	}

	if err != nil {
		original := err
		for i, p := range h.plugins {
			if p.HandlerDidError == nil {
				continue
			}
			fallback, hookErr := p.HandlerDidError(ctx, plugin.ErrorParams{Env: h.env(i), Request: h.request, Error: original})
			if hookErr != nil {
				return nil, pluginErr(p, plugin.HookHandlerDidError, hookErr)
			}
			if fallback != nil {
				resp = fallback
				h.setSource(sourceFallback)
				break
			}
		}
		if resp == nil {
			return nil, original
		}
	}

	for i, p := range h.plugins {
		if p.HandlerWillRespond == nil {
			continue
		}
		next, hookErr := p.HandlerWillRespond(ctx, plugin.ResponseParams{Env: h.env(i), Request: h.request, Response: resp})
		if hookErr != nil {
			return nil, pluginErr(p, plugin.HookHandlerWillRespond, hookErr)
		}
		if next != nil {
			resp = next
		}
	}
	return resp, nil
}

func (s *Strategy) runWillStart(ctx context.Context, h *Handler) error {
	for i, p := range h.plugins {
		if p.HandlerWillStart == nil {
			continue
		}
		if err := p.HandlerWillStart(ctx, plugin.HandlerParams{Env: h.env(i), Request: h.request}); err != nil {
			return pluginErr(p, plugin.HookHandlerWillStart, err)
		}
	}
	return nil
}

func (s *Strategy) complete(ctx context.Context, h *Handler, resp *http.Response, respErr error) error {
	defer h.Destroy()

	var completeErr error
	for i, p := range h.plugins {
		if p.HandlerDidRespond == nil {
			continue
		}
		if err := p.HandlerDidRespond(ctx, plugin.ResultParams{Env: h.env(i), Request: h.request, Response: resp}); err != nil {
			completeErr = pluginErr(p, plugin.HookHandlerDidRespond, err)
			break
		}
	}

	if err := h.DoneWaiting(ctx); err != nil && completeErr == nil {
		completeErr = err
	}

	for i, p := range h.plugins {
		if p.HandlerDidComplete == nil {
			continue
		}
		params := plugin.ResultParams{Env: h.env(i), Request: h.request, Response: resp, Error: respErr}
		if err := p.HandlerDidComplete(ctx, params); err != nil && completeErr == nil {
			completeErr = pluginErr(p, plugin.HookHandlerDidComplete, err)
		}
	}

	entry := h.logger().WithField("source", h.responseSource())
	switch {
	case respErr != nil:
		entry.WithError(respErr).Debug("strategy_failed")
	case completeErr != nil:
		entry.WithError(completeErr).Warn("strategy_complete_failed")
	default:
		entry.Debug("strategy_complete")
	}
	return completeErr
}

func urlString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

// noResponse 合并缓存与网络的失败原因。
func noResponse(h *Handler, errs ...error) error {
	return &NoResponseError{Strategy: h.strategy.Name, URL: urlString(h.url), Err: errors.Join(errs...)}
}

// Fields 返回策略日志通用字段。
func Fields(name, cacheName, rawURL string) logrus.Fields {
	return logrus.Fields{
		"strategy":   name,
		"cache_name": cacheName,
		"url":        rawURL,
	}
}
