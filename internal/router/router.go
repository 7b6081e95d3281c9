// Package router 把请求分派给匹配的 Handler。路由按方法分组，按注册顺序首个匹配生效；
// 注册与注销可以与请求处理并发进行，匹配总是基于快照。
package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/scope"
	"github.com/any-hub/cachekit/internal/strategy"
)

var (
	// ErrNotHandled 表示没有路由或默认处理器接管该请求，调用方应直接回源。
	ErrNotHandled = errors.New("request not handled by router")
	// ErrRouteMethodNotFound 表示注销的路由方法下没有任何路由。
	ErrRouteMethodNotFound = errors.New("no routes registered for method")
	// ErrRouteNotRegistered 表示注销的路由不存在。
	ErrRouteNotRegistered = errors.New("route not registered")
)

// defaultCacheURLsConcurrency 限制 CACHE_URLS 消息的并发预取数。
const defaultCacheURLsConcurrency = 8

// Router 维护路由表与默认/兜底处理器。
type Router struct {
	scope *scope.Scope

	mu              sync.RWMutex
	routes          map[string][]*Route
	defaultHandlers map[string]Handler
	catchHandler    Handler
}

// New 创建 Router。
func New(sc *scope.Scope) *Router {
	if sc == nil {
		sc = &scope.Scope{}
	}
	return &Router{
		scope:           sc,
		routes:          make(map[string][]*Route),
		defaultHandlers: make(map[string]Handler),
	}
}

// RegisterRoute 追加路由。
func (r *Router) RegisterRoute(route *Route) {
	if route == nil {
		return
	}
	route.Method = normalizeMethod(route.Method)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route.Method] = append(r.routes[route.Method], route)
}

// RegisterCapture 通过 ParseRoute 构建并注册路由。
func (r *Router) RegisterCapture(capture any, handler Handler, method string) (*Route, error) {
	route, err := ParseRoute(r.scope, capture, handler, method)
	if err != nil {
		return nil, err
	}
	r.RegisterRoute(route)
	return route, nil
}

// UnregisterRoute 移除路由（按指针比较）。
func (r *Router) UnregisterRoute(route *Route) error {
	if route == nil {
		return ErrRouteNotRegistered
	}
	method := normalizeMethod(route.Method)

	r.mu.Lock()
	defer r.mu.Unlock()

	routes, ok := r.routes[method]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRouteMethodNotFound, method)
	}
	for i, existing := range routes {
		if existing != route {
			continue
		}
		next := make([]*Route, 0, len(routes)-1)
		next = append(next, routes[:i]...)
		next = append(next, routes[i+1:]...)
		if len(next) == 0 {
			delete(r.routes, method)
		} else {
			r.routes[method] = next
		}
		return nil
	}
	return ErrRouteNotRegistered
}

// SetDefaultHandler 设置某方法下未匹配任何路由时使用的处理器，method 为空表示 GET。
func (r *Router) SetDefaultHandler(h Handler, method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultHandlers[normalizeMethod(method)] = h
}

// SetCatchHandler 设置全局兜底处理器。
func (r *Router) SetCatchHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catchHandler = h
}

// Routes 返回路由表副本。
func (r *Router) Routes() map[string][]*Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]*Route, len(r.routes))
	for method, routes := range r.routes {
		out[method] = append([]*Route(nil), routes...)
	}
	return out
}

// FindMatchingRoute 返回首个匹配的路由与规整后的 params。
func (r *Router) FindMatchingRoute(mc MatchContext) (*Route, any) {
	if mc.Request == nil {
		return nil, nil
	}
	if mc.URL == nil {
		mc.URL = mc.Request.URL
	}

	r.mu.RLock()
	routes := r.routes[normalizeMethod(mc.Request.Method)]
	r.mu.RUnlock()

	for _, route := range routes {
		if route.Match == nil {
			continue
		}
		if params, ok := route.Match(mc); ok {
			return route, normalizeParams(params)
		}
	}
	return nil, nil
}

// HandleRequest 路由 ev.Request。没有路由或默认处理器时返回 ErrNotHandled。
func (r *Router) HandleRequest(ctx context.Context, ev *scope.Event) (*http.Response, error) {
	if ev == nil || ev.Request == nil {
		return nil, ErrNotHandled
	}
	return r.handle(ctx, ev, ev.Request)
}

func (r *Router) handle(ctx context.Context, ev *scope.Event, req *http.Request) (*http.Response, error) {
	u := req.URL
	if u == nil || (!strings.EqualFold(u.Scheme, "http") && !strings.EqualFold(u.Scheme, "https")) {
		return nil, ErrNotHandled
	}

	mc := MatchContext{URL: u, Request: req, Event: ev, SameOrigin: r.scope.SameOrigin(u)}
	route, params := r.FindMatchingRoute(mc)

	var handler Handler
	if route != nil {
		handler = route.Handler
	}

	r.mu.RLock()
	if handler == nil {
		handler = r.defaultHandlers[normalizeMethod(req.Method)]
	}
	catchHandler := r.catchHandler
	r.mu.RUnlock()

	if handler == nil {
		return nil, ErrNotHandled
	}

	logger := r.scope.Log().WithFields(logrus.Fields{"url": u.String(), "method": req.Method})
	if route != nil {
		logger.WithField("route", route.Name).Debug("route_matched")
	} else {
		logger.Debug("route_default_handler")
	}

	opts := strategy.HandleOptions{Event: ev, Request: req, URL: u, Params: params}
	resp, err := handler.Handle(ctx, opts)
	if err == nil {
		return resp, nil
	}

	if route != nil && route.CatchHandler != nil {
		logger.WithError(err).Debug("route_catch_handler")
		resp, catchErr := route.CatchHandler.Handle(ctx, opts)
		if catchErr == nil {
			return resp, nil
		}
		err = catchErr
	}
	if catchHandler != nil {
		logger.WithError(err).Debug("router_catch_handler")
		return catchHandler.Handle(ctx, strategy.HandleOptions{Event: ev, Request: req, URL: u})
	}
	return nil, err
}

// CacheURLEntry 描述 CACHE_URLS 消息中的一个 URL 及可选请求头。
type CacheURLEntry struct {
	URL    string      `json:"url"`
	Header http.Header `json:"header,omitempty"`
}

// CacheURLs 把一组 URL 当作普通请求并发送入路由，让匹配的策略写入缓存。
// 未被路由接管的 URL 会被跳过；返回第一个处理失败的错误。
func (r *Router) CacheURLs(ctx context.Context, ev *scope.Event, entries []CacheURLEntry) error {
	var g errgroup.Group
	g.SetLimit(defaultCacheURLsConcurrency)

	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			target, err := r.scope.Resolve(entry.URL)
			if err != nil {
				return fmt.Errorf("cache url %s: %w", entry.URL, err)
			}
			req, err := cache.RequestForURL(ctx, target.String(), entry.Header)
			if err != nil {
				return fmt.Errorf("cache url %s: %w", entry.URL, err)
			}
			resp, err := r.handle(ctx, ev, req)
			if errors.Is(err, ErrNotHandled) {
				return nil
			}
			if err != nil {
				r.scope.Log().WithError(err).WithField("url", target.String()).Warn("cache_url_failed")
				return err
			}
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			return nil
		})
	}
	return g.Wait()
}
