// Package worker 把 precache、路由、运行时缓存与后台同步组装成一个完整的 worker，
// 并以 install / activate / fetch / message / sync 事件的形式对外提供。
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/plugins/bgsync"
	"github.com/any-hub/cachekit/internal/precache"
	"github.com/any-hub/cachekit/internal/router"
	"github.com/any-hub/cachekit/internal/scope"
	"github.com/any-hub/cachekit/internal/strategy"
)

// MessageCacheURLs 是让 worker 预热一组 URL 的消息类型。
const MessageCacheURLs = "CACHE_URLS"

var (
	// ErrUnknownMessage 表示消息类型未知。
	ErrUnknownMessage = errors.New("unknown worker message")
	// ErrUnknownSyncTag 表示 sync tag 没有对应的队列。
	ErrUnknownSyncTag = errors.New("unknown sync tag")
)

// RuntimeCaching 描述一条运行时缓存规则，Matcher 可以是 router.ParseRoute 支持的任意 capture。
type RuntimeCaching struct {
	Name    string
	Matcher any
	Method  string
	Handler router.Handler
}

// Options 配置 Worker。
type Options struct {
	PrecacheEntries []precache.Entry
	// PrecacheOptions 为空时使用 precache.DefaultRouteOptions。
	PrecacheOptions *precache.RouteOptions
	Precache        precache.Options

	CleanupOutdatedCaches bool

	// NavigateFallback 是一个已 precache 的 URL，用于响应未命中的导航请求。
	NavigateFallback          string
	NavigateFallbackAllowlist []*regexp.Regexp
	NavigateFallbackDenylist  []*regexp.Regexp

	RuntimeCaching []RuntimeCaching
	// Fallbacks 会挂到每个运行时策略上，并自动加入 precache 清单。
	Fallbacks []precache.FallbackEntry

	InstallConcurrency int
}

// ActivateResult 汇总 activate 阶段删除的内容。
type ActivateResult struct {
	precache.CleanupResult
	DeletedCaches []string `json:"deletedCaches,omitempty"`
}

// Message 是客户端发给 worker 的消息。
type Message struct {
	Type    string         `json:"type"`
	Payload MessagePayload `json:"payload"`
}

// MessagePayload 目前只有 CACHE_URLS 使用。
type MessagePayload struct {
	URLsToCache []router.CacheURLEntry `json:"urlsToCache"`
}

// ParseMessage 解码 JSON 消息。
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode worker message: %w", err)
	}
	return msg, nil
}

// Worker 是组装完成的运行时。
type Worker struct {
	scope    *scope.Scope
	opts     Options
	router   *router.Router
	precache *precache.Controller
	events   scope.Tasks
}

// New 构建 Worker 并注册路由。注册顺序：precache 路由、导航回退、运行时规则。
func New(sc *scope.Scope, opts Options) (*Worker, error) {
	if sc == nil {
		sc = &scope.Scope{}
	}
	w := &Worker{scope: sc, opts: opts, router: router.New(sc)}
	w.events.Logger = sc.Log()

	pcOpts := opts.Precache
	if opts.InstallConcurrency > 0 {
		pcOpts.Concurrency = opts.InstallConcurrency
	}
	w.precache = precache.NewController(sc, pcOpts)

	entries := append([]precache.Entry(nil), opts.PrecacheEntries...)
	entries = appendFallbackEntries(entries, opts.Fallbacks)
	if err := w.precache.AddToCacheList(entries); err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		routeOpts := precache.DefaultRouteOptions()
		if opts.PrecacheOptions != nil {
			routeOpts = *opts.PrecacheOptions
		}
		w.router.RegisterRoute(precache.NewPrecacheRoute(w.precache, routeOpts))
	}

	if opts.NavigateFallback != "" {
		handler, err := w.precache.CreateHandlerBoundToURL(opts.NavigateFallback)
		if err != nil {
			return nil, fmt.Errorf("navigate fallback: %w", err)
		}
		w.router.RegisterRoute(router.NewNavigationRoute(handler, router.NavigationOptions{
			Allowlist: opts.NavigateFallbackAllowlist,
			Denylist:  opts.NavigateFallbackDenylist,
		}))
	}

	var fallback *plugin.Plugin
	if len(opts.Fallbacks) > 0 {
		p := precache.FallbackPlugin(w.precache, opts.Fallbacks)
		fallback = &p
	}
	for _, rc := range opts.RuntimeCaching {
		if rc.Handler == nil {
			return nil, fmt.Errorf("runtime caching %q: missing handler", rc.Name)
		}
		handler := rc.Handler
		if s, ok := handler.(*strategy.Strategy); ok && fallback != nil {
			handler = s.WithPlugins(*fallback)
		}
		route, err := router.ParseRoute(sc, rc.Matcher, handler, rc.Method)
		if err != nil {
			return nil, fmt.Errorf("runtime caching %q: %w", rc.Name, err)
		}
		if rc.Name != "" {
			route.Name = rc.Name
		}
		w.router.RegisterRoute(route)
	}
	return w, nil
}

func appendFallbackEntries(entries []precache.Entry, fallbacks []precache.FallbackEntry) []precache.Entry {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		seen[e.URL] = struct{}{}
	}
	for _, fb := range fallbacks {
		if _, ok := seen[fb.URL]; ok || fb.URL == "" {
			continue
		}
		seen[fb.URL] = struct{}{}
		entries = append(entries, precache.Entry{URL: fb.URL})
	}
	return entries
}

// Router 返回 worker 使用的路由器。
func (w *Worker) Router() *router.Router {
	return w.router
}

// Precache 返回 precache 控制器。
func (w *Worker) Precache() *precache.Controller {
	return w.precache
}

// Scope 返回运行时上下文。
func (w *Worker) Scope() *scope.Scope {
	return w.scope
}

// Install 执行 install 事件：下载清单中尚未缓存的资源。
func (w *Worker) Install(ctx context.Context) (precache.InstallResult, error) {
	ev := scope.NewEvent(scope.EventInstall, nil, w.scope.Log())
	result, err := w.precache.Install(ctx, ev)
	if err != nil {
		w.scope.Log().WithError(err).Error("worker_install_failed")
		return result, err
	}
	return result, nil
}

// Activate 执行 activate 事件：清理清单外的 precache 条目，按需删除旧版本 precache 缓存。
func (w *Worker) Activate(ctx context.Context) (ActivateResult, error) {
	cleanup, err := w.precache.Activate(ctx)
	result := ActivateResult{CleanupResult: cleanup}
	if err != nil {
		return result, err
	}
	if w.opts.CleanupOutdatedCaches {
		deleted, err := precache.CleanupOutdatedCaches(ctx, w.scope.Caches, w.scope.CacheNames)
		result.DeletedCaches = deleted
		if err != nil {
			return result, err
		}
		if len(deleted) > 0 {
			w.scope.Log().WithField("caches", deleted).Info("outdated_caches_deleted")
		}
	}
	return result, nil
}

// HandleFetch 执行 fetch 事件。没有路由接管时返回 router.ErrNotHandled，调用方应直接回源。
// 事件的扩展任务由 Drain 统一等待。
func (w *Worker) HandleFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	ev := scope.NewEvent(scope.EventFetch, req, w.scope.Log())
	resp, err := w.router.HandleRequest(ctx, ev)
	w.track(ctx, ev)
	return resp, err
}

// HandleMessage 执行 message 事件。
func (w *Worker) HandleMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageCacheURLs:
		ev := scope.NewEvent(scope.EventMessage, nil, w.scope.Log())
		ev.Data = msg
		err := w.router.CacheURLs(ctx, ev, msg.Payload.URLsToCache)
		w.track(ctx, ev)
		w.scope.Log().WithFields(logrus.Fields{
			"type": msg.Type,
			"urls": len(msg.Payload.URLsToCache),
		}).Info("worker_message_handled")
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownMessage, msg.Type)
	}
}

// Sync 执行 sync 事件；tag 为空时重放全部队列。
func (w *Worker) Sync(ctx context.Context, tag string) error {
	if tag == "" {
		return bgsync.ReplayAll(ctx)
	}
	q, ok := bgsync.QueueForTag(tag)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSyncTag, tag)
	}
	return q.Sync(ctx)
}

// Drain 等待所有 fetch / message 事件的扩展任务结束。
func (w *Worker) Drain(ctx context.Context) error {
	return w.events.Wait(ctx)
}

// Pending 返回尚未结束扩展任务的事件数。
func (w *Worker) Pending() int {
	return w.events.Pending()
}

func (w *Worker) track(ctx context.Context, ev *scope.Event) {
	if ev.Pending() == 0 {
		return
	}
	w.events.Go(ctx, ev.Wait)
}
