package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/scope"
)

// revisionParam 由 precache 追加到缓存 key 上，比对旧响应时需要忽略。
const revisionParam = "__WB_REVISION__"

// Phase 描述 Handler 所处阶段。
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseFetching          Phase = "fetching"
	PhaseSucceeded         Phase = "succeeded"
	PhaseFailed            Phase = "failed"
	PhaseExtensionsPending Phase = "extensions_pending"
	PhaseDone              Phase = "done"
)

// 响应来源，用于指标与日志。
const (
	sourceCache    = "cache"
	sourceNetwork  = "network"
	sourceFallback = "fallback"
	sourceError    = "error"
)

// Handler 是一次请求处理的执行上下文：封装 fetch / 缓存读写与插件回调，
// 并跟踪本次处理派生的扩展任务。每个请求创建一个，处理结束后销毁。
type Handler struct {
	strategy *Strategy
	scope    *scope.Scope
	event    *scope.Event
	request  *http.Request
	url      *url.URL
	params   any
	baseCtx  context.Context

	plugins []plugin.Plugin
	states  []*plugin.State
	tasks   scope.Tasks

	mu     sync.Mutex
	phase  Phase
	source string
	keys   map[string]*http.Request
}

func newHandler(ctx context.Context, s *Strategy, opts HandleOptions) *Handler {
	req := opts.Request
	if req == nil && opts.Event != nil {
		req = opts.Event.Request
	}
	u := opts.URL
	if u == nil && req != nil {
		u = req.URL
	}

	states := make([]*plugin.State, len(s.Plugins))
	for i := range states {
		states[i] = plugin.NewState()
	}

	h := &Handler{
		strategy: s,
		scope:    s.scope,
		event:    opts.Event,
		request:  req,
		url:      u,
		params:   opts.Params,
		baseCtx:  ctx,
		plugins:  s.Plugins,
		states:   states,
		phase:    PhaseIdle,
		keys:     make(map[string]*http.Request),
	}
	h.tasks.Logger = s.scope.Log()
	return h
}

// NewHandler 供自定义策略或测试直接构建 Handler。
func NewHandler(ctx context.Context, s *Strategy, opts HandleOptions) *Handler {
	return newHandler(ctx, s, opts)
}

func (h *Handler) Request() *http.Request { return h.request }

func (h *Handler) URL() *url.URL { return h.url }

func (h *Handler) Params() any { return h.params }

func (h *Handler) Event() *scope.Event { return h.event }

func (h *Handler) Scope() *scope.Scope { return h.scope }

func (h *Handler) Strategy() *Strategy { return h.strategy }

// PendingTasks 返回尚未结束的扩展任务数量。
func (h *Handler) PendingTasks() int { return h.tasks.Pending() }

func (h *Handler) logger() *logrus.Entry {
	return h.scope.Log().WithFields(h.fields())
}

func (h *Handler) isInstall() bool {
	return h.event != nil && h.event.Kind == scope.EventInstall
}

func (h *Handler) env(i int) plugin.Env {
	return plugin.Env{Scope: h.scope, Event: h.event, State: h.states[i], Params: h.params, Waiter: h}
}

// Phase 返回当前阶段。
func (h *Handler) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

func (h *Handler) setPhase(p Phase) {
	h.mu.Lock()
	h.phase = p
	h.mu.Unlock()
}

func (h *Handler) setSource(source string) {
	h.mu.Lock()
	h.source = source
	h.mu.Unlock()
}

func (h *Handler) responseSource() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.source
}

// Fetch 依次执行 RequestWillFetch、网络请求与 FetchDidSucceed；失败时执行 FetchDidFail
// 并返回 *NetworkError。传入的请求不会被修改。
func (h *Handler) Fetch(ctx context.Context, input *http.Request) (*http.Response, error) {
	if input == nil {
		return nil, errors.New("fetch requires a request")
	}
	req, err := cache.CloneRequest(ctx, input)
	if err != nil {
		return nil, err
	}
	for key, values := range h.strategy.FetchOptions.Header {
		req.Header[key] = append([]string(nil), values...)
	}

	var original *http.Request
	if plugin.AnyHas(h.plugins, plugin.HookFetchDidFail) {
		if original, err = cache.CloneRequest(ctx, req); err != nil {
			return nil, err
		}
	}

	for i, p := range h.plugins {
		if p.RequestWillFetch == nil {
			continue
		}
		next, err := p.RequestWillFetch(ctx, plugin.RequestParams{Env: h.env(i), Request: req})
		if err != nil {
			return nil, pluginErr(p, plugin.HookRequestWillFetch, err)
		}
		if next != nil {
			req = next
		}
	}

	h.setPhase(PhaseFetching)
	var pluginFailReq *http.Request
	if original != nil {
		if pluginFailReq, err = cache.CloneRequest(ctx, req); err != nil {
			return nil, err
		}
	}

	resp, fetchErr := h.scope.DoFetch(ctx, req)
	if fetchErr == nil && resp == nil {
		fetchErr = errors.New("network returned no response")
	}
	if fetchErr != nil {
		h.setPhase(PhaseFailed)
		NetworkFetches.WithLabelValues(h.strategy.Name, "failure").Inc()
		for i, p := range h.plugins {
			if p.FetchDidFail == nil {
				continue
			}
			params := plugin.FetchFailParams{
				Env:             h.env(i),
				OriginalRequest: original,
				Request:         pluginFailReq,
				Error:           fetchErr,
			}
			if err := p.FetchDidFail(ctx, params); err != nil {
				h.logger().WithError(pluginErr(p, plugin.HookFetchDidFail, err)).Warn("plugin_hook_failed")
			}
		}
		return nil, &NetworkError{URL: req.URL.String(), Err: fetchErr}
	}

	for i, p := range h.plugins {
		if p.FetchDidSucceed == nil {
			continue
		}
		next, err := p.FetchDidSucceed(ctx, plugin.FetchParams{Env: h.env(i), Request: req, Response: resp})
		if err != nil {
			resp.Body.Close()
			h.setPhase(PhaseFailed)
			return nil, pluginErr(p, plugin.HookFetchDidSucceed, err)
		}
		if next != nil {
			resp = next
		}
	}

	h.setPhase(PhaseSucceeded)
	h.setSource(sourceNetwork)
	NetworkFetches.WithLabelValues(h.strategy.Name, "success").Inc()
	return resp, nil
}

type fetchResult struct {
	resp *http.Response
	err  error
}

// FetchWithTimeout 让网络请求与计时器赛跑。超时后网络请求继续在后台完成，
// 迟到的响应体会被关闭，调用方得到包装 ErrTimeout 的 *NetworkError。
func (h *Handler) FetchWithTimeout(ctx context.Context, req *http.Request, timeout time.Duration) (*http.Response, error) {
	if timeout <= 0 {
		return h.Fetch(ctx, req)
	}

	results := make(chan fetchResult, 1)
	go func() {
		resp, err := h.Fetch(ctx, req)
		results <- fetchResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		return res.resp, res.err
	case <-timer.C:
		go drainResult(results)
		return nil, &NetworkError{URL: req.URL.String(), Err: fmt.Errorf("%w after %s", ErrTimeout, timeout)}
	case <-ctx.Done():
		go drainResult(results)
		return nil, &NetworkError{URL: req.URL.String(), Err: ctx.Err()}
	}
}

func drainResult(results <-chan fetchResult) {
	res := <-results
	if res.resp != nil && res.resp.Body != nil {
		res.resp.Body.Close()
	}
}

// FetchAndCachePut 发起网络请求，并把响应副本的缓存写入登记为扩展任务。
func (h *Handler) FetchAndCachePut(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := h.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	clone, err := cache.CloneResponse(resp)
	if err != nil {
		return nil, err
	}
	h.WaitUntil(func(ctx context.Context) error {
		_, err := h.CachePut(ctx, req, clone)
		return err
	})
	return resp, nil
}

// fetchAsync 在请求 ctx 上运行 FetchAndCachePut，取消会中断进行中的网络请求。
// 请求本身作为待完成任务登记，只有随后的缓存写入是与请求解耦的扩展任务。
func (h *Handler) fetchAsync(ctx context.Context, req *http.Request) <-chan fetchResult {
	results := make(chan fetchResult, 1)
	done := make(chan struct{})
	h.tasks.Track(done)
	if h.event != nil {
		h.event.Track(done)
	}
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				results <- fetchResult{err: fmt.Errorf("fetch panic: %v", r)}
			}
		}()
		resp, err := h.FetchAndCachePut(ctx, req)
		results <- fetchResult{resp: resp, err: err}
	}()
	return results
}

// matchOrMiss 供需要回退的策略使用：插件错误原样返回（fatal），
// 其余缓存读取失败记录日志后视为未命中，并通过 missErr 交给调用方合并进 NoResponseError。
func (h *Handler) matchOrMiss(ctx context.Context, req *http.Request) (resp *http.Response, missErr error, fatal error) {
	resp, err := h.CacheMatch(ctx, req)
	if err == nil {
		return resp, nil, nil
	}
	var pe *PluginError
	if errors.As(err, &pe) {
		return nil, nil, err
	}
	h.logger().WithError(err).Warn("cache_match_failed")
	return nil, err, nil
}

// CacheMatch 计算读 key 并查找缓存，随后执行 CachedResponseWillBeUsed。未命中返回 (nil, nil)。
func (h *Handler) CacheMatch(ctx context.Context, key *http.Request) (*http.Response, error) {
	effective, err := h.CacheKey(ctx, key, plugin.ModeRead)
	if err != nil {
		return nil, err
	}

	opts := h.strategy.MatchOptions
	opts.CacheName = h.strategy.CacheName

	resp, err := h.scope.Caches.Match(ctx, effective, opts)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		CacheLookups.WithLabelValues(h.strategy.Name, "error").Inc()
		return nil, fmt.Errorf("cache match %s: %w", effective.URL, err)
	}
	if errors.Is(err, cache.ErrNotFound) {
		resp = nil
	}

	for i, p := range h.plugins {
		if p.CachedResponseWillBeUsed == nil {
			continue
		}
		params := plugin.CachedResponseParams{
			Env:            h.env(i),
			CacheName:      h.strategy.CacheName,
			Request:        effective,
			CachedResponse: resp,
			MatchOptions:   opts,
		}
		next, err := p.CachedResponseWillBeUsed(ctx, params)
		if err != nil {
			return nil, pluginErr(p, plugin.HookCachedResponseWillBeUsed, err)
		}
		resp = next
	}

	if resp == nil {
		CacheLookups.WithLabelValues(h.strategy.Name, "miss").Inc()
		return nil, nil
	}
	CacheLookups.WithLabelValues(h.strategy.Name, "hit").Inc()
	h.setSource(sourceCache)
	return resp, nil
}

// CachePut 写入缓存并返回是否真正写入。没有 CacheWillUpdate 插件时只缓存 200 响应。
func (h *Handler) CachePut(ctx context.Context, key *http.Request, resp *http.Response) (bool, error) {
	effective, err := h.CacheKey(ctx, key, plugin.ModeWrite)
	if err != nil {
		return false, err
	}
	if effective.Method != http.MethodGet && effective.Method != "" {
		CacheWrites.WithLabelValues(h.strategy.Name, "error").Inc()
		return false, fmt.Errorf("%w: %s %s", ErrNonGetRequest, effective.Method, effective.URL)
	}
	if resp == nil {
		return false, errors.New("cache put requires a response")
	}

	toCache, err := h.ensureCacheable(ctx, key, resp)
	if err != nil {
		return false, err
	}
	if toCache == nil {
		CacheWrites.WithLabelValues(h.strategy.Name, "skipped").Inc()
		h.logger().WithField("status", resp.StatusCode).Debug("cache_put_skipped")
		return false, nil
	}

	cacheName := h.strategy.CacheName
	c, err := h.scope.Caches.Open(ctx, cacheName)
	if err != nil {
		return false, err
	}

	hasDidUpdate := plugin.AnyHas(h.plugins, plugin.HookCacheDidUpdate)
	var oldResponse *http.Response
	if hasDidUpdate {
		oldResponse, err = matchIgnoringParams(ctx, c, effective, h.strategy.MatchOptions, revisionParam)
		if err != nil {
			return false, err
		}
	}

	newResponse := toCache
	if hasDidUpdate {
		if newResponse, err = cache.CloneResponse(toCache); err != nil {
			return false, err
		}
	}

	if err := c.Put(ctx, effective, toCache); err != nil {
		CacheWrites.WithLabelValues(h.strategy.Name, "error").Inc()
		if errors.Is(err, cache.ErrQuotaExceeded) {
			if _, cbErr := cache.ExecuteQuotaErrorCallbacks(ctx); cbErr != nil {
				h.logger().WithError(cbErr).Warn("quota_callback_failed")
			}
		}
		return false, err
	}
	CacheWrites.WithLabelValues(h.strategy.Name, "stored").Inc()

	for i, p := range h.plugins {
		if p.CacheDidUpdate == nil {
			continue
		}
		params := plugin.CacheUpdateParams{
			Env:         h.env(i),
			CacheName:   cacheName,
			Request:     effective,
			OldResponse: oldResponse,
			NewResponse: newResponse,
		}
		if err := p.CacheDidUpdate(ctx, params); err != nil {
			return true, pluginErr(p, plugin.HookCacheDidUpdate, err)
		}
	}
	return true, nil
}

func (h *Handler) ensureCacheable(ctx context.Context, req *http.Request, resp *http.Response) (*http.Response, error) {
	if !plugin.AnyHas(h.plugins, plugin.HookCacheWillUpdate) {
		if resp.StatusCode != http.StatusOK {
			return nil, nil
		}
		return resp, nil
	}

	current := resp
	for i, p := range h.plugins {
		if p.CacheWillUpdate == nil {
			continue
		}
		next, err := p.CacheWillUpdate(ctx, plugin.ResponseParams{Env: h.env(i), Request: req, Response: current})
		if err != nil {
			return nil, pluginErr(p, plugin.HookCacheWillUpdate, err)
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

// CacheKey 返回经 CacheKeyWillBeUsed 转换后的 key，同一 Handler 内按 URL + mode 记忆。
func (h *Handler) CacheKey(ctx context.Context, req *http.Request, mode plugin.Mode) (*http.Request, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("cache key requires a request")
	}
	memoKey := req.URL.String() + " | " + string(mode)

	h.mu.Lock()
	if cached, ok := h.keys[memoKey]; ok {
		h.mu.Unlock()
		return cached, nil
	}
	h.mu.Unlock()

	effective := req
	for i, p := range h.plugins {
		if p.CacheKeyWillBeUsed == nil {
			continue
		}
		cloned, err := cache.CloneRequest(ctx, effective)
		if err != nil {
			return nil, err
		}
		next, err := p.CacheKeyWillBeUsed(ctx, plugin.CacheKeyParams{Env: h.env(i), Request: cloned, Mode: mode})
		if err != nil {
			return nil, pluginErr(p, plugin.HookCacheKeyWillBeUsed, err)
		}
		if next != nil {
			effective = next
		}
	}

	h.mu.Lock()
	if h.keys != nil {
		h.keys[memoKey] = effective
	}
	h.mu.Unlock()
	return effective, nil
}

// WaitUntil 登记扩展任务；任务同时被 Handler 与所属事件跟踪。
func (h *Handler) WaitUntil(fn func(ctx context.Context) error) <-chan struct{} {
	ExtensionTasks.WithLabelValues(h.strategy.Name).Inc()
	done := h.tasks.Go(h.baseCtx, fn)
	if h.event != nil {
		h.event.Track(done)
	}
	return done
}

// DoneWaiting 等待所有扩展任务结束，包括等待期间新登记的任务。
func (h *Handler) DoneWaiting(ctx context.Context) error {
	h.setPhase(PhaseExtensionsPending)
	return h.tasks.Wait(ctx)
}

// Destroy 清理每请求状态。
func (h *Handler) Destroy() {
	h.mu.Lock()
	h.keys = nil
	h.phase = PhaseDone
	h.mu.Unlock()
}

func (h *Handler) fields() logrus.Fields {
	fields := Fields(h.strategy.Name, h.strategy.CacheName, urlString(h.url))
	if h.event != nil {
		fields["event"] = string(h.event.Kind)
	}
	return fields
}

// matchIgnoringParams 在忽略指定查询参数的前提下查找旧响应。
func matchIgnoringParams(ctx context.Context, c cache.Cache, req *http.Request, opts cache.MatchOptions, params ...string) (*http.Response, error) {
	target := cache.StripParams(req.URL.String(), params...)
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if cache.StripParams(key.URL.String(), params...) != target {
			continue
		}
		resp, err := c.Match(ctx, key, opts)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		return resp, err
	}
	return nil, nil
}
