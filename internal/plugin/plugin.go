// Package plugin 定义策略生命周期中的扩展点。Plugin 是一组可选的 hook 函数，
// nil 表示未实现；策略按注册顺序依次调用，转换型 hook 的输出会作为下一个 hook 的输入。
package plugin

import (
	"context"
	"net/http"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/scope"
)

// Mode 区分缓存 key 的读写用途。
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// Waiter 由策略 Handler 实现，插件通过它注册扩展任务。
type Waiter interface {
	WaitUntil(fn func(ctx context.Context) error) <-chan struct{}
}

// Env 是每个 hook 都能拿到的公共上下文。
type Env struct {
	Scope  *scope.Scope
	Event  *scope.Event
	State  *State
	Params any
	Waiter Waiter
}

// WaitUntil 注册扩展任务；没有 Waiter 时同步执行。
func (e Env) WaitUntil(ctx context.Context, fn func(ctx context.Context) error) {
	if e.Waiter != nil {
		e.Waiter.WaitUntil(fn)
		return
	}
	_ = fn(ctx)
}

type CacheKeyParams struct {
	Env
	Request *http.Request
	Mode    Mode
}

type RequestParams struct {
	Env
	Request *http.Request
}

type FetchParams struct {
	Env
	Request  *http.Request
	Response *http.Response
}

type FetchFailParams struct {
	Env
	OriginalRequest *http.Request
	Request         *http.Request
	Error           error
}

type CachedResponseParams struct {
	Env
	CacheName      string
	Request        *http.Request
	CachedResponse *http.Response
	MatchOptions   cache.MatchOptions
}

type ResponseParams struct {
	Env
	Request  *http.Request
	Response *http.Response
}

type CacheUpdateParams struct {
	Env
	CacheName   string
	Request     *http.Request
	OldResponse *http.Response
	NewResponse *http.Response
}

type HandlerParams struct {
	Env
	Request *http.Request
}

// ResultParams 用于 HandlerDidRespond / HandlerDidComplete，Response 与 Error 可能为空。
type ResultParams struct {
	Env
	Request  *http.Request
	Response *http.Response
	Error    error
}

type ErrorParams struct {
	Env
	Request *http.Request
	Error   error
}

// Plugin 描述一个插件实现的 hook 集合。
type Plugin struct {
	Name string

	CacheKeyWillBeUsed       func(ctx context.Context, p CacheKeyParams) (*http.Request, error)
	RequestWillFetch         func(ctx context.Context, p RequestParams) (*http.Request, error)
	FetchDidSucceed          func(ctx context.Context, p FetchParams) (*http.Response, error)
	FetchDidFail             func(ctx context.Context, p FetchFailParams) error
	CachedResponseWillBeUsed func(ctx context.Context, p CachedResponseParams) (*http.Response, error)
	CacheWillUpdate          func(ctx context.Context, p ResponseParams) (*http.Response, error)
	CacheDidUpdate           func(ctx context.Context, p CacheUpdateParams) error
	HandlerWillStart         func(ctx context.Context, p HandlerParams) error
	HandlerWillRespond       func(ctx context.Context, p ResponseParams) (*http.Response, error)
	HandlerDidRespond        func(ctx context.Context, p ResultParams) error
	HandlerDidComplete       func(ctx context.Context, p ResultParams) error
	HandlerDidError          func(ctx context.Context, p ErrorParams) (*http.Response, error)
}

// Hook 是 hook 名称。
type Hook string

const (
	HookCacheKeyWillBeUsed       Hook = "cacheKeyWillBeUsed"
	HookRequestWillFetch         Hook = "requestWillFetch"
	HookFetchDidSucceed          Hook = "fetchDidSucceed"
	HookFetchDidFail             Hook = "fetchDidFail"
	HookCachedResponseWillBeUsed Hook = "cachedResponseWillBeUsed"
	HookCacheWillUpdate          Hook = "cacheWillUpdate"
	HookCacheDidUpdate           Hook = "cacheDidUpdate"
	HookHandlerWillStart         Hook = "handlerWillStart"
	HookHandlerWillRespond       Hook = "handlerWillRespond"
	HookHandlerDidRespond        Hook = "handlerDidRespond"
	HookHandlerDidComplete       Hook = "handlerDidComplete"
	HookHandlerDidError          Hook = "handlerDidError"
)

// Hooks 按生命周期顺序列出全部 hook。
func Hooks() []Hook {
	return []Hook{
		HookHandlerWillStart,
		HookCacheKeyWillBeUsed,
		HookCachedResponseWillBeUsed,
		HookRequestWillFetch,
		HookFetchDidSucceed,
		HookFetchDidFail,
		HookCacheWillUpdate,
		HookCacheDidUpdate,
		HookHandlerDidError,
		HookHandlerWillRespond,
		HookHandlerDidRespond,
		HookHandlerDidComplete,
	}
}

// Has 判断插件是否实现了指定 hook。
func (p Plugin) Has(h Hook) bool {
	switch h {
	case HookCacheKeyWillBeUsed:
		return p.CacheKeyWillBeUsed != nil
	case HookRequestWillFetch:
		return p.RequestWillFetch != nil
	case HookFetchDidSucceed:
		return p.FetchDidSucceed != nil
	case HookFetchDidFail:
		return p.FetchDidFail != nil
	case HookCachedResponseWillBeUsed:
		return p.CachedResponseWillBeUsed != nil
	case HookCacheWillUpdate:
		return p.CacheWillUpdate != nil
	case HookCacheDidUpdate:
		return p.CacheDidUpdate != nil
	case HookHandlerWillStart:
		return p.HandlerWillStart != nil
	case HookHandlerWillRespond:
		return p.HandlerWillRespond != nil
	case HookHandlerDidRespond:
		return p.HandlerDidRespond != nil
	case HookHandlerDidComplete:
		return p.HandlerDidComplete != nil
	case HookHandlerDidError:
		return p.HandlerDidError != nil
	default:
		return false
	}
}

// Implemented 返回插件实现的 hook 列表，供诊断接口展示。
func (p Plugin) Implemented() []Hook {
	var out []Hook
	for _, h := range Hooks() {
		if p.Has(h) {
			out = append(out, h)
		}
	}
	return out
}

// AnyHas 判断列表中是否有插件实现了 h。
func AnyHas(plugins []Plugin, h Hook) bool {
	for _, p := range plugins {
		if p.Has(h) {
			return true
		}
	}
	return false
}
