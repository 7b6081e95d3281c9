package strategy

import (
	"errors"
	"fmt"

	"github.com/any-hub/cachekit/internal/plugin"
)

var (
	// ErrNoResponse 表示策略既没有从缓存也没有从网络拿到响应。
	ErrNoResponse = errors.New("no response")
	// ErrTimeout 表示网络请求超过了 NetworkTimeout。
	ErrTimeout = errors.New("network timeout")
	// ErrNonGetRequest 表示尝试缓存非 GET 请求。
	ErrNonGetRequest = errors.New("attempt to cache non-GET request")
	// ErrBadPrecacheResponse 表示 install 阶段拿到的响应不可缓存。
	ErrBadPrecacheResponse = errors.New("bad precaching response")
	// ErrMissingPrecacheEntry 表示 precache 中没有对应条目且不允许回源。
	ErrMissingPrecacheEntry = errors.New("missing precache entry")
	// ErrIntegrityMismatch 表示响应体与清单中的 SRI 值不符。
	ErrIntegrityMismatch = errors.New("integrity mismatch")
)

// NoResponseError 携带触发失败的 URL 与底层原因，errors.Is(err, ErrNoResponse) 成立。
type NoResponseError struct {
	Strategy string
	URL      string
	Err      error
}

func (e *NoResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s %s: %v", ErrNoResponse, e.Strategy, e.URL, e.Err)
	}
	return fmt.Sprintf("%s: %s %s", ErrNoResponse, e.Strategy, e.URL)
}

func (e *NoResponseError) Is(target error) bool {
	return target == ErrNoResponse
}

func (e *NoResponseError) Unwrap() error {
	return e.Err
}

// NetworkError 包装网络层失败（包括超时与取消）。
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network request %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// PluginError 标识出错的插件与 hook。
type PluginError struct {
	Plugin string
	Hook   plugin.Hook
	Err    error
}

func (e *PluginError) Error() string {
	name := e.Plugin
	if name == "" {
		name = "anonymous"
	}
	return fmt.Sprintf("plugin %s %s: %v", name, e.Hook, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

func pluginErr(p plugin.Plugin, hook plugin.Hook, err error) error {
	if err == nil {
		return nil
	}
	return &PluginError{Plugin: p.Name, Hook: hook, Err: err}
}
