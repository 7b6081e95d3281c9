package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 支持 "30s"、"5m" 或纯数字秒值。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// Origin 是被缓存的上游站点，相对 URL 以它为基准解析。
	Origin          string   `mapstructure:"Origin"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`

	CachePrefix string `mapstructure:"CachePrefix"`
	CacheSuffix string `mapstructure:"CacheSuffix"`

	StorageDriver  string `mapstructure:"StorageDriver"`
	StoragePath    string `mapstructure:"StoragePath"`
	MaxMemoryCache int64  `mapstructure:"MaxMemoryCacheSize"`
	RedisAddr      string `mapstructure:"RedisAddr"`
	RedisPassword  string `mapstructure:"RedisPassword"`
	RedisDB        int    `mapstructure:"RedisDB"`
	RedisPrefix    string `mapstructure:"RedisPrefix"`

	PrecacheManifest          string   `mapstructure:"PrecacheManifest"`
	PrecacheFallbackToNetwork bool     `mapstructure:"PrecacheFallbackToNetwork"`
	IgnoreURLParameters       []string `mapstructure:"IgnoreURLParameters"`
	InstallConcurrency        int      `mapstructure:"InstallConcurrency"`
	CleanupOutdatedCaches     bool     `mapstructure:"CleanupOutdatedCaches"`

	NavigateFallback          string   `mapstructure:"NavigateFallback"`
	NavigateFallbackAllowlist []string `mapstructure:"NavigateFallbackAllowlist"`
	NavigateFallbackDenylist  []string `mapstructure:"NavigateFallbackDenylist"`
	OfflineFallback           string   `mapstructure:"OfflineFallback"`

	// SyncInterval 为后台同步的重放周期，0 表示只在 /-/sync 触发时重放。
	SyncInterval Duration `mapstructure:"SyncInterval"`
}

// PluginConfig 描述路由上的一个插件，除 Name 外的字段作为插件选项原样传递。
type PluginConfig struct {
	Name    string         `mapstructure:"Name"`
	Options map[string]any `mapstructure:",remain"`
}

// RouteConfig 描述一条运行时缓存规则。
type RouteConfig struct {
	Name           string         `mapstructure:"Name"`
	Match          string         `mapstructure:"Match"`
	Method         string         `mapstructure:"Method"`
	Strategy       string         `mapstructure:"Strategy"`
	CacheName      string         `mapstructure:"CacheName"`
	NetworkTimeout Duration       `mapstructure:"NetworkTimeout"`
	Revalidate     bool           `mapstructure:"Revalidate"`
	Plugins        []PluginConfig `mapstructure:"Plugin"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Routes []RouteConfig `mapstructure:"Route"`
}

// PluginNames 返回路由上配置的插件名称。
func (r RouteConfig) PluginNames() []string {
	if len(r.Plugins) == 0 {
		return nil
	}
	names := make([]string, len(r.Plugins))
	for i, p := range r.Plugins {
		names[i] = p.Name
	}
	return names
}

// RouteSummaries 返回 name:strategy 形式的摘要，供日志字段使用。
func RouteSummaries(routes []RouteConfig) []string {
	if len(routes) == 0 {
		return nil
	}
	result := make([]string, len(routes))
	for i, route := range routes {
		result[i] = fmt.Sprintf("%s:%s", route.Name, route.Strategy)
	}
	return result
}
