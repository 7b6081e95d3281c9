package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/strategy"
)

var supportedMethods = map[string]struct{}{
	"GET":    {},
	"HEAD":   {},
	"POST":   {},
	"PUT":    {},
	"PATCH":  {},
	"DELETE": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.SyncInterval.DurationValue() < 0 {
		return newFieldError("Global.SyncInterval", "不能为负数")
	}

	driver, err := parseStorageDriver(g.StorageDriver)
	if err != nil {
		return newFieldError("Global.StorageDriver", err.Error())
	}
	switch driver {
	case StorageFS:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "fs 驱动不能为空")
		}
	case StorageMemory:
		if g.MaxMemoryCache < 0 {
			return newFieldError("Global.MaxMemoryCacheSize", "不能为负数")
		}
	case StorageRedis:
		if strings.TrimSpace(g.RedisAddr) == "" {
			return newFieldError("Global.RedisAddr", "redis 驱动不能为空")
		}
	}

	for field, patterns := range map[string][]string{
		"Global.IgnoreURLParameters":       g.IgnoreURLParameters,
		"Global.NavigateFallbackAllowlist": g.NavigateFallbackAllowlist,
		"Global.NavigateFallbackDenylist":  g.NavigateFallbackDenylist,
	} {
		if _, err := CompilePatterns(patterns); err != nil {
			return newFieldError(field, err.Error())
		}
	}
	if g.NavigateFallback != "" && g.PrecacheManifest == "" {
		return newFieldError("Global.NavigateFallback", "需要同时配置 PrecacheManifest")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Routes {
		route := &c.Routes[i]
		if route.Name == "" {
			return newFieldError("Route[].Name", "不能为空")
		}
		if _, exists := seenNames[route.Name]; exists {
			return newFieldError(routeField(route.Name, "Name"), "重复")
		}
		seenNames[route.Name] = struct{}{}

		if strings.TrimSpace(route.Match) == "" {
			return newFieldError(routeField(route.Name, "Match"), "不能为空")
		}
		if _, err := regexp.Compile(route.Match); err != nil {
			return newFieldError(routeField(route.Name, "Match"), err.Error())
		}
		if _, ok := supportedMethods[route.Method]; !ok {
			return newFieldError(routeField(route.Name, "Method"), "不支持的方法: "+route.Method)
		}

		if route.Strategy == "" {
			return newFieldError(routeField(route.Name, "Strategy"), "不能为空")
		}
		if _, ok := strategy.Resolve(route.Strategy); !ok {
			return newFieldError(routeField(route.Name, "Strategy"), "仅支持 "+strings.Join(strategy.Keys(), "|"))
		}

		for _, p := range route.Plugins {
			if p.Name == "" {
				return newFieldError(routeField(route.Name, "Plugin.Name"), "不能为空")
			}
			if _, ok := plugin.Lookup(p.Name); !ok {
				return newFieldError(routeField(route.Name, "Plugin"), fmt.Sprintf("未注册插件: %s", p.Name))
			}
		}
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("上游不应包含路径: %s", raw)
	}
	return nil
}

// CompilePatterns 编译一组正则表达式。
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("无效的正则 %q: %w", pattern, err)
		}
		out = append(out, re)
	}
	return out, nil
}
