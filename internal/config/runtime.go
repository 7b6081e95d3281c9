package config

import (
	"net/url"
	"regexp"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/strategy"
)

// RouteRuntime 将路由配置与策略元数据合并，方便启动时构建路由。
type RouteRuntime struct {
	Config  RouteConfig
	Pattern *regexp.Regexp
	Kind    strategy.Kind
}

// BuildRouteRuntime 编译匹配规则并解析策略（假定 Validate 已经通过）。
func BuildRouteRuntime(cfg RouteConfig) (RouteRuntime, error) {
	pattern, err := regexp.Compile(cfg.Match)
	if err != nil {
		return RouteRuntime{}, newFieldError(routeField(cfg.Name, "Match"), err.Error())
	}
	kind, ok := strategy.Resolve(cfg.Strategy)
	if !ok {
		return RouteRuntime{}, newFieldError(routeField(cfg.Name, "Strategy"), "未注册策略: "+cfg.Strategy)
	}
	return RouteRuntime{Config: cfg, Pattern: pattern, Kind: kind}, nil
}

// StrategyOptions 返回构建策略所需的选项，插件需由调用方另行构建。
func (r RouteRuntime) StrategyOptions() strategy.Options {
	return strategy.Options{
		CacheName:      r.Config.CacheName,
		NetworkTimeout: r.Config.NetworkTimeout.DurationValue(),
		Revalidate:     r.Config.Revalidate,
	}
}

// CacheNames 返回缓存命名规则。
func (g GlobalConfig) CacheNames() cache.Names {
	names := cache.DefaultNames()
	if g.CachePrefix != "" {
		names.Prefix = g.CachePrefix
	}
	names.Suffix = g.CacheSuffix
	return names
}

// OriginURL 返回解析后的上游地址（假定 Validate 已经通过）。
func (g GlobalConfig) OriginURL() *url.URL {
	u, err := url.Parse(g.Origin)
	if err != nil {
		return nil
	}
	return u
}
