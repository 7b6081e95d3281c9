package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/any-hub/cachekit/internal/config"
	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/scope"
	"github.com/any-hub/cachekit/internal/strategy"
	"github.com/any-hub/cachekit/internal/worker"
)

// RouteBinding 聚合一条配置路由与构建出的策略实例，供 worker 注册与诊断接口复用。
type RouteBinding struct {
	// Config 是 config.toml 中声明的路由副本。
	Config config.RouteConfig
	// Runtime 包含编译后的匹配规则与策略元数据。
	Runtime config.RouteRuntime
	// Strategy 是已挂载插件的策略实例。
	Strategy *strategy.Strategy
}

// RouteRegistry 按声明顺序保存路由绑定，顺序即匹配优先级。
type RouteRegistry struct {
	byName  map[string]*RouteBinding
	ordered []*RouteBinding
}

// NewRouteRegistry 根据配置构建策略与插件。调用方应在启动阶段创建一次并复用。
func NewRouteRegistry(cfg *config.Config, sc *scope.Scope) (*RouteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &RouteRegistry{byName: make(map[string]*RouteBinding, len(cfg.Routes))}
	for _, rc := range cfg.Routes {
		key := strings.ToLower(rc.Name)
		if _, exists := registry.byName[key]; exists {
			return nil, fmt.Errorf("duplicate route %s", rc.Name)
		}
		binding, err := buildBinding(sc, rc)
		if err != nil {
			return nil, err
		}
		registry.byName[key] = binding
		registry.ordered = append(registry.ordered, binding)
	}
	return registry, nil
}

func buildBinding(sc *scope.Scope, rc config.RouteConfig) (*RouteBinding, error) {
	rt, err := config.BuildRouteRuntime(rc)
	if err != nil {
		return nil, err
	}

	opts := rt.StrategyOptions()
	for _, pc := range rc.Plugins {
		p, err := plugin.Build(sc, pc.Name, pc.Options)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.Name, err)
		}
		opts.Plugins = append(opts.Plugins, p)
	}
	return &RouteBinding{Config: rc, Runtime: rt, Strategy: rt.Kind.New(sc, opts)}, nil
}

// Lookup 按名称查找路由绑定。
func (r *RouteRegistry) Lookup(name string) (*RouteBinding, bool) {
	binding, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return binding, ok
}

// List 返回按声明顺序排列的路由绑定副本。
func (r *RouteRegistry) List() []RouteBinding {
	result := make([]RouteBinding, 0, len(r.ordered))
	for _, binding := range r.ordered {
		result = append(result, *binding)
	}
	return result
}

// RuntimeCaching 转换为 worker 的运行时缓存规则。
func (r *RouteRegistry) RuntimeCaching() []worker.RuntimeCaching {
	out := make([]worker.RuntimeCaching, 0, len(r.ordered))
	for _, binding := range r.ordered {
		out = append(out, worker.RuntimeCaching{
			Name:    binding.Config.Name,
			Matcher: binding.Runtime.Pattern,
			Method:  binding.Config.Method,
			Handler: binding.Strategy,
		})
	}
	return out
}
