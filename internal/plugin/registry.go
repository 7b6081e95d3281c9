package plugin

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/any-hub/cachekit/internal/scope"
)

// Factory 根据配置构造插件实例。settings 来自 [[Route.Plugin]] 中除 Name 以外的键。
type Factory func(sc *scope.Scope, settings map[string]any) (Plugin, error)

var registry sync.Map

var (
	// ErrDuplicatePlugin 表示同名插件工厂已注册。
	ErrDuplicatePlugin = errors.New("plugin already registered")
	// ErrUnknownPlugin 表示配置引用了未注册的插件。
	ErrUnknownPlugin = errors.New("plugin not registered")
)

// Register 以名称注册插件工厂。
func Register(name string, factory Factory) error {
	key := normalizeKey(name)
	if key == "" {
		return errors.New("plugin name required")
	}
	if factory == nil {
		return errors.New("plugin factory required")
	}
	if _, loaded := registry.LoadOrStore(key, factory); loaded {
		return ErrDuplicatePlugin
	}
	return nil
}

// MustRegister 在注册失败时 panic，供 init() 使用。
func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

// Lookup 返回指定名称的工厂。
func Lookup(name string) (Factory, bool) {
	key := normalizeKey(name)
	if key == "" {
		return nil, false
	}
	if value, ok := registry.Load(key); ok {
		if factory, ok := value.(Factory); ok {
			return factory, true
		}
	}
	return nil, false
}

// Build 查找工厂并构造插件，插件 Name 为空时补上注册名。
func Build(sc *scope.Scope, name string, settings map[string]any) (Plugin, error) {
	factory, ok := Lookup(name)
	if !ok {
		return Plugin{}, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	p, err := factory(sc, settings)
	if err != nil {
		return Plugin{}, fmt.Errorf("build plugin %s: %w", name, err)
	}
	if p.Name == "" {
		p.Name = normalizeKey(name)
	}
	return p, nil
}

// Keys 返回已注册插件名称（排序后）。
func Keys() []string {
	var keys []string
	registry.Range(func(key, _ any) bool {
		keys = append(keys, key.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

// Status 返回插件注册状态。
func Status(name string) string {
	if _, ok := Lookup(name); ok {
		return "registered"
	}
	return "missing"
}

// Snapshot 返回一组插件名称的注册状态。
func Snapshot(names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if normalized := normalizeKey(name); normalized != "" {
			out[normalized] = Status(normalized)
		}
	}
	return out
}

// Decode 把松散的配置 map 解码到 out，支持 "30s" 形式的时长与弱类型转换。
func Decode(settings map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			durationHook(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(settings)
}

func durationHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return time.Duration(0), nil
			}
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
