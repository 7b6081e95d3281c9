package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/any-hub/cachekit/internal/scope"
)

// Constructor 根据公共参数构造策略。
type Constructor func(sc *scope.Scope, opts Options) *Strategy

// Kind 描述一种可通过配置引用的策略。
type Kind struct {
	Key         string
	Description string
	ReadsCache  bool
	WritesCache bool
	New         Constructor
}

var globalRegistry = newRegistry()

type registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

func newRegistry() *registry {
	return &registry{kinds: make(map[string]Kind)}
}

// Register 将策略类型加入全局注册表，重复键会返回错误。
func Register(kind Kind) error {
	return globalRegistry.register(kind)
}

// MustRegister 在注册失败时 panic，适合策略 init() 中调用。
func MustRegister(kind Kind) {
	if err := Register(kind); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的策略类型。
func Resolve(key string) (Kind, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的策略类型列表。
func List() []Kind {
	return globalRegistry.list()
}

// Keys 返回所有已注册策略的键值，供配置校验与诊断使用。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, kind := range items {
		result[i] = kind.Key
	}
	return result
}

// Build 按键构造策略。
func Build(sc *scope.Scope, key string, opts Options) (*Strategy, error) {
	kind, ok := Resolve(key)
	if !ok {
		return nil, fmt.Errorf("strategy %s not registered", key)
	}
	return kind.New(sc, opts), nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(kind Kind) error {
	key := normalizeKey(kind.Key)
	if key == "" {
		return fmt.Errorf("strategy key is required")
	}
	if kind.New == nil {
		return fmt.Errorf("strategy %s requires a constructor", key)
	}
	kind.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[key]; exists {
		return fmt.Errorf("strategy %s already registered", key)
	}
	r.kinds[key] = kind
	return nil
}

func (r *registry) resolve(key string) (Kind, bool) {
	normalized := normalizeKey(key)
	if normalized == "" {
		return Kind{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	kind, ok := r.kinds[normalized]
	return kind, ok
}

func (r *registry) list() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.kinds) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.kinds))
	for key := range r.kinds {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Kind, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.kinds[key])
	}
	return result
}
