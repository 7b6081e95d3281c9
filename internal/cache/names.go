package cache

import "strings"

// 缓存名默认值。
const (
	DefaultPrefix   = "cachekit"
	DefaultPrecache = "precache-v2"
	DefaultRuntime  = "runtime"
)

// Names 负责生成 <prefix>-<precache|runtime>-<suffix> 形式的缓存名称。
type Names struct {
	Prefix   string
	Suffix   string
	Precache string
	Runtime  string
}

// DefaultNames 返回使用默认前缀与空后缀的命名规则。
func DefaultNames() Names {
	return Names{Prefix: DefaultPrefix, Precache: DefaultPrecache, Runtime: DefaultRuntime}
}

// PrecacheName 返回 precache 命名空间；override 非空时直接使用 override。
func (n Names) PrecacheName(override string) string {
	if override != "" {
		return override
	}
	return n.join(firstNonEmpty(n.Precache, DefaultPrecache))
}

// RuntimeName 返回运行时缓存名；override 非空时直接使用 override。
func (n Names) RuntimeName(override string) string {
	if override != "" {
		return override
	}
	return n.join(firstNonEmpty(n.Runtime, DefaultRuntime))
}

func (n Names) join(name string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{n.Prefix, name, n.Suffix} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "-")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
