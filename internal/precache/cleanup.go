package precache

import (
	"context"
	"strings"

	"github.com/any-hub/cachekit/internal/cache"
)

const precacheMarker = "-precache-"

// CleanupOutdatedCaches 删除旧版本的 precache 缓存：名称以当前前缀开头，包含 "-precache-"
// 与当前作用域后缀，且不是当前 precache 缓存。返回被删除的缓存名。
func CleanupOutdatedCaches(ctx context.Context, storage cache.Storage, names cache.Names) ([]string, error) {
	current := names.PrecacheName("")
	all, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, name := range all {
		if name == current || !strings.Contains(name, precacheMarker) {
			continue
		}
		if names.Prefix != "" && !strings.HasPrefix(name, names.Prefix+"-") {
			continue
		}
		if names.Suffix != "" && !strings.Contains(name, names.Suffix) {
			continue
		}
		ok, err := storage.Delete(ctx, name)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}
