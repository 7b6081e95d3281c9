package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Storage 对应多缓存命名空间：按名称打开 Cache，也可以跨缓存查找响应。
type Storage interface {
	// Open 返回指定名称的 Cache，不存在时自动创建。
	Open(ctx context.Context, name string) (Cache, error)
	// Has 判断指定名称的缓存是否已创建。
	Has(ctx context.Context, name string) (bool, error)
	// Delete 删除整个命名缓存，返回是否确实删除了内容。
	Delete(ctx context.Context, name string) (bool, error)
	// Keys 按创建顺序返回全部缓存名称。
	Keys(ctx context.Context) ([]string, error)
	// Match 在 opts.CacheName 指定的缓存中查找，未指定时按创建顺序遍历所有缓存。
	// 未命中返回 ErrNotFound。
	Match(ctx context.Context, req *http.Request, opts MatchOptions) (*http.Response, error)
}

// Cache 是单个命名缓存，键为请求 URL。
type Cache interface {
	Name() string
	// Match 返回与 req 对应的缓存响应，未命中返回 ErrNotFound。
	Match(ctx context.Context, req *http.Request, opts MatchOptions) (*http.Response, error)
	// Put 会完整读取 resp.Body 并写入缓存，仅接受 GET 请求。
	Put(ctx context.Context, req *http.Request, resp *http.Response) error
	// Delete 删除匹配的条目，返回是否删除了至少一条。
	Delete(ctx context.Context, req *http.Request, opts MatchOptions) (bool, error)
	// Keys 按写入顺序返回缓存中的请求。
	Keys(ctx context.Context) ([]*http.Request, error)
}

// MatchOptions 控制查找行为，语义与 CacheQueryOptions 一致。
type MatchOptions struct {
	// CacheName 限定 Storage.Match 只查找指定缓存。
	CacheName string
	// IgnoreSearch 忽略查询字符串比较 URL。
	IgnoreSearch bool
	// IgnoreMethod 允许非 GET 请求命中 GET 条目。
	IgnoreMethod bool
	// IgnoreVary 保留以兼容调用方，当前实现不区分 Vary。
	IgnoreVary bool
}

// Record 是 Backend 层持久化的单条缓存。
type Record struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Size 估算条目占用的字节数，用于配额计算。
func (r *Record) Size() int64 {
	if r == nil {
		return 0
	}
	size := int64(len(r.Body) + len(r.URL))
	for key, values := range r.Header {
		size += int64(len(key))
		for _, v := range values {
			size += int64(len(v))
		}
	}
	return size
}

// Backend 是按缓存名 + URL 存取 Record 的底层存储。
type Backend interface {
	CreateCache(ctx context.Context, name string) error
	HasCache(ctx context.Context, name string) (bool, error)
	DropCache(ctx context.Context, name string) (bool, error)
	CacheNames(ctx context.Context) ([]string, error)

	Get(ctx context.Context, name, key string) (*Record, error)
	Set(ctx context.Context, name, key string, rec *Record) error
	Remove(ctx context.Context, name, key string) (bool, error)
	// List 按 StoredAt 升序返回缓存内全部条目。
	List(ctx context.Context, name string) ([]*Record, error)
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrQuotaExceeded 表示写入会超出存储配额。
	ErrQuotaExceeded = errors.New("cache quota exceeded")
	// ErrUnsupportedMethod 表示尝试缓存非 GET 请求。
	ErrUnsupportedMethod = errors.New("only GET requests can be cached")
	// ErrCacheNameRequired 表示未提供缓存名称。
	ErrCacheNameRequired = errors.New("cache name required")
)
