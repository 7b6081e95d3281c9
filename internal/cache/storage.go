package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NewStorage 基于任意 Backend 构建 Storage，整站复用一份实例。
func NewStorage(backend Backend) Storage {
	return &storage{backend: backend, now: time.Now}
}

type storage struct {
	backend Backend
	now     func() time.Time
}

func (s *storage) Open(ctx context.Context, name string) (Cache, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrCacheNameRequired
	}
	if err := s.backend.CreateCache(ctx, name); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &namedCache{name: name, backend: s.backend, now: s.now}, nil
}

func (s *storage) Has(ctx context.Context, name string) (bool, error) {
	return s.backend.HasCache(ctx, name)
}

func (s *storage) Delete(ctx context.Context, name string) (bool, error) {
	return s.backend.DropCache(ctx, name)
}

func (s *storage) Keys(ctx context.Context) ([]string, error) {
	return s.backend.CacheNames(ctx)
}

func (s *storage) Match(ctx context.Context, req *http.Request, opts MatchOptions) (*http.Response, error) {
	if opts.CacheName != "" {
		ok, err := s.backend.HasCache(ctx, opts.CacheName)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}
		c := &namedCache{name: opts.CacheName, backend: s.backend, now: s.now}
		return c.Match(ctx, req, opts)
	}

	names, err := s.backend.CacheNames(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		c := &namedCache{name: name, backend: s.backend, now: s.now}
		resp, err := c.Match(ctx, req, opts)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// namedCache 把请求/响应语义翻译成 Backend 的 Record 读写。
type namedCache struct {
	name    string
	backend Backend
	now     func() time.Time
}

func (c *namedCache) Name() string {
	return c.name
}

func (c *namedCache) Match(ctx context.Context, req *http.Request, opts MatchOptions) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, ErrNotFound
	}
	if req.Method != http.MethodGet && req.Method != "" && !opts.IgnoreMethod {
		return nil, ErrNotFound
	}

	key := req.URL.String()
	if !opts.IgnoreSearch {
		rec, err := c.backend.Get(ctx, c.name, key)
		if err != nil {
			return nil, err
		}
		return rec.Response(req), nil
	}

	records, err := c.backend.List(ctx, c.name)
	if err != nil {
		return nil, err
	}
	target := StripQuery(key)
	for _, rec := range records {
		if StripQuery(rec.URL) == target {
			return rec.Response(req), nil
		}
	}
	return nil, ErrNotFound
}

func (c *namedCache) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	if req == nil || req.URL == nil {
		return errors.New("cache put requires a request")
	}
	if req.Method != http.MethodGet && req.Method != "" {
		return fmt.Errorf("%w: %s %s", ErrUnsupportedMethod, req.Method, req.URL)
	}
	if resp == nil {
		return errors.New("cache put requires a response")
	}

	var body []byte
	if resp.Body != nil {
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		body = data
	}

	rec := &Record{
		Method:   http.MethodGet,
		URL:      req.URL.String(),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: c.now().UTC(),
	}
	return c.backend.Set(ctx, c.name, rec.URL, rec)
}

func (c *namedCache) Delete(ctx context.Context, req *http.Request, opts MatchOptions) (bool, error) {
	if req == nil || req.URL == nil {
		return false, nil
	}
	if req.Method != http.MethodGet && req.Method != "" && !opts.IgnoreMethod {
		return false, nil
	}
	key := req.URL.String()
	if !opts.IgnoreSearch {
		return c.backend.Remove(ctx, c.name, key)
	}

	records, err := c.backend.List(ctx, c.name)
	if err != nil {
		return false, err
	}
	target := StripQuery(key)
	deleted := false
	for _, rec := range records {
		if StripQuery(rec.URL) != target {
			continue
		}
		ok, err := c.backend.Remove(ctx, c.name, rec.URL)
		if err != nil {
			return deleted, err
		}
		deleted = deleted || ok
	}
	return deleted, nil
}

func (c *namedCache) Keys(ctx context.Context) ([]*http.Request, error) {
	records, err := c.backend.List(ctx, c.name)
	if err != nil {
		return nil, err
	}
	result := make([]*http.Request, 0, len(records))
	for _, rec := range records {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.URL, nil)
		if err != nil {
			continue
		}
		result = append(result, req)
	}
	return result, nil
}
