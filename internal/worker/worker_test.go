package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/plugins/bgsync"
	"github.com/any-hub/cachekit/internal/precache"
	"github.com/any-hub/cachekit/internal/router"
	"github.com/any-hub/cachekit/internal/scope"
	"github.com/any-hub/cachekit/internal/strategy"
)

type network struct {
	mu      sync.Mutex
	bodies  map[string]string
	calls   map[string]int
	offline bool
}

func newNetwork(bodies map[string]string) *network {
	return &network{bodies: bodies, calls: make(map[string]int)}
}

func (n *network) fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline {
		return nil, errors.New("offline")
	}
	key := req.URL.String()
	n.calls[key]++
	body, ok := n.bodies[key]
	if !ok {
		return cache.NewResponse(http.StatusNotFound, nil, nil), nil
	}
	return cache.NewResponse(http.StatusOK, nil, []byte(body)), nil
}

func (n *network) count(rawURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[rawURL]
}

func (n *network) setOffline(v bool) {
	n.mu.Lock()
	n.offline = v
	n.mu.Unlock()
}

func newScope(n *network) *scope.Scope {
	origin, _ := url.Parse("https://example.com")
	return &scope.Scope{
		Origin:     origin,
		Fetch:      n.fetch,
		Caches:     cache.NewStorage(cache.NewMemoryBackend(cache.MemoryOptions{})),
		CacheNames: cache.DefaultNames(),
	}
}

func request(t *testing.T, rawURL string, navigate bool) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if navigate {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
	}
	return req
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	if resp == nil {
		t.Fatalf("nil response")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func TestInstallAndServePrecache(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(map[string]string{
		"https://example.com/index.html": "<html>app</html>",
		"https://example.com/app.js":     "app()",
	})
	w, err := New(newScope(n), Options{
		PrecacheEntries:  []precache.Entry{{URL: "/index.html", Revision: "1"}, {URL: "/app.js"}},
		NavigateFallback: "/index.html",
		NavigateFallbackDenylist: []*regexp.Regexp{
			regexp.MustCompile(`^/api/`),
		},
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	result, err := w.Install(ctx)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if len(result.UpdatedURLs) != 2 {
		t.Fatalf("expected 2 updated urls, got %+v", result)
	}

	resp, err := w.HandleFetch(ctx, request(t, "https://example.com/app.js?utm_source=mail", false))
	if err != nil {
		t.Fatalf("fetch precached: %v", err)
	}
	if got := body(t, resp); got != "app()" {
		t.Fatalf("unexpected body %q", got)
	}

	resp, err = w.HandleFetch(ctx, request(t, "https://example.com/some/page", true))
	if err != nil {
		t.Fatalf("navigation fallback: %v", err)
	}
	if got := body(t, resp); got != "<html>app</html>" {
		t.Fatalf("unexpected fallback body %q", got)
	}

	if _, err := w.HandleFetch(ctx, request(t, "https://example.com/api/users", true)); !errors.Is(err, router.ErrNotHandled) {
		t.Fatalf("denylisted navigation should not be handled, got %v", err)
	}
	if err := w.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n.count("https://example.com/app.js") != 1 {
		t.Fatalf("precached asset should be fetched once")
	}
}

func TestNavigateFallbackMustBePrecached(t *testing.T) {
	_, err := New(newScope(newNetwork(nil)), Options{NavigateFallback: "/missing.html"})
	if !errors.Is(err, precache.ErrNonPrecachedURL) {
		t.Fatalf("expected ErrNonPrecachedURL, got %v", err)
	}
}

func TestRuntimeCachingWithFallback(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(map[string]string{
		"https://example.com/offline.html": "offline",
		"https://example.com/img/logo.png": "png",
	})
	sc := newScope(n)
	w, err := New(sc, Options{
		RuntimeCaching: []RuntimeCaching{
			{Name: "images", Matcher: regexp.MustCompile(`/img/`), Handler: strategy.NewCacheFirst(sc, strategy.Options{CacheName: "images"})},
			{Name: "pages", Matcher: regexp.MustCompile(`/pages/`), Handler: strategy.NewNetworkOnly(sc, strategy.Options{})},
		},
		Fallbacks: []precache.FallbackEntry{{URL: "/offline.html"}},
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if _, err := w.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}

	for i := 0; i < 2; i++ {
		resp, err := w.HandleFetch(ctx, request(t, "https://example.com/img/logo.png", false))
		if err != nil {
			t.Fatalf("fetch image: %v", err)
		}
		if got := body(t, resp); got != "png" {
			t.Fatalf("unexpected image body %q", got)
		}
		if err := w.Drain(ctx); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}
	if n.count("https://example.com/img/logo.png") != 1 {
		t.Fatalf("cache-first should fetch once, got %d", n.count("https://example.com/img/logo.png"))
	}

	n.setOffline(true)
	resp, err := w.HandleFetch(ctx, request(t, "https://example.com/pages/about", false))
	if err != nil {
		t.Fatalf("fallback should recover the failure: %v", err)
	}
	if got := body(t, resp); got != "offline" {
		t.Fatalf("unexpected fallback body %q", got)
	}
	_ = w.Drain(ctx)
}

func TestSharedStrategyKeepsItsPlugins(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(map[string]string{"https://example.com/offline.html": "offline"})
	sc := newScope(n)
	shared := strategy.NewNetworkOnly(sc, strategy.Options{})
	w, err := New(sc, Options{
		RuntimeCaching: []RuntimeCaching{
			{Name: "api", Matcher: regexp.MustCompile(`/api/`), Handler: shared},
			{Name: "pages", Matcher: regexp.MustCompile(`/pages/`), Handler: shared},
		},
		Fallbacks: []precache.FallbackEntry{{URL: "/offline.html"}},
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if len(shared.Plugins) != 0 {
		t.Fatalf("worker must not modify the caller's strategy, plugins=%d", len(shared.Plugins))
	}
	if _, err := w.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}

	n.setOffline(true)
	for _, target := range []string{"https://example.com/api/x", "https://example.com/pages/y"} {
		resp, err := w.HandleFetch(ctx, request(t, target, false))
		if err != nil {
			t.Fatalf("fallback should recover %s: %v", target, err)
		}
		if got := body(t, resp); got != "offline" {
			t.Fatalf("unexpected fallback body %q", got)
		}
	}
	if err := w.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestHandleMessageCacheURLs(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(map[string]string{
		"https://example.com/data/a.json": "a",
		"https://example.com/data/b.json": "b",
	})
	sc := newScope(n)
	w, err := New(sc, Options{
		RuntimeCaching: []RuntimeCaching{
			{Matcher: regexp.MustCompile(`/data/`), Handler: strategy.NewStaleWhileRevalidate(sc, strategy.Options{CacheName: "data"})},
		},
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	msg, err := ParseMessage([]byte(`{"type":"CACHE_URLS","payload":{"urlsToCache":["/data/a.json",["/data/b.json",{}],"/other.css"]}}`))
	if err != nil {
		t.Fatalf("parse message: %v", err)
	}
	if err := w.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if err := w.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	req := request(t, "https://example.com/data/b.json", false)
	resp, err := sc.Caches.Match(ctx, req, cache.MatchOptions{CacheName: sc.CacheNames.RuntimeName("data")})
	if err != nil {
		t.Fatalf("message should warm the runtime cache: %v", err)
	}
	if got := body(t, resp); got != "b" {
		t.Fatalf("unexpected cached body %q", got)
	}

	if err := w.HandleMessage(ctx, Message{Type: "SKIP_WAITING"}); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestActivateCleansOutdatedCaches(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(map[string]string{"https://example.com/app.js": "v2"})
	sc := newScope(n)
	if _, err := sc.Caches.Open(ctx, "cachekit-precache-v1"); err != nil {
		t.Fatalf("open old cache: %v", err)
	}
	if _, err := sc.Caches.Open(ctx, "cachekit-runtime"); err != nil {
		t.Fatalf("open runtime cache: %v", err)
	}

	w, err := New(sc, Options{
		PrecacheEntries:       []precache.Entry{{URL: "/app.js"}},
		CleanupOutdatedCaches: true,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if _, err := w.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	result, err := w.Activate(ctx)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(result.DeletedCaches) != 1 || result.DeletedCaches[0] != "cachekit-precache-v1" {
		t.Fatalf("unexpected deleted caches %v", result.DeletedCaches)
	}
	if ok, _ := sc.Caches.Has(ctx, "cachekit-runtime"); !ok {
		t.Fatalf("runtime cache must survive cleanup")
	}
	if ok, _ := sc.Caches.Has(ctx, w.Precache().CacheName()); !ok {
		t.Fatalf("current precache must survive cleanup")
	}
}

func TestSyncReplaysQueue(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(map[string]string{"https://example.com/api/submit": "ok"})
	sc := newScope(n)

	bg, err := plugin.Build(sc, bgsync.Name, map[string]any{"queue": "worker-test"})
	if err != nil {
		t.Fatalf("build bgsync: %v", err)
	}
	q, _ := bgsync.Lookup("worker-test")
	t.Cleanup(q.Close)

	w, err := New(sc, Options{
		RuntimeCaching: []RuntimeCaching{{
			Matcher: regexp.MustCompile(`/api/`),
			Method:  http.MethodPost,
			Handler: strategy.NewNetworkOnly(sc, strategy.Options{Plugins: []plugin.Plugin{bg}}),
		}},
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	n.setOffline(true)
	req, _ := http.NewRequest(http.MethodPost, "https://example.com/api/submit", strings.NewReader("form"))
	if _, err := w.HandleFetch(ctx, req); err == nil {
		t.Fatalf("offline post should fail")
	}
	_ = w.Drain(ctx)
	if size, _ := q.Size(ctx); size != 1 {
		t.Fatalf("failed request should be queued, size=%d", size)
	}

	if err := w.Sync(ctx, "unknown"); !errors.Is(err, ErrUnknownSyncTag) {
		t.Fatalf("expected ErrUnknownSyncTag, got %v", err)
	}
	n.setOffline(false)
	if err := w.Sync(ctx, bgsync.SyncTag("worker-test")); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if size, _ := q.Size(ctx); size != 0 {
		t.Fatalf("queue should be drained, size=%d", size)
	}
	if n.count("https://example.com/api/submit") != 1 {
		t.Fatalf("request should be replayed once")
	}
}
