package precache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"testing"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/router"
	"github.com/any-hub/cachekit/internal/scope"
	"github.com/any-hub/cachekit/internal/strategy"
)

type countingNetwork struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  map[string]int
}

func newCountingNetwork(bodies map[string]string) *countingNetwork {
	return &countingNetwork{bodies: bodies, calls: make(map[string]int)}
}

func (n *countingNetwork) fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := req.URL.String()
	n.calls[key]++
	body, ok := n.bodies[key]
	if !ok {
		return cache.NewResponse(http.StatusNotFound, nil, nil), nil
	}
	return cache.NewResponse(http.StatusOK, nil, []byte(body)), nil
}

func (n *countingNetwork) total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func newScope(t *testing.T, network *countingNetwork, storage cache.Storage) *scope.Scope {
	t.Helper()
	origin, _ := url.Parse("https://example.com")
	if storage == nil {
		storage = cache.NewStorage(cache.NewMemoryBackend(cache.MemoryOptions{}))
	}
	return &scope.Scope{
		Origin:     origin,
		Fetch:      network.fetch,
		Caches:     storage,
		CacheNames: cache.Names{Prefix: "app", Precache: cache.DefaultPrecache, Runtime: cache.DefaultRuntime},
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	if resp == nil {
		t.Fatalf("nil response")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	return string(data)
}

func TestParseManifest(t *testing.T) {
	entries, err := ParseManifest([]byte(`["/hashed.abc.js", {"url": "/index.html", "revision": "r1", "integrity": "sha256-x"}]`))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(entries) != 2 || entries[0].URL != "/hashed.abc.js" || entries[1].Revision != "r1" || entries[1].Integrity != "sha256-x" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if _, err := ParseManifest([]byte(`[{"revision": "r1"}]`)); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestCreateCacheKey(t *testing.T) {
	base, _ := url.Parse("https://example.com/")
	cases := []struct {
		entry    Entry
		cacheKey string
		url      string
	}{
		{Entry{URL: "/a.js"}, "https://example.com/a.js", "https://example.com/a.js"},
		{Entry{URL: "/a.js", Revision: "1"}, "https://example.com/a.js?__WB_REVISION__=1", "https://example.com/a.js"},
		{Entry{URL: "/a.js?v=2#x", Revision: "r 1"}, "https://example.com/a.js?v=2&__WB_REVISION__=r+1", "https://example.com/a.js?v=2"},
	}
	for _, tc := range cases {
		got, err := CreateCacheKey(tc.entry, base)
		if err != nil {
			t.Fatalf("create cache key error: %v", err)
		}
		if got.CacheKey != tc.cacheKey || got.URL != tc.url {
			t.Fatalf("CreateCacheKey(%+v) = %+v", tc.entry, got)
		}
	}
	if _, err := CreateCacheKey(Entry{}, base); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestAddToCacheListLastRegistrationWins(t *testing.T) {
	network := newCountingNetwork(nil)
	c := NewController(newScope(t, network, nil), Options{})
	if err := c.AddToCacheList([]Entry{{URL: "/a.js", Revision: "1"}, {URL: "/b.js"}}); err != nil {
		t.Fatalf("add error: %v", err)
	}
	if err := c.AddToCacheList([]Entry{{URL: "/a.js", Revision: "2"}}); err != nil {
		t.Fatalf("add error: %v", err)
	}
	if got := c.GetCacheKeyForURL("/a.js"); got != "https://example.com/a.js?__WB_REVISION__=2" {
		t.Fatalf("unexpected cache key %s", got)
	}
	urls := c.GetCachedURLs()
	if len(urls) != 2 || urls[0] != "https://example.com/a.js" {
		t.Fatalf("unexpected urls %v", urls)
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	network := newCountingNetwork(map[string]string{
		"https://example.com/a.js":      "a",
		"https://example.com/index.html": "index",
	})
	c := NewController(newScope(t, network, nil), Options{})
	if err := c.AddToCacheList([]Entry{{URL: "/a.js", Revision: "1"}, {URL: "/index.html", Revision: "1"}}); err != nil {
		t.Fatalf("add error: %v", err)
	}

	result, err := c.Install(context.Background(), nil)
	if err != nil {
		t.Fatalf("install error: %v", err)
	}
	if len(result.UpdatedURLs) != 2 || network.total() != 2 {
		t.Fatalf("first install should fetch both entries: %+v calls=%d", result, network.total())
	}

	result, err = c.Install(context.Background(), nil)
	if err != nil {
		t.Fatalf("second install error: %v", err)
	}
	if len(result.UpdatedURLs) != 0 || len(result.NotUpdatedURLs) != 2 || network.total() != 2 {
		t.Fatalf("second install should not fetch: %+v calls=%d", result, network.total())
	}

	resp, err := c.MatchPrecache(context.Background(), "/a.js")
	if err != nil || readBody(t, resp) != "a" {
		t.Fatalf("precached entry should be readable: %v", err)
	}
}

func TestInstallUpgradeAndActivate(t *testing.T) {
	network := newCountingNetwork(map[string]string{"https://example.com/app.js": "v1"})
	storage := cache.NewStorage(cache.NewMemoryBackend(cache.MemoryOptions{}))

	v1 := NewController(newScope(t, network, storage), Options{})
	_ = v1.AddToCacheList([]Entry{{URL: "/app.js", Revision: "1"}})
	if _, err := v1.Install(context.Background(), nil); err != nil {
		t.Fatalf("v1 install error: %v", err)
	}

	network.mu.Lock()
	network.bodies["https://example.com/app.js"] = "v2"
	network.mu.Unlock()

	v2 := NewController(newScope(t, network, storage), Options{})
	_ = v2.AddToCacheList([]Entry{{URL: "/app.js", Revision: "2"}})
	if _, err := v2.Install(context.Background(), nil); err != nil {
		t.Fatalf("v2 install error: %v", err)
	}
	if network.total() != 2 {
		t.Fatalf("upgrade should fetch exactly once more, calls=%d", network.total())
	}

	cleanup, err := v2.Activate(context.Background())
	if err != nil {
		t.Fatalf("activate error: %v", err)
	}
	if len(cleanup.DeletedCacheRequests) != 1 || cleanup.DeletedCacheRequests[0] != "https://example.com/app.js?__WB_REVISION__=1" {
		t.Fatalf("unexpected cleanup %+v", cleanup)
	}
	resp, err := v2.MatchPrecache(context.Background(), "/app.js")
	if err != nil || readBody(t, resp) != "v2" {
		t.Fatalf("v2 entry should be served: %v", err)
	}
}

func TestInstallFailsOnBadResponse(t *testing.T) {
	network := newCountingNetwork(nil)
	c := NewController(newScope(t, network, nil), Options{})
	_ = c.AddToCacheList([]Entry{{URL: "/missing.js", Revision: "1"}})
	if _, err := c.Install(context.Background(), nil); !errors.Is(err, strategy.ErrBadPrecacheResponse) {
		t.Fatalf("expected ErrBadPrecacheResponse, got %v", err)
	}
}

func TestGenerateURLVariations(t *testing.T) {
	u, _ := url.Parse("https://example.com/docs/?utm_source=x&id=1#top")
	got := GenerateURLVariations(u, DefaultRouteOptions())
	want := []string{
		"https://example.com/docs/?utm_source=x&id=1",
		"https://example.com/docs/?id=1",
		"https://example.com/docs/index.html?id=1",
		"https://example.com/docs/.html?id=1",
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected variations %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("variation %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPrecacheRoute(t *testing.T) {
	network := newCountingNetwork(map[string]string{
		"https://example.com/index.html": "home",
		"https://example.com/about.html": "about",
	})
	sc := newScope(t, network, nil)
	c := NewController(sc, Options{})
	_ = c.AddToCacheList([]Entry{{URL: "/index.html", Revision: "1"}, {URL: "/about.html", Revision: "1"}})
	if _, err := c.Install(context.Background(), nil); err != nil {
		t.Fatalf("install error: %v", err)
	}

	r := router.New(sc)
	r.RegisterRoute(NewPrecacheRoute(c, DefaultRouteOptions()))

	cases := map[string]string{
		"https://example.com/":                   "home",
		"https://example.com/about":              "about",
		"https://example.com/about.html?fbclid=1": "about",
	}
	for rawURL, want := range cases {
		req, _ := http.NewRequest(http.MethodGet, rawURL, nil)
		resp, err := r.HandleRequest(context.Background(), scope.NewEvent(scope.EventFetch, req, nil))
		if err != nil {
			t.Fatalf("%s: handle error: %v", rawURL, err)
		}
		if body := readBody(t, resp); body != want {
			t.Fatalf("%s: got %q want %q", rawURL, body, want)
		}
	}
	if network.total() != 2 {
		t.Fatalf("precache route must not hit the network, calls=%d", network.total())
	}

	req, _ := http.NewRequest(http.MethodGet, "https://example.com/other", nil)
	if _, err := r.HandleRequest(context.Background(), scope.NewEvent(scope.EventFetch, req, nil)); !errors.Is(err, router.ErrNotHandled) {
		t.Fatalf("unknown url should not match, got %v", err)
	}
}

func TestCreateHandlerBoundToURLAndFallback(t *testing.T) {
	network := newCountingNetwork(map[string]string{"https://example.com/offline.html": "offline"})
	sc := newScope(t, network, nil)
	c := NewController(sc, Options{})
	_ = c.AddToCacheList([]Entry{{URL: "/offline.html", Revision: "1"}})
	if _, err := c.Install(context.Background(), nil); err != nil {
		t.Fatalf("install error: %v", err)
	}

	if _, err := c.CreateHandlerBoundToURL("/nope.html"); !errors.Is(err, ErrNonPrecachedURL) {
		t.Fatalf("expected ErrNonPrecachedURL, got %v", err)
	}
	handler, err := c.CreateHandlerBoundToURL("/offline.html")
	if err != nil {
		t.Fatalf("bind handler error: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/any/page", nil)
	resp, err := handler.Handle(context.Background(), strategy.HandleOptions{Request: req})
	if err != nil || readBody(t, resp) != "offline" {
		t.Fatalf("bound handler should serve the precached url: %v", err)
	}

	fallback := FallbackPlugin(c, []FallbackEntry{
		{URL: "/missing.png", Matcher: func(r *http.Request) bool { return false }},
		{URL: "/offline.html"},
	})
	offline := *sc
	offline.Fetch = func(context.Context, *http.Request) (*http.Response, error) {
		return nil, errors.New("offline")
	}
	runtime := strategy.NewNetworkOnly(&offline, strategy.Options{Plugins: []plugin.Plugin{fallback}})
	broken, _ := http.NewRequest(http.MethodGet, "https://example.com/broken", nil)
	resp, err = runtime.Handle(context.Background(), strategy.HandleOptions{Request: broken})
	if err != nil || readBody(t, resp) != "offline" {
		t.Fatalf("fallback plugin should serve offline page: %v", err)
	}
}

func TestCleanupOutdatedCaches(t *testing.T) {
	storage := cache.NewStorage(cache.NewMemoryBackend(cache.MemoryOptions{}))
	ctx := context.Background()
	names := cache.Names{Prefix: "app", Suffix: "scope-a", Precache: cache.DefaultPrecache, Runtime: cache.DefaultRuntime}
	for _, name := range []string{"app-precache-v1-scope-a", names.PrecacheName(""), "app-precache-v1-scope-b", "app-runtime-scope-a"} {
		if _, err := storage.Open(ctx, name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}
	deleted, err := CleanupOutdatedCaches(ctx, storage, names)
	if err != nil {
		t.Fatalf("cleanup error: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "app-precache-v1-scope-a" {
		t.Fatalf("unexpected deleted caches %v", deleted)
	}
	remaining, _ := storage.Keys(ctx)
	if len(remaining) != 3 {
		t.Fatalf("unexpected remaining caches %v", remaining)
	}
}

func TestCleanupOutdatedCachesKeepsOtherPrefixes(t *testing.T) {
	storage := cache.NewStorage(cache.NewMemoryBackend(cache.MemoryOptions{}))
	ctx := context.Background()
	names := cache.Names{Prefix: "app", Precache: cache.DefaultPrecache, Runtime: cache.DefaultRuntime}
	for _, name := range []string{"app-precache-v1", "other-app-precache-v1", "vendor-precache-v2"} {
		if _, err := storage.Open(ctx, name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}
	deleted, err := CleanupOutdatedCaches(ctx, storage, names)
	if err != nil {
		t.Fatalf("cleanup error: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "app-precache-v1" {
		t.Fatalf("caches under another prefix must survive, deleted %v", deleted)
	}
	for _, name := range []string{"other-app-precache-v1", "vendor-precache-v2"} {
		if ok, _ := storage.Has(ctx, name); !ok {
			t.Fatalf("%s should be kept", name)
		}
	}
}

func TestPrecacheRouteIgnoreParamsRegexp(t *testing.T) {
	opts := RouteOptions{IgnoreURLParametersMatching: []*regexp.Regexp{regexp.MustCompile(`^v$`)}}
	u, _ := url.Parse("https://example.com/a.js?v=3")
	got := GenerateURLVariations(u, opts)
	if len(got) != 2 || got[1] != "https://example.com/a.js" {
		t.Fatalf("unexpected variations %v", got)
	}
}
