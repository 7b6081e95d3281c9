package strategy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/scope"
)

func TestHandlerFetchRunsHooksInOrder(t *testing.T) {
	network := newFakeNetwork()
	network.set("https://example.com/a", http.StatusOK, "net")
	sc := newTestScope(t, network)

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	plugins := []plugin.Plugin{
		{
			Name: "first",
			RequestWillFetch: func(ctx context.Context, p plugin.RequestParams) (*http.Request, error) {
				record("first.requestWillFetch")
				p.Request.Header.Set("X-First", "1")
				return p.Request, nil
			},
			FetchDidSucceed: func(ctx context.Context, p plugin.FetchParams) (*http.Response, error) {
				record("first.fetchDidSucceed")
				p.Response.Header.Set("X-Seen", "first")
				return p.Response, nil
			},
		},
		{
			Name: "second",
			RequestWillFetch: func(ctx context.Context, p plugin.RequestParams) (*http.Request, error) {
				record("second.requestWillFetch")
				if p.Request.Header.Get("X-First") != "1" {
					t.Errorf("second hook should see first hook output")
				}
				return p.Request, nil
			},
			FetchDidSucceed: func(ctx context.Context, p plugin.FetchParams) (*http.Response, error) {
				record("second.fetchDidSucceed")
				if p.Response.Header.Get("X-Seen") != "first" {
					t.Errorf("second hook should see first hook response")
				}
				return p.Response, nil
			},
		},
	}
	s := NewNetworkOnly(sc, Options{Plugins: plugins, FetchOptions: FetchOptions{Header: http.Header{"X-Fetch": []string{"yes"}}}})
	req := getRequest(t, "https://example.com/a")
	h := NewHandler(context.Background(), s, HandleOptions{Request: req})

	resp, err := h.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if bodyOf(t, resp) != "net" {
		t.Fatalf("unexpected body")
	}
	want := []string{"first.requestWillFetch", "second.requestWillFetch", "first.fetchDidSucceed", "second.fetchDidSucceed"}
	if len(order) != len(want) {
		t.Fatalf("unexpected hook order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected hook order %v", order)
		}
	}
	sent := network.lastRequest()
	if sent.Header.Get("X-Fetch") != "yes" || sent.Header.Get("X-First") != "1" {
		t.Fatalf("fetch options and hook changes should reach the network: %v", sent.Header)
	}
	if req.Header.Get("X-First") != "" {
		t.Fatalf("caller request must not be mutated")
	}
	if h.Phase() != PhaseSucceeded {
		t.Fatalf("unexpected phase %s", h.Phase())
	}
}

func TestHandlerFetchFailure(t *testing.T) {
	network := newFakeNetwork()
	network.failWith("https://example.com/a", errors.New("offline"))
	sc := newTestScope(t, network)

	var failed atomic.Bool
	s := NewNetworkOnly(sc, Options{Plugins: []plugin.Plugin{{
		FetchDidFail: func(ctx context.Context, p plugin.FetchFailParams) error {
			failed.Store(p.OriginalRequest != nil && p.Error != nil)
			return errors.New("hook errors are only logged")
		},
	}}})
	req := getRequest(t, "https://example.com/a")
	h := NewHandler(context.Background(), s, HandleOptions{Request: req})

	_, err := h.Fetch(context.Background(), req)
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if !failed.Load() {
		t.Fatalf("fetchDidFail should receive original request and error")
	}
	if h.Phase() != PhaseFailed {
		t.Fatalf("unexpected phase %s", h.Phase())
	}
}

func TestHandlerFetchCancelled(t *testing.T) {
	network := newFakeNetwork()
	network.delay = time.Second
	sc := newTestScope(t, network)
	s := NewNetworkOnly(sc, Options{})
	req := getRequest(t, "https://example.com/a")
	h := NewHandler(context.Background(), s, HandleOptions{Request: req})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Fetch(ctx, req)
	var netErr *NetworkError
	if !errors.As(err, &netErr) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected NetworkError wrapping context.Canceled, got %v", err)
	}
}

func TestHandlerFetchWithTimeout(t *testing.T) {
	network := newFakeNetwork()
	network.set("https://example.com/slow", http.StatusOK, "late")
	network.delay = 100 * time.Millisecond
	sc := newTestScope(t, network)
	s := NewNetworkOnly(sc, Options{})
	req := getRequest(t, "https://example.com/slow")
	h := NewHandler(context.Background(), s, HandleOptions{Request: req})

	_, err := h.FetchWithTimeout(context.Background(), req, 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestHandlerCacheKeyMemoized(t *testing.T) {
	sc := newTestScope(t, newFakeNetwork())
	var calls atomic.Int32
	s := NewCacheOnly(sc, Options{Plugins: []plugin.Plugin{{
		CacheKeyWillBeUsed: func(ctx context.Context, p plugin.CacheKeyParams) (*http.Request, error) {
			calls.Add(1)
			return cache.RequestForURL(ctx, cache.StripParams(p.Request.URL.String(), "v"), nil)
		},
	}}})
	req := getRequest(t, "https://example.com/a?v=1")
	h := NewHandler(context.Background(), s, HandleOptions{Request: req})

	for i := 0; i < 3; i++ {
		key, err := h.CacheKey(context.Background(), req, plugin.ModeRead)
		if err != nil {
			t.Fatalf("cache key error: %v", err)
		}
		if key.URL.String() != "https://example.com/a" {
			t.Fatalf("unexpected key %s", key.URL)
		}
	}
	if _, err := h.CacheKey(context.Background(), req, plugin.ModeWrite); err != nil {
		t.Fatalf("cache key error: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one call per mode, got %d", calls.Load())
	}
}

func TestHandlerCachePutRules(t *testing.T) {
	sc := newTestScope(t, newFakeNetwork())
	s := NewCacheFirst(sc, Options{})
	ctx := context.Background()
	req := getRequest(t, "https://example.com/a")
	h := NewHandler(ctx, s, HandleOptions{Request: req})

	post, _ := http.NewRequest(http.MethodPost, "https://example.com/a", nil)
	if _, err := h.CachePut(ctx, post, cache.NewResponse(http.StatusOK, nil, nil)); !errors.Is(err, ErrNonGetRequest) {
		t.Fatalf("expected ErrNonGetRequest, got %v", err)
	}

	stored, err := h.CachePut(ctx, req, cache.NewResponse(http.StatusNotFound, nil, []byte("missing")))
	if err != nil || stored {
		t.Fatalf("non-200 responses should be skipped by default: stored=%v err=%v", stored, err)
	}
	stored, err = h.CachePut(ctx, req, cache.NewResponse(http.StatusOK, nil, []byte("ok")))
	if err != nil || !stored {
		t.Fatalf("200 responses should be stored: stored=%v err=%v", stored, err)
	}
	if body, ok := cachedBody(t, sc, s.CacheName, "https://example.com/a"); !ok || body != "ok" {
		t.Fatalf("unexpected cached body %q", body)
	}
}

func TestHandlerCacheWillUpdateVeto(t *testing.T) {
	sc := newTestScope(t, newFakeNetwork())
	s := NewCacheFirst(sc, Options{Plugins: []plugin.Plugin{{
		CacheWillUpdate: func(ctx context.Context, p plugin.ResponseParams) (*http.Response, error) {
			if p.Response.Header.Get("X-No-Store") != "" {
				return nil, nil
			}
			return p.Response, nil
		},
	}}})
	ctx := context.Background()
	req := getRequest(t, "https://example.com/a")
	h := NewHandler(ctx, s, HandleOptions{Request: req})

	stored, err := h.CachePut(ctx, req, cache.NewResponse(http.StatusOK, http.Header{"X-No-Store": []string{"1"}}, nil))
	if err != nil || stored {
		t.Fatalf("plugin veto should skip the write")
	}
	stored, err = h.CachePut(ctx, req, cache.NewResponse(http.StatusNotFound, nil, nil))
	if err != nil || !stored {
		t.Fatalf("custom cacheWillUpdate replaces the default 200 rule: stored=%v err=%v", stored, err)
	}
}

func TestHandlerCacheDidUpdateSeesOldResponse(t *testing.T) {
	sc := newTestScope(t, newFakeNetwork())
	cacheName := sc.CacheNames.RuntimeName("")
	seed(t, sc, cacheName, "https://example.com/a?__WB_REVISION__=1", "old")

	var oldBody, newBody string
	s := NewCacheFirst(sc, Options{Plugins: []plugin.Plugin{{
		CacheDidUpdate: func(ctx context.Context, p plugin.CacheUpdateParams) error {
			if p.OldResponse != nil {
				oldBody = bodyOf(t, p.OldResponse)
			}
			newBody = bodyOf(t, p.NewResponse)
			return nil
		},
	}}})
	ctx := context.Background()
	req := getRequest(t, "https://example.com/a?__WB_REVISION__=2")
	h := NewHandler(ctx, s, HandleOptions{Request: req})

	if _, err := h.CachePut(ctx, req, cache.NewResponse(http.StatusOK, nil, []byte("new"))); err != nil {
		t.Fatalf("cache put error: %v", err)
	}
	if oldBody != "old" || newBody != "new" {
		t.Fatalf("unexpected bodies old=%q new=%q", oldBody, newBody)
	}
}

func TestHandlerCachePutQuotaRunsCallbacks(t *testing.T) {
	network := newFakeNetwork()
	sc := newTestScope(t, network)
	sc.Caches = cache.NewStorage(cache.NewMemoryBackend(cache.MemoryOptions{MaxBytes: 8}))

	var called atomic.Bool
	cache.RegisterQuotaErrorCallback(func(ctx context.Context) error {
		called.Store(true)
		return nil
	})

	s := NewCacheFirst(sc, Options{})
	ctx := context.Background()
	req := getRequest(t, "https://example.com/large")
	h := NewHandler(ctx, s, HandleOptions{Request: req})
	_, err := h.CachePut(ctx, req, cache.NewResponse(http.StatusOK, nil, []byte("way too large for quota")))
	if !errors.Is(err, cache.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if !called.Load() {
		t.Fatalf("quota callbacks should run")
	}
}

func TestHandlerCacheMatchPluginMiss(t *testing.T) {
	sc := newTestScope(t, newFakeNetwork())
	cacheName := sc.CacheNames.RuntimeName("")
	seed(t, sc, cacheName, "https://example.com/a", "cached")

	s := NewCacheOnly(sc, Options{Plugins: []plugin.Plugin{{
		CachedResponseWillBeUsed: func(ctx context.Context, p plugin.CachedResponseParams) (*http.Response, error) {
			if p.CacheName != cacheName {
				t.Errorf("unexpected cache name %s", p.CacheName)
			}
			return nil, nil
		},
	}}})
	req := getRequest(t, "https://example.com/a")
	h := NewHandler(context.Background(), s, HandleOptions{Request: req})
	resp, err := h.CacheMatch(context.Background(), req)
	if err != nil || resp != nil {
		t.Fatalf("plugin returning nil should turn the hit into a miss: resp=%v err=%v", resp, err)
	}
}

func TestHandlerWaitUntilTrackedByEvent(t *testing.T) {
	sc := newTestScope(t, newFakeNetwork())
	s := NewCacheOnly(sc, Options{})
	ev := scope.NewEvent(scope.EventFetch, getRequest(t, "https://example.com/a"), nil)
	h := NewHandler(context.Background(), s, HandleOptions{Event: ev})

	release := make(chan struct{})
	h.WaitUntil(func(context.Context) error {
		<-release
		return nil
	})
	if ev.Pending() != 1 || h.PendingTasks() != 1 {
		t.Fatalf("task should be tracked by handler and event")
	}
	close(release)
	if err := h.DoneWaiting(context.Background()); err != nil {
		t.Fatalf("done waiting error: %v", err)
	}
	if err := ev.Wait(context.Background()); err != nil {
		t.Fatalf("event wait error: %v", err)
	}
	if h.Request() == nil {
		t.Fatalf("request should default to the event request")
	}
}

func TestVerifyIntegrity(t *testing.T) {
	body := []byte("alert('Hello, world.');")
	// sha256 of body
	good := "sha256-qznLcsROx4GACP2dm0UCKCzCG+HiZ1guq6ZZDob/Tng="
	if err := VerifyIntegrity(body, good); err != nil {
		t.Fatalf("expected integrity to match: %v", err)
	}
	if err := VerifyIntegrity(body, "sha256-AAAA"); !errors.Is(err, ErrIntegrityMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := VerifyIntegrity(body, "md5-whatever"); err != nil {
		t.Fatalf("unknown algorithms are ignored: %v", err)
	}
}
