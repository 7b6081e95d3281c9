package strategy

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/scope"
)

// fakeNetwork 按 URL 返回预设响应，并记录调用次数。
type fakeNetwork struct {
	mu     sync.Mutex
	status map[string]int
	bodies map[string]string
	fail   map[string]error
	delay  time.Duration
	calls  atomic.Int32
	seen   []*http.Request
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		status: make(map[string]int),
		bodies: make(map[string]string),
		fail:   make(map[string]error),
	}
}

func (n *fakeNetwork) set(rawURL string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status[rawURL] = status
	n.bodies[rawURL] = body
	delete(n.fail, rawURL)
}

func (n *fakeNetwork) failWith(rawURL string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail[rawURL] = err
}

func (n *fakeNetwork) fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	n.mu.Lock()
	n.seen = append(n.seen, req)
	delay := n.delay
	n.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	key := req.URL.String()
	if err, ok := n.fail[key]; ok {
		return nil, err
	}
	status, ok := n.status[key]
	if !ok {
		status = http.StatusNotFound
	}
	return cache.NewResponse(status, http.Header{"Content-Type": []string{"text/plain"}}, []byte(n.bodies[key])), nil
}

func (n *fakeNetwork) lastRequest() *http.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.seen) == 0 {
		return nil
	}
	return n.seen[len(n.seen)-1]
}

func newTestScope(t *testing.T, network *fakeNetwork) *scope.Scope {
	t.Helper()
	origin, _ := url.Parse("https://example.com")
	return &scope.Scope{
		Origin:     origin,
		Fetch:      network.fetch,
		Caches:     cache.NewStorage(cache.NewMemoryBackend(cache.MemoryOptions{})),
		CacheNames: cache.Names{Prefix: "test", Precache: cache.DefaultPrecache, Runtime: cache.DefaultRuntime},
	}
}

func getRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func bodyOf(t *testing.T, resp *http.Response) string {
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

func seed(t *testing.T, sc *scope.Scope, cacheName, rawURL, body string) {
	t.Helper()
	c, err := sc.Caches.Open(context.Background(), cacheName)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if err := c.Put(context.Background(), getRequest(t, rawURL), cache.NewResponse(http.StatusOK, nil, []byte(body))); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
}

func cachedBody(t *testing.T, sc *scope.Scope, cacheName, rawURL string) (string, bool) {
	t.Helper()
	resp, err := sc.Caches.Match(context.Background(), getRequest(t, rawURL), cache.MatchOptions{CacheName: cacheName})
	if err != nil {
		return "", false
	}
	return bodyOf(t, resp), true
}

// handle 运行策略并等待完成阶段结束。
func handle(t *testing.T, s *Strategy, ev *scope.Event, req *http.Request) (*http.Response, error) {
	t.Helper()
	resp, done, err := s.HandleAll(context.Background(), HandleOptions{Event: ev, Request: req})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("completion phase did not finish")
	}
	return resp, err
}
