package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/any-hub/cachekit/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestFetcherStripsHopByHopHeaders(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, upstream.URL+"/asset.css", nil)
	req.Header.Set("Proxy-Authorization", "secret")
	req.Header.Set("X-Trace", "abc")

	resp, err := NewFetcher(upstream.Client())(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	resp.Body.Close()

	if got.Get("Proxy-Authorization") != "" {
		t.Fatalf("hop-by-hop header forwarded")
	}
	if got.Get("X-Trace") != "abc" {
		t.Fatalf("expected end-to-end header forwarded, got %v", got)
	}
	if req.Header.Get("Proxy-Authorization") != "secret" {
		t.Fatalf("original request must not be mutated")
	}
}
