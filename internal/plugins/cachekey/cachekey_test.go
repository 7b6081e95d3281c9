package cachekey

import (
	"context"
	"net/http"
	"testing"

	"github.com/any-hub/cachekit/internal/plugin"
)

func TestCacheKeyStripsTrackingParams(t *testing.T) {
	p, err := New(Options{})
	if err != nil {
		t.Fatalf("new error: %v", err)
	}
	cases := map[string]string{
		"https://example.com/a?utm_source=x&id=1&fbclid=abc": "https://example.com/a?id=1",
		"https://example.com/a?id=1":                          "https://example.com/a?id=1",
		"https://example.com/a?utm_medium=y":                  "https://example.com/a",
	}
	for in, want := range cases {
		req, _ := http.NewRequest(http.MethodGet, in, nil)
		got, err := p.CacheKeyWillBeUsed(context.Background(), plugin.CacheKeyParams{Request: req, Mode: plugin.ModeRead})
		if err != nil {
			t.Fatalf("hook error: %v", err)
		}
		if got.URL.String() != want {
			t.Fatalf("%s: got %s want %s", in, got.URL, want)
		}
	}
}

func TestCacheKeyCustomPatterns(t *testing.T) {
	if _, err := New(Options{IgnoreParams: []string{"("}}); err == nil {
		t.Fatalf("invalid pattern should fail")
	}
	p, err := plugin.Build(nil, Name, map[string]any{"ignore_params": "^v$,^t$"})
	if err != nil {
		t.Fatalf("build error: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/a?v=1&t=2&utm_source=x", nil)
	got, err := p.CacheKeyWillBeUsed(context.Background(), plugin.CacheKeyParams{Request: req})
	if err != nil {
		t.Fatalf("hook error: %v", err)
	}
	if got.URL.String() != "https://example.com/a?utm_source=x" {
		t.Fatalf("unexpected key %s", got.URL)
	}
}
