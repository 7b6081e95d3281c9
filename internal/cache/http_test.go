package cache

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestCloneResponseKeepsBothBodies(t *testing.T) {
	resp := NewResponse(200, http.Header{"X-Test": []string{"1"}}, []byte("body"))
	cloned, err := CloneResponse(resp)
	if err != nil {
		t.Fatalf("clone error: %v", err)
	}
	if readAll(t, resp) != "body" || readAll(t, cloned) != "body" {
		t.Fatalf("both responses should carry the body")
	}
	cloned.Header.Set("X-Test", "2")
	if resp.Header.Get("X-Test") != "1" {
		t.Fatalf("headers should be independent")
	}
}

func TestCloneRequestReplaysBody(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "https://example.com/api", io.NopCloser(strings.NewReader("data")))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.GetBody = nil
	cloned, err := CloneRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("clone error: %v", err)
	}
	for _, r := range []*http.Request{req, cloned} {
		data, _ := io.ReadAll(r.Body)
		if string(data) != "data" {
			t.Fatalf("body should be replayable, got %q", data)
		}
	}
}

func TestStripParams(t *testing.T) {
	cases := []struct {
		in     string
		params []string
		want   string
	}{
		{"https://example.com/a?utm_source=x&id=1", []string{"utm_source"}, "https://example.com/a?id=1"},
		{"https://example.com/a", []string{"id"}, "https://example.com/a"},
		{"https://example.com/a?id=1", []string{"id"}, "https://example.com/a"},
	}
	for _, tc := range cases {
		if got := StripParams(tc.in, tc.params...); got != tc.want {
			t.Fatalf("StripParams(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestStripQuery(t *testing.T) {
	if got := StripQuery("https://example.com/a?b=1#c"); got != "https://example.com/a" {
		t.Fatalf("unexpected %s", got)
	}
}
