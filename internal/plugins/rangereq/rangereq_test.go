package rangereq

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/plugin"
)

func rangeRequest(value string) *http.Request {
	req, _ := http.NewRequest(http.MethodGet, "https://a.test/video", nil)
	if value != "" {
		req.Header.Set("Range", value)
	}
	return req
}

func TestCreatePartialResponse(t *testing.T) {
	cases := []struct {
		rangeHeader  string
		status       int
		body         string
		contentRange string
	}{
		{"bytes=0-3", http.StatusPartialContent, "0123", "bytes 0-3/10"},
		{"bytes=5-", http.StatusPartialContent, "56789", "bytes 5-9/10"},
		{"bytes=-3", http.StatusPartialContent, "789", "bytes 7-9/10"},
		{"bytes=8-9", http.StatusPartialContent, "89", "bytes 8-9/10"},
		{"bytes=10-", http.StatusRequestedRangeNotSatisfiable, "", "bytes */10"},
		{"bytes=0-20", http.StatusRequestedRangeNotSatisfiable, "", "bytes */10"},
		{"bytes=0-1,3-4", http.StatusRequestedRangeNotSatisfiable, "", ""},
		{"items=0-1", http.StatusRequestedRangeNotSatisfiable, "", ""},
		{"bytes=-", http.StatusRequestedRangeNotSatisfiable, "", ""},
		{"", http.StatusRequestedRangeNotSatisfiable, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.rangeHeader, func(t *testing.T) {
			full := cache.NewResponse(http.StatusOK, http.Header{"Content-Type": {"video/mp4"}}, []byte("0123456789"))
			resp, err := CreatePartialResponse(rangeRequest(tc.rangeHeader), full)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d want %d", resp.StatusCode, tc.status)
			}
			if got := resp.Header.Get("Content-Range"); got != tc.contentRange {
				t.Fatalf("content-range = %q want %q", got, tc.contentRange)
			}
			data, _ := io.ReadAll(resp.Body)
			if string(data) != tc.body {
				t.Fatalf("body = %q want %q", data, tc.body)
			}
		})
	}
}

func TestPartialResponsePassesThrough(t *testing.T) {
	partial := cache.NewResponse(http.StatusPartialContent, nil, []byte("01"))
	resp, err := CreatePartialResponse(rangeRequest("bytes=0-1"), partial)
	if err != nil || resp != partial {
		t.Fatalf("206 response should pass through unchanged")
	}
}

func TestPluginOnlySlicesRangeRequests(t *testing.T) {
	p, err := plugin.Build(nil, Name, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	full := cache.NewResponse(http.StatusOK, nil, []byte("abcdef"))
	got, err := p.CachedResponseWillBeUsed(context.Background(), plugin.CachedResponseParams{Request: rangeRequest(""), CachedResponse: full})
	if err != nil || got != full {
		t.Fatalf("request without range should get the full response")
	}
	got, err = p.CachedResponseWillBeUsed(context.Background(), plugin.CachedResponseParams{Request: rangeRequest("bytes=1-2"), CachedResponse: full})
	if err != nil || got.StatusCode != http.StatusPartialContent {
		t.Fatalf("range request should get a partial response: %v", err)
	}
}
