// Package rangereq 从完整的缓存响应中切出 Range 请求所需的部分。
package rangereq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/any-hub/cachekit/internal/cache"
	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/scope"
)

// Name 是配置中引用该插件的名称。
const Name = "range-requests"

var (
	ErrNoRangeHeader    = errors.New("request has no range header")
	ErrUnitNotBytes     = errors.New("range unit must be bytes")
	ErrMultipleRanges   = errors.New("only a single range is supported")
	ErrInvalidRange     = errors.New("invalid range")
	ErrRangeUnsatisfied = errors.New("range not satisfiable")
)

type boundaries struct {
	start, end       int64
	hasStart, hasEnd bool
}

func parseRangeHeader(value string) (boundaries, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	spec, ok := strings.CutPrefix(normalized, "bytes=")
	if !ok {
		return boundaries{}, ErrUnitNotBytes
	}
	if strings.Contains(spec, ",") {
		return boundaries{}, ErrMultipleRanges
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok || (first == "" && last == "") {
		return boundaries{}, ErrInvalidRange
	}
	var b boundaries
	if first != "" {
		n, err := strconv.ParseInt(first, 10, 64)
		if err != nil || n < 0 {
			return boundaries{}, ErrInvalidRange
		}
		b.start, b.hasStart = n, true
	}
	if last != "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return boundaries{}, ErrInvalidRange
		}
		b.end, b.hasEnd = n, true
	}
	return b, nil
}

// effective 返回 [start, end) 区间。
func (b boundaries) effective(size int64) (int64, int64, error) {
	var start, end int64
	switch {
	case b.hasStart && b.hasEnd:
		if b.end < b.start {
			return 0, 0, ErrRangeUnsatisfied
		}
		start, end = b.start, min(b.end+1, size)
	case b.hasStart:
		start, end = b.start, size
	default:
		start, end = max(size-b.end, 0), size
	}
	if start >= size || b.hasEnd && b.hasStart && b.end > size {
		return 0, 0, ErrRangeUnsatisfied
	}
	return start, end, nil
}

// CreatePartialResponse 按 req 的 Range 头切分 resp。resp 已经是 206 时原样返回；
// Range 无法满足时返回 416 响应而不是错误。
func CreatePartialResponse(req *http.Request, resp *http.Response) (*http.Response, error) {
	if resp == nil {
		return nil, errors.New("partial response requires a response")
	}
	if resp.StatusCode == http.StatusPartialContent {
		return resp, nil
	}
	rangeHeader := req.Header.Get("Range")
	if rangeHeader == "" {
		return notSatisfiable(0), nil
	}
	b, err := parseRangeHeader(rangeHeader)
	if err != nil {
		return notSatisfiable(0), nil
	}
	body, err := cache.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("read cached body: %w", err)
	}
	size := int64(len(body))
	start, end, err := b.effective(size)
	if err != nil {
		return notSatisfiable(size), nil
	}

	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, size))
	header.Set("Content-Length", strconv.FormatInt(end-start, 10))
	partial := cache.NewResponse(http.StatusPartialContent, header, body[start:end])
	partial.Request = req
	return partial, nil
}

func notSatisfiable(size int64) *http.Response {
	header := http.Header{}
	if size > 0 {
		header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	}
	return cache.NewResponse(http.StatusRequestedRangeNotSatisfiable, header, nil)
}

// NewPlugin 返回在命中缓存且请求带 Range 头时切分响应的插件。
func NewPlugin() plugin.Plugin {
	return plugin.Plugin{
		Name: Name,
		CachedResponseWillBeUsed: func(ctx context.Context, p plugin.CachedResponseParams) (*http.Response, error) {
			if p.CachedResponse == nil || p.Request.Header.Get("Range") == "" {
				return p.CachedResponse, nil
			}
			return CreatePartialResponse(p.Request, p.CachedResponse)
		},
	}
}

func init() {
	plugin.MustRegister(Name, func(sc *scope.Scope, settings map[string]any) (plugin.Plugin, error) {
		return NewPlugin(), nil
	})
}
