package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Response 将 Record 还原为可直接返回给调用方的 http.Response，每次调用都拥有独立 Body。
func (r *Record) Response(req *http.Request) *http.Response {
	resp := NewResponse(r.Status, r.Header, r.Body)
	resp.Request = req
	return resp
}

// NewResponse 构造一个 Body 为内存字节的响应。
func NewResponse(status int, header http.Header, body []byte) *http.Response {
	if header == nil {
		header = http.Header{}
	} else {
		header = header.Clone()
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// ReadBody 读取并关闭 resp.Body，随后用内存副本替换，保证 resp 仍可被消费。
func ReadBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	return data, nil
}

// CloneResponse 返回 resp 的副本。响应体只能读取一次，因此会先缓冲再分别挂到两个响应上。
func CloneResponse(resp *http.Response) (*http.Response, error) {
	if resp == nil {
		return nil, nil
	}
	data, err := ReadBody(resp)
	if err != nil {
		return nil, err
	}
	cloned := *resp
	cloned.Header = resp.Header.Clone()
	cloned.Body = io.NopCloser(bytes.NewReader(data))
	cloned.ContentLength = int64(len(data))
	return &cloned, nil
}

// CloneRequest 复制请求（包括可重放的 Body），供插件在不影响原请求的前提下改写。
func CloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	if req == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = req.Context()
	}
	cloned := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return cloned, nil
	}
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		cloned.Body = body
		return cloned, nil
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	getBody := func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Body, _ = getBody()
	req.GetBody = getBody
	cloned.Body, _ = getBody()
	cloned.GetBody = getBody
	return cloned, nil
}

// RequestForURL 以 GET 方式构造指向 rawURL 的请求，并复制 headers。
func RequestForURL(ctx context.Context, rawURL string, headers http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if headers != nil {
		req.Header = headers.Clone()
	}
	return req, nil
}

// StripQuery 返回去掉查询串与片段后的 URL。
func StripQuery(raw string) string {
	if idx := strings.IndexAny(raw, "?#"); idx >= 0 {
		return raw[:idx]
	}
	return raw
}

// StripParams 删除 rawURL 中列出的查询参数，其余参数保持原顺序。
func StripParams(rawURL string, params ...string) string {
	drop := make(map[string]struct{}, len(params))
	for _, p := range params {
		drop[p] = struct{}{}
	}
	return stripParamsFunc(rawURL, func(name string) bool {
		_, ok := drop[name]
		return ok
	})
}

// StripParamsMatching 删除名称匹配任一正则的查询参数。
func StripParamsMatching(rawURL string, patterns []*regexp.Regexp) string {
	if len(patterns) == 0 {
		return rawURL
	}
	return stripParamsFunc(rawURL, func(name string) bool {
		for _, re := range patterns {
			if re.MatchString(name) {
				return true
			}
		}
		return false
	})
}

func stripParamsFunc(rawURL string, drop func(name string) bool) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.RawQuery == "" {
		return rawURL
	}
	parts := strings.Split(parsed.RawQuery, "&")
	kept := parts[:0]
	for _, part := range parts {
		name := part
		if idx := strings.Index(part, "="); idx >= 0 {
			name = part[:idx]
		}
		if unescaped, err := url.QueryUnescape(name); err == nil {
			name = unescaped
		}
		if drop(name) {
			continue
		}
		kept = append(kept, part)
	}
	parsed.RawQuery = strings.Join(kept, "&")
	return parsed.String()
}
