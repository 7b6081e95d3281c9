// Package precache 管理构建期已知的资源清单：安装时按修订号写入 precache 缓存，
// 激活时清理不再需要的条目，并提供按 URL 变体匹配的路由。
package precache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// RevisionParam 是追加到缓存 key 上的修订号参数。
const RevisionParam = "__WB_REVISION__"

// ErrInvalidEntry 表示清单条目缺少 URL。
var ErrInvalidEntry = errors.New("invalid precache entry")

// Entry 是清单中的一项。纯字符串条目视为 URL 中已包含版本信息，不追加修订号。
type Entry struct {
	URL       string `json:"url"`
	Revision  string `json:"revision,omitempty"`
	Integrity string `json:"integrity,omitempty"`
}

// UnmarshalJSON 同时接受 "url" 与 {"url": ..., "revision": ...} 两种写法。
func (e *Entry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*e = Entry{URL: raw}
		return nil
	}
	type plain Entry
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*e = Entry(decoded)
	return nil
}

// ParseManifest 解析 JSON 数组形式的清单。
func ParseManifest(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse precache manifest: %w", err)
	}
	for i, entry := range entries {
		if strings.TrimSpace(entry.URL) == "" {
			return nil, fmt.Errorf("%w: item %d has no url", ErrInvalidEntry, i)
		}
	}
	return entries, nil
}

// LoadManifest 从文件读取清单。
func LoadManifest(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read precache manifest: %w", err)
	}
	return ParseManifest(data)
}

// CacheKey 是条目解析后的结果：URL 为去掉修订号的请求地址，CacheKey 为实际写入缓存的地址。
type CacheKey struct {
	CacheKey string
	URL      string
}

// CreateCacheKey 以 base 解析条目 URL，有修订号时在缓存 key 上追加 __WB_REVISION__。
func CreateCacheKey(entry Entry, base *url.URL) (CacheKey, error) {
	raw := strings.TrimSpace(entry.URL)
	if raw == "" {
		return CacheKey{}, fmt.Errorf("%w: missing url", ErrInvalidEntry)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return CacheKey{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if base != nil {
		parsed = base.ResolveReference(parsed)
	}
	parsed.Fragment = ""
	original := parsed.String()

	if entry.Revision == "" {
		return CacheKey{CacheKey: original, URL: original}, nil
	}

	keyURL := *parsed
	query := keyURL.RawQuery
	param := RevisionParam + "=" + url.QueryEscape(entry.Revision)
	if query == "" {
		keyURL.RawQuery = param
	} else {
		keyURL.RawQuery = stripRevision(query) + "&" + param
		keyURL.RawQuery = strings.TrimPrefix(keyURL.RawQuery, "&")
	}
	return CacheKey{CacheKey: keyURL.String(), URL: original}, nil
}

func stripRevision(query string) string {
	parts := strings.Split(query, "&")
	kept := parts[:0]
	for _, part := range parts {
		if part == RevisionParam || strings.HasPrefix(part, RevisionParam+"=") {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}
