package router

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// UnmarshalJSON 接受三种形式：
//
//	"/a.css"
//	{"url": "/a.css", "header": {"Accept": ["text/css"]}}
//	["/a.css", {"headers": {"Accept": "text/css"}}]
func (e *CacheURLEntry) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		*e = CacheURLEntry{URL: raw}
		return nil
	}

	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) == 0 || len(pair) > 2 {
			return fmt.Errorf("cache url entry: expected [url, init], got %d items", len(pair))
		}
		var entry CacheURLEntry
		if err := json.Unmarshal(pair[0], &entry.URL); err != nil {
			return fmt.Errorf("cache url entry: %w", err)
		}
		if len(pair) == 2 {
			var init struct {
				Headers map[string]string `json:"headers"`
			}
			if err := json.Unmarshal(pair[1], &init); err != nil {
				return fmt.Errorf("cache url entry init: %w", err)
			}
			if len(init.Headers) > 0 {
				entry.Header = make(http.Header, len(init.Headers))
				for k, v := range init.Headers {
					entry.Header.Set(k, v)
				}
			}
		}
		*e = entry
		return nil
	}

	type plain CacheURLEntry
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("cache url entry: %w", err)
	}
	*e = CacheURLEntry(obj)
	return nil
}
