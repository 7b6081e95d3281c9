package bgsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StorableRequest 是可以序列化进队列的请求快照。
type StorableRequest struct {
	URL    string      `json:"url"`
	Method string      `json:"method"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// FromRequest 读取 req 的全部内容；原请求的 Body 会被恢复，可以继续使用。
func FromRequest(req *http.Request) (StorableRequest, error) {
	out := StorableRequest{
		URL:    req.URL.String(),
		Method: req.Method,
		Header: req.Header.Clone(),
	}
	if out.Method == "" {
		out.Method = http.MethodGet
	}
	if req.Body == nil || req.Body == http.NoBody {
		return out, nil
	}

	var body io.ReadCloser
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return StorableRequest{}, err
		}
		body = rc
	} else {
		body = req.Body
	}
	data, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return StorableRequest{}, fmt.Errorf("read request body: %w", err)
	}
	if req.GetBody == nil {
		req.Body = io.NopCloser(bytes.NewReader(data))
	}
	out.Body = data
	return out, nil
}

// ToRequest 还原为可发送的请求。
func (r StorableRequest) ToRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, err
	}
	if r.Header != nil {
		req.Header = r.Header.Clone()
	}
	return req, nil
}

// QueueEntry 是队列中的一条记录。
type QueueEntry struct {
	ID        string          `json:"id"`
	Request   StorableRequest `json:"request"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}
