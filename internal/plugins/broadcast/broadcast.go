// Package broadcast 在缓存内容发生变化时通知客户端。
package broadcast

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/scope"
)

const (
	// Name 是配置中引用该插件的名称。
	Name = "broadcast-update"
	// MessageType 是缓存更新消息的类型。
	MessageType = "CACHE_UPDATED"
	// MessageMeta 标识消息来源。
	MessageMeta = "cachekit-broadcast-update"
)

// DefaultHeadersToCheck 是比较新旧响应时默认检查的响应头。
var DefaultHeadersToCheck = []string{"Content-Length", "ETag", "Last-Modified"}

// Options 是插件配置。
type Options struct {
	HeadersToCheck []string `mapstructure:"headers_to_check"`
}

// ResponsesAreSame 比较两个响应的指定响应头。两边都没有任何一个被检查的头时视为相同。
func ResponsesAreSame(oldResp, newResp *http.Response, headers []string) bool {
	if oldResp == nil || newResp == nil {
		return false
	}
	present := false
	for _, name := range headers {
		_, inOld := oldResp.Header[http.CanonicalHeaderKey(name)]
		_, inNew := newResp.Header[http.CanonicalHeaderKey(name)]
		if inOld || inNew {
			present = true
			break
		}
	}
	if !present {
		return true
	}
	for _, name := range headers {
		if oldResp.Header.Get(name) != newResp.Header.Get(name) {
			return false
		}
	}
	return true
}

// Update 负责比较并发送 CACHE_UPDATED 消息。
type Update struct {
	headers []string
	now     func() time.Time
}

// New 构建 Update；HeadersToCheck 为空时使用默认头。
func New(opts Options) *Update {
	headers := opts.HeadersToCheck
	if len(headers) == 0 {
		headers = DefaultHeadersToCheck
	}
	return &Update{headers: headers, now: time.Now}
}

// Plugin 返回实现 CacheDidUpdate 的插件。
func (u *Update) Plugin() plugin.Plugin {
	return plugin.Plugin{
		Name: Name,
		CacheDidUpdate: func(ctx context.Context, p plugin.CacheUpdateParams) error {
			// 首次写入不算更新
			if p.OldResponse == nil {
				return nil
			}
			if ResponsesAreSame(p.OldResponse, p.NewResponse, u.headers) {
				return nil
			}
			msg := scope.Message{
				Type: MessageType,
				Meta: MessageMeta,
				Payload: map[string]any{
					"cacheName":  p.CacheName,
					"updatedURL": p.Request.URL.String(),
				},
				SentAt: u.now(),
			}
			if p.Scope == nil {
				return nil
			}
			if err := p.Scope.Notify(ctx, msg); err != nil {
				p.Scope.Log().WithFields(logrus.Fields{"plugin": Name, "url": p.Request.URL.String()}).
					WithError(err).Warn("broadcast_update_failed")
				return err
			}
			return nil
		},
	}
}

func init() {
	plugin.MustRegister(Name, func(sc *scope.Scope, settings map[string]any) (plugin.Plugin, error) {
		var opts Options
		if err := plugin.Decode(settings, &opts); err != nil {
			return plugin.Plugin{}, err
		}
		return New(opts).Plugin(), nil
	})
}
