package bgsync

import (
	"context"
	"errors"
	"time"

	"github.com/any-hub/cachekit/internal/plugin"
	"github.com/any-hub/cachekit/internal/scope"
)

// Name 是配置中引用该插件的名称。
const Name = "background-sync"

// Options 是插件配置。
type Options struct {
	Queue        string        `mapstructure:"queue"`
	MaxRetention time.Duration `mapstructure:"max_retention"`
}

// NewPlugin 返回在 FetchDidFail 时把原始请求放入 q 的插件。
func NewPlugin(q *Queue) plugin.Plugin {
	return plugin.Plugin{
		Name: Name,
		FetchDidFail: func(ctx context.Context, p plugin.FetchFailParams) error {
			req := p.OriginalRequest
			if req == nil {
				req = p.Request
			}
			return q.PushRequest(ctx, req, nil)
		},
	}
}

func init() {
	plugin.MustRegister(Name, func(sc *scope.Scope, settings map[string]any) (plugin.Plugin, error) {
		var opts Options
		if err := plugin.Decode(settings, &opts); err != nil {
			return plugin.Plugin{}, err
		}
		if opts.Queue == "" {
			return plugin.Plugin{}, errors.New("background-sync requires queue")
		}
		q, err := NewQueue(sc, opts.Queue, QueueOptions{MaxRetention: opts.MaxRetention})
		if err != nil {
			return plugin.Plugin{}, err
		}
		return NewPlugin(q), nil
	})
}
