package scope

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
)

// EventKind 对应 worker 生命周期事件类型。
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
	EventMessage  EventKind = "message"
	EventSync     EventKind = "sync"
)

// Event 是一次生命周期事件，承载触发请求与扩展任务。
type Event struct {
	Kind    EventKind
	Request *http.Request
	// Tag 为 sync 事件的队列标签。
	Tag string
	// Data 为 message 事件携带的数据。
	Data any

	tasks Tasks
}

// NewEvent 创建事件；logger 用于记录扩展任务失败。
func NewEvent(kind EventKind, req *http.Request, logger *logrus.Logger) *Event {
	ev := &Event{Kind: kind, Request: req}
	ev.tasks.Logger = logger
	return ev
}

// WaitUntil 注册一个延长事件生命周期的任务。
func (e *Event) WaitUntil(ctx context.Context, fn func(ctx context.Context) error) <-chan struct{} {
	return e.tasks.Go(ctx, fn)
}

// Track 让事件等待一个外部任务。
func (e *Event) Track(done <-chan struct{}) {
	e.tasks.Track(done)
}

// Wait 等待全部扩展任务结束。
func (e *Event) Wait(ctx context.Context) error {
	return e.tasks.Wait(ctx)
}

// Pending 返回尚未结束的扩展任务数量。
func (e *Event) Pending() int {
	return e.tasks.Pending()
}

// Context 返回触发请求的 context，没有请求时返回 Background。
func (e *Event) Context() context.Context {
	if e != nil && e.Request != nil {
		return e.Request.Context()
	}
	return context.Background()
}
