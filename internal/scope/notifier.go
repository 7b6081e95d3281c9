package scope

import (
	"context"
	"time"
)

// Message 是发往客户端的消息，例如 CACHE_UPDATED。
type Message struct {
	Type    string         `json:"type"`
	Meta    string         `json:"meta"`
	Payload map[string]any `json:"payload,omitempty"`
	SentAt  time.Time      `json:"sentAt"`
}

// Notifier 负责把消息投递给客户端。
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// NotifierFunc 让普通函数满足 Notifier。
type NotifierFunc func(ctx context.Context, msg Message) error

func (f NotifierFunc) Notify(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
