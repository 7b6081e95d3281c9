package server

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachekit/internal/scope"
)

// DefaultMessageCapacity 是消息环形缓冲的默认容量。
const DefaultMessageCapacity = 256

// MessageLog 记录最近发往客户端的消息，供 /-/updates 轮询。
type MessageLog struct {
	logger *logrus.Logger

	mu       sync.Mutex
	messages []scope.Message
	next     int
	full     bool
}

// NewMessageLog 创建容量为 capacity 的消息缓冲。
func NewMessageLog(capacity int, logger *logrus.Logger) *MessageLog {
	if capacity <= 0 {
		capacity = DefaultMessageCapacity
	}
	return &MessageLog{logger: logger, messages: make([]scope.Message, capacity)}
}

// Notify 实现 scope.Notifier。
func (l *MessageLog) Notify(ctx context.Context, msg scope.Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	l.mu.Lock()
	l.messages[l.next] = msg
	l.next = (l.next + 1) % len(l.messages)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{"type": msg.Type, "meta": msg.Meta}).Debug("client_message")
	}
	return nil
}

// Since 按时间顺序返回 after 之后的消息；after 为零值时返回全部。
func (l *MessageLog) Since(after time.Time) []scope.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ordered []scope.Message
	if l.full {
		ordered = append(ordered, l.messages[l.next:]...)
	}
	ordered = append(ordered, l.messages[:l.next]...)

	out := make([]scope.Message, 0, len(ordered))
	for _, msg := range ordered {
		if msg.SentAt.After(after) {
			out = append(out, msg)
		}
	}
	return out
}
