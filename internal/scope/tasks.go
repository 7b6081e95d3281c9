package scope

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Tasks 记录一组扩展任务（waitUntil）。任务在独立 goroutine 中运行，
// 使用与请求取消解耦的 context；错误与 panic 只记录日志，不向调用方返回。
type Tasks struct {
	Logger *logrus.Logger

	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

// Go 启动一个任务，返回在任务结束时关闭的 channel。
func (t *Tasks) Go(ctx context.Context, fn func(ctx context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	if fn == nil {
		close(done)
		return done
	}
	if ctx == nil {
		ctx = context.Background()
	}
	detached := context.WithoutCancel(ctx)

	t.add()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.logger().WithField("panic", fmt.Sprint(r)).Error("extension_task_panic")
			}
			close(done)
			t.finish()
		}()
		if err := fn(detached); err != nil {
			t.logger().WithError(err).Warn("extension_task_failed")
		}
	}()
	return done
}

// Track 把外部已在运行的任务纳入等待集合。
func (t *Tasks) Track(done <-chan struct{}) {
	if done == nil {
		return
	}
	t.add()
	go func() {
		<-done
		t.finish()
	}()
}

// Pending 返回尚未结束的任务数量。
func (t *Tasks) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Wait 阻塞到所有任务结束，期间新注册的任务同样会被等待。
// ctx 取消时提前返回 ctx.Err()。
func (t *Tasks) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		t.mu.Lock()
		if t.pending == 0 {
			t.mu.Unlock()
			return nil
		}
		if t.idle == nil {
			t.idle = make(chan struct{})
		}
		idle := t.idle
		t.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Tasks) add() {
	t.mu.Lock()
	t.pending++
	t.mu.Unlock()
}

func (t *Tasks) finish() {
	t.mu.Lock()
	t.pending--
	if t.pending == 0 && t.idle != nil {
		close(t.idle)
		t.idle = nil
	}
	t.mu.Unlock()
}

func (t *Tasks) logger() *logrus.Logger {
	if t.Logger == nil {
		return logrus.StandardLogger()
	}
	return t.Logger
}
