package cache

import (
	"context"
	"sync"
)

// QuotaErrorCallback 在写入因配额失败时被调用，通常用于清理过期条目。
type QuotaErrorCallback func(ctx context.Context) error

var (
	quotaMu        sync.Mutex
	quotaCallbacks []QuotaErrorCallback
)

// RegisterQuotaErrorCallback 注册配额回调，进程级共享。
func RegisterQuotaErrorCallback(fn QuotaErrorCallback) {
	if fn == nil {
		return
	}
	quotaMu.Lock()
	quotaCallbacks = append(quotaCallbacks, fn)
	quotaMu.Unlock()
}

// ExecuteQuotaErrorCallbacks 依次执行全部回调，返回成功执行的数量与遇到的第一个错误。
func ExecuteQuotaErrorCallbacks(ctx context.Context) (int, error) {
	quotaMu.Lock()
	callbacks := append([]QuotaErrorCallback(nil), quotaCallbacks...)
	quotaMu.Unlock()

	var (
		count    int
		firstErr error
	)
	for _, fn := range callbacks {
		if err := fn(ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		count++
	}
	return count, firstErr
}

func resetQuotaCallbacks() {
	quotaMu.Lock()
	quotaCallbacks = nil
	quotaMu.Unlock()
}
