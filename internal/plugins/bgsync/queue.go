// Package bgsync 把网络失败的请求放入持久队列，在 sync 事件到来时重放。
package bgsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachekit/internal/scope"
)

const (
	// DefaultMaxRetention 是条目的默认保留时长。
	DefaultMaxRetention = 7 * 24 * time.Hour
	// TagPrefix 是 sync 事件 tag 的前缀，后接队列名。
	TagPrefix = "cachekit-background-sync:"
)

var (
	// ErrDuplicateQueue 表示同名队列已存在。
	ErrDuplicateQueue = errors.New("bgsync queue already exists")
	// ErrUnknownQueue 表示队列不存在。
	ErrUnknownQueue = errors.New("bgsync queue not found")
	// ErrReplayFailed 表示重放过程中出现网络错误，失败条目已放回队首。
	ErrReplayFailed = errors.New("bgsync replay failed")
)

var (
	queuesMu sync.RWMutex
	queues   = map[string]*Queue{}

	defaultStoreMu sync.RWMutex
	defaultStore   = NewMemoryStore()
)

// SetDefaultStore 设置未显式指定存储的队列所使用的 QueueStore。
func SetDefaultStore(store QueueStore) {
	if store == nil {
		return
	}
	defaultStoreMu.Lock()
	defaultStore = store
	defaultStoreMu.Unlock()
}

// DefaultStore 返回当前默认 QueueStore。
func DefaultStore() QueueStore {
	defaultStoreMu.RLock()
	defer defaultStoreMu.RUnlock()
	return defaultStore
}

// SyncFunc 自定义 sync 事件的处理方式，默认是 ReplayRequests。
type SyncFunc func(ctx context.Context, q *Queue) error

// QueueOptions 配置队列。
type QueueOptions struct {
	MaxRetention time.Duration
	OnSync       SyncFunc
	Store        QueueStore
}

// Queue 是一个命名的请求重放队列，名称在进程内唯一。
type Queue struct {
	name         string
	scope        *scope.Scope
	store        QueueStore
	maxRetention time.Duration
	onSync       SyncFunc
	now          func() time.Time

	syncMu sync.Mutex
}

// NewQueue 创建并登记队列。
func NewQueue(sc *scope.Scope, name string, opts QueueOptions) (*Queue, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("bgsync queue requires a name")
	}
	q := &Queue{
		name:         name,
		scope:        sc,
		store:        opts.Store,
		maxRetention: opts.MaxRetention,
		onSync:       opts.OnSync,
		now:          time.Now,
	}
	if q.store == nil {
		q.store = DefaultStore()
	}
	if q.maxRetention <= 0 {
		q.maxRetention = DefaultMaxRetention
	}

	queuesMu.Lock()
	defer queuesMu.Unlock()
	if _, exists := queues[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateQueue, name)
	}
	queues[name] = q
	return q, nil
}

// Lookup 按名称查找已登记的队列。
func Lookup(name string) (*Queue, bool) {
	queuesMu.RLock()
	defer queuesMu.RUnlock()
	q, ok := queues[name]
	return q, ok
}

// Queues 返回已登记的队列名称（排序后）。
func Queues() []string {
	queuesMu.RLock()
	names := make([]string, 0, len(queues))
	for name := range queues {
		names = append(names, name)
	}
	queuesMu.RUnlock()
	sort.Strings(names)
	return names
}

// SyncTag 返回队列对应的 sync 事件 tag。
func SyncTag(name string) string {
	return TagPrefix + name
}

// QueueForTag 解析 sync 事件 tag。
func QueueForTag(tag string) (*Queue, bool) {
	name, ok := strings.CutPrefix(tag, TagPrefix)
	if !ok {
		return nil, false
	}
	return Lookup(name)
}

// ReplayAll 依次对所有队列执行 Sync，返回合并后的错误。
func ReplayAll(ctx context.Context) error {
	var errs []error
	for _, name := range Queues() {
		q, ok := Lookup(name)
		if !ok {
			continue
		}
		if err := q.Sync(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Name 返回队列名。
func (q *Queue) Name() string {
	return q.name
}

// Close 注销队列，存储中的条目保留。
func (q *Queue) Close() {
	queuesMu.Lock()
	if queues[q.name] == q {
		delete(queues, q.name)
	}
	queuesMu.Unlock()
}

// PushRequest 把请求追加到队尾。
func (q *Queue) PushRequest(ctx context.Context, req *http.Request, metadata map[string]any) error {
	entry, err := q.newEntry(req, metadata)
	if err != nil {
		return err
	}
	return q.store.Push(ctx, q.name, entry)
}

// UnshiftRequest 把请求放到队首。
func (q *Queue) UnshiftRequest(ctx context.Context, req *http.Request, metadata map[string]any) error {
	entry, err := q.newEntry(req, metadata)
	if err != nil {
		return err
	}
	return q.store.Unshift(ctx, q.name, entry)
}

// ShiftRequest 取出队首未过期的条目，队列为空时返回 nil。
func (q *Queue) ShiftRequest(ctx context.Context) (*QueueEntry, error) {
	return q.take(ctx, q.store.Shift)
}

// PopRequest 取出队尾未过期的条目，队列为空时返回 nil。
func (q *Queue) PopRequest(ctx context.Context) (*QueueEntry, error) {
	return q.take(ctx, q.store.Pop)
}

// Size 返回队列长度，包括尚未清理的过期条目。
func (q *Queue) Size(ctx context.Context) (int, error) {
	return q.store.Size(ctx, q.name)
}

// GetAll 返回全部未过期条目，并把过期条目从存储中移除。
func (q *Queue) GetAll(ctx context.Context) ([]QueueEntry, error) {
	entries, err := q.store.All(ctx, q.name)
	if err != nil {
		return nil, err
	}
	live := make([]QueueEntry, 0, len(entries))
	for _, entry := range entries {
		if !q.expired(entry) {
			live = append(live, entry)
		}
	}
	if len(live) == len(entries) {
		return live, nil
	}
	if err := q.store.Clear(ctx, q.name); err != nil {
		return nil, err
	}
	for _, entry := range live {
		if err := q.store.Push(ctx, q.name, entry); err != nil {
			return nil, err
		}
	}
	return live, nil
}

// ReplayRequests 逐条重放队列；遇到网络错误时把该条放回队首并返回 ErrReplayFailed。
func (q *Queue) ReplayRequests(ctx context.Context) error {
	for {
		entry, err := q.ShiftRequest(ctx)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		req, err := entry.Request.ToRequest(ctx)
		if err != nil {
			q.logger().WithFields(q.fields(entry)).WithError(err).Warn("bgsync_entry_dropped")
			continue
		}
		resp, err := q.scope.DoFetch(ctx, req)
		if err != nil {
			if uerr := q.store.Unshift(ctx, q.name, *entry); uerr != nil {
				return errors.Join(err, uerr)
			}
			q.logger().WithFields(q.fields(entry)).WithError(err).Warn("bgsync_replay_failed")
			return fmt.Errorf("%w: %s: %w", ErrReplayFailed, entry.Request.URL, err)
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		q.logger().WithFields(q.fields(entry)).Debug("bgsync_replayed")
	}
}

// Sync 处理 sync 事件，同一队列的 Sync 串行执行。
func (q *Queue) Sync(ctx context.Context) error {
	q.syncMu.Lock()
	defer q.syncMu.Unlock()
	if q.onSync != nil {
		return q.onSync(ctx, q)
	}
	return q.ReplayRequests(ctx)
}

func (q *Queue) take(ctx context.Context, next func(context.Context, string) (*QueueEntry, error)) (*QueueEntry, error) {
	for {
		entry, err := next(ctx, q.name)
		if err != nil || entry == nil {
			return nil, err
		}
		if !q.expired(*entry) {
			return entry, nil
		}
		q.logger().WithFields(q.fields(entry)).Debug("bgsync_entry_expired")
	}
}

func (q *Queue) newEntry(req *http.Request, metadata map[string]any) (QueueEntry, error) {
	stored, err := FromRequest(req)
	if err != nil {
		return QueueEntry{}, err
	}
	return QueueEntry{
		ID:        uuid.NewString(),
		Request:   stored,
		Timestamp: q.now(),
		Metadata:  metadata,
	}, nil
}

func (q *Queue) expired(entry QueueEntry) bool {
	return q.now().Sub(entry.Timestamp) > q.maxRetention
}

func (q *Queue) logger() *logrus.Logger {
	return q.scope.Log()
}

func (q *Queue) fields(entry *QueueEntry) logrus.Fields {
	return logrus.Fields{"queue": q.name, "entry": entry.ID, "url": entry.Request.URL}
}
