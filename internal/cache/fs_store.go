package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	createdMarker = ".created"
	recordSuffix  = ".json"
)

// NewFileBackend 以 basePath 为根目录构建磁盘后端。磁盘布局遵循：
//
//	<basePath>/<escaped cache name>/.created        # 创建时间，用于保持缓存顺序
//	<basePath>/<escaped cache name>/<sha1(url)>.json
func NewFileBackend(basePath string) (Backend, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileBackend{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileBackend 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileBackend struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (b *fileBackend) CreateCache(ctx context.Context, name string) error {
	dir := b.cacheDir(name)
	marker := filepath.Join(dir, createdMarker)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}
	unlock := b.lockEntry(name, createdMarker)
	defer unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(marker); err == nil {
		return nil
	}
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	return writeAtomic(dir, marker, []byte(stamp))
}

func (b *fileBackend) HasCache(ctx context.Context, name string) (bool, error) {
	info, err := os.Stat(b.cacheDir(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (b *fileBackend) DropCache(ctx context.Context, name string) (bool, error) {
	ok, err := b.HasCache(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if err := os.RemoveAll(b.cacheDir(name)); err != nil {
		return false, err
	}
	return true, nil
}

func (b *fileBackend) CacheNames(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.basePath)
	if err != nil {
		return nil, err
	}
	type named struct {
		name    string
		created int64
	}
	items := make([]named, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		var created int64
		if raw, err := os.ReadFile(filepath.Join(b.basePath, entry.Name(), createdMarker)); err == nil {
			created, _ = strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		}
		items = append(items, named{name: name, created: created})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].created == items[j].created {
			return items[i].name < items[j].name
		}
		return items[i].created < items[j].created
	})
	names := make([]string, len(items))
	for i, item := range items {
		names[i] = item.name
	}
	return names, nil
}

func (b *fileBackend) Get(ctx context.Context, name, key string) (*Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath := b.entryPath(name, key)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}
	return readRecord(filePath)
}

func (b *fileBackend) Set(ctx context.Context, name, key string, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := b.lockEntry(name, key)
	defer unlock()

	dir := b.cacheDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}
	return writeAtomic(dir, b.entryPath(name, key), data)
}

func (b *fileBackend) Remove(ctx context.Context, name, key string) (bool, error) {
	unlock := b.lockEntry(name, key)
	defer unlock()

	if err := os.Remove(b.entryPath(name, key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *fileBackend) List(ctx context.Context, name string) ([]*Record, error) {
	entries, err := os.ReadDir(b.cacheDir(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	result := make([]*Record, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordSuffix) {
			continue
		}
		rec, err := readRecord(filepath.Join(b.cacheDir(name), entry.Name()))
		if err != nil {
			// 并发删除或写到一半的条目直接跳过。
			continue
		}
		result = append(result, rec)
	}
	sortRecords(result)
	return result, nil
}

func (b *fileBackend) lockEntry(name, key string) func() {
	lockKey := name + "::" + key
	b.mu.Lock()
	lock := b.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		b.locks[lockKey] = lock
	}
	lock.refs++
	b.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		b.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(b.locks, lockKey)
		}
		b.mu.Unlock()
	}
}

func (b *fileBackend) cacheDir(name string) string {
	return filepath.Join(b.basePath, url.PathEscape(name))
}

func (b *fileBackend) entryPath(name, key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(b.cacheDir(name), hex.EncodeToString(sum[:])+recordSuffix)
}

func readRecord(filePath string) (*Record, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode cache record %s: %w", filePath, err)
	}
	return &rec, nil
}

// writeAtomic 通过临时文件 + rename 保证写入原子性，失败时清理临时文件。
func writeAtomic(dir, target string, data []byte) error {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
