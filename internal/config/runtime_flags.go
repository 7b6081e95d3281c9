package config

import (
	"fmt"
	"strings"
)

// StorageDriver 决定缓存内容保存在哪里。
type StorageDriver string

const (
	StorageMemory StorageDriver = "memory"
	StorageFS     StorageDriver = "fs"
	StorageRedis  StorageDriver = "redis"
)

// parseStorageDriver 标准化 StorageDriver 字段，空值视为 fs。
func parseStorageDriver(raw string) (StorageDriver, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	switch normalized {
	case "", string(StorageFS), "disk":
		return StorageFS, nil
	case string(StorageMemory):
		return StorageMemory, nil
	case string(StorageRedis):
		return StorageRedis, nil
	default:
		return "", fmt.Errorf("不支持的存储驱动: %s", raw)
	}
}

// Driver 返回生效的存储驱动（假定 Validate 已经通过）。
func (g GlobalConfig) Driver() StorageDriver {
	driver, err := parseStorageDriver(g.StorageDriver)
	if err != nil {
		return StorageFS
	}
	return driver
}
