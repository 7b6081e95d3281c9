// Package cache implements the named multi-cache storage that strategies read
// from and write to. A Storage groups Caches by name; each Cache maps a GET
// request URL to a stored response. Storage is split into a thin request/
// response layer (storage.go) and a byte-level Backend with memory, disk and
// Redis implementations, so the strategy engine never touches the filesystem
// or Redis directly.
package cache
