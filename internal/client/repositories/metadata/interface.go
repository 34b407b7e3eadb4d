// Package metadata is a small key/value table in the local database. It holds
// the sealed session blob and sync bookkeeping such as the pull watermark.
package metadata

import (
	"context"
)

// Well-known keys.
const (
	KeySession   = "session"
	KeyWatermark = "sync.watermark"
	KeyLastSync  = "sync.last_success"
)

type Repository interface {
	// Get returns (nil, nil) when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)
	Clear(ctx context.Context) error

	GetInt64(ctx context.Context, key string) (int64, error)
	SetInt64(ctx context.Context, key string, v int64) error
}
