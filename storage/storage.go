/*
Package storage is the object-store adapter: opaque bytes under UTF-8 keys
against an S3-compatible endpoint, plus an in-memory store for tests. Put is
idempotent, last writer wins.
*/
package storage

import (
	"context"

	"github.com/pkg/errors"
)

const (
	// MaxKeyLen bounds key length in bytes.
	MaxKeyLen = 255
	// MaxValueLen bounds object size.
	MaxValueLen = 16 << 20
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrUnavailable = errors.New("storage unavailable")
	ErrTooLarge    = errors.New("key or value too large")
)

// Store is the capability surface the node needs from any backend.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
}

func checkLimits(key string, value []byte) error {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return ErrTooLarge
	}
	if len(value) > MaxValueLen {
		return ErrTooLarge
	}
	return nil
}

// healthCheck exercises put/get/delete through any Store.
func healthCheck(ctx context.Context, s Store) error {
	const key = "health.check"
	payload := []byte("ok")
	if err := s.Put(ctx, key, payload); err != nil {
		return err
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if string(got) != string(payload) {
		return errors.New("health check payload mismatch")
	}
	return s.Delete(ctx, key)
}
