package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")

	// ErrNoChange may be returned by an UpdateFunc to skip the write.
	ErrNoChange = errors.New("storage: no change")
)

// Persisted collection keys.
const (
	KeyNotifications     = "manga_notifications"
	KeySubscriptions     = "manga_subscriptions"
	KeyReadNotifications = "read_notifications"
)

// UpdateFunc receives the latest persisted value for a key (ok=false when the
// key is absent) and returns the value to store. Returning a nil slice deletes
// the key; returning ErrNoChange leaves it untouched.
type UpdateFunc func(cur []byte, ok bool) ([]byte, error)

// Store is the persistence API used by the inbox and the subscription registry.
type Store interface {
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	// Update performs an atomic read-modify-write for key and returns the
	// value that is stored afterwards.
	Update(ctx context.Context, key string, fn UpdateFunc) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Compactor is implemented by drivers that benefit from periodic housekeeping.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Config configures storage.
//
// Driver values:
//   - "file": snapshot file per key (default)
//   - "sqlite": SQLite database file
//   - "memory": non-durable, process-local
//
// If Driver is "none", storage is disabled and Open returns (nil, nil).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
