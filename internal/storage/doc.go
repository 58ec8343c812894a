// Package storage is the durable key-value layer behind the inbox and the
// subscription registry.
//
// Each collection (notification log, subscription list, read-notification ids)
// is one JSON blob under a fixed key. Writers never overwrite a blob from a
// stale in-memory copy: Update hands the callback the latest persisted value
// and stores whatever it returns, atomically per key.
//
// Drivers:
//   - "file":   one snapshot file per key, replaced via tmp+rename
//   - "sqlite": single kv table (modernc.org/sqlite through sqlx)
//   - "memory": process-local map, mostly for tests and dry runs
package storage
