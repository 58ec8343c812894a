package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "mangabell/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files (prefix derived from cfg.Path without extension):
//   - <prefix>.<key>.json      (current value)
//   - <prefix>.<key>.json.tmp  (in-flight write, renamed over the value)
//
// Reads always hit the disk so a value written by another process (the CLI
// while the daemon runs) is never shadowed by a cached copy.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	prefix string
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, prefix: filepath.Join(dir, base)}, nil
}

func (s *fileStore) keyPath(key string) string {
	return s.prefix + "." + sanitizeKey(key) + ".json"
}

func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	return s.readLocked(key)
}

func (s *fileStore) readLocked(key string) ([]byte, bool, error) {
	b, err := os.ReadFile(s.keyPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *fileStore) Update(ctx context.Context, key string, fn UpdateFunc) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	cur, ok, err := s.readLocked(key)
	if err != nil {
		return nil, err
	}
	next, err := fn(cur, ok)
	if errors.Is(err, ErrNoChange) {
		return cur, nil
	}
	if err != nil {
		return nil, err
	}
	if next == nil {
		if err := os.Remove(s.keyPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, nil
	}
	if err := writeAtomic(s.keyPath(key), next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *fileStore) Delete(ctx context.Context, keys ...string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var firstErr error
	for _, k := range keys {
		if err := os.Remove(s.keyPath(k)); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Compact removes temp files left behind by an interrupted write.
func (s *fileStore) Compact(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	matches, err := filepath.Glob(s.prefix + ".*.json.tmp")
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			s.log.Debug("removed stale temp file", logx.String("path", m))
		}
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
