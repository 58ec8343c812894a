package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	logx "mangabell/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state", "bell.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	out["file"] = fs

	ss, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "bell.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	out["sqlite"] = ss

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := st.Get(ctx, KeySubscriptions); err != nil || ok {
				t.Fatalf("empty get: ok=%v err=%v", ok, err)
			}
			out, err := st.Update(ctx, KeySubscriptions, func(cur []byte, ok bool) ([]byte, error) {
				if ok {
					t.Fatalf("expected absent key")
				}
				return []byte(`["a"]`), nil
			})
			if err != nil || string(out) != `["a"]` {
				t.Fatalf("update: %q %v", out, err)
			}
			got, ok, err := st.Get(ctx, KeySubscriptions)
			if err != nil || !ok || string(got) != `["a"]` {
				t.Fatalf("get after update: %q ok=%v err=%v", got, ok, err)
			}
			if err := st.Delete(ctx, KeySubscriptions, KeyNotifications); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok, _ := st.Get(ctx, KeySubscriptions); ok {
				t.Fatalf("expected key deleted")
			}
		})
	}
}

func TestUpdateNoChangeAndNilDeletes(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			_, _ = st.Update(ctx, KeyReadNotifications, func([]byte, bool) ([]byte, error) { return []byte(`[1]`), nil })

			out, err := st.Update(ctx, KeyReadNotifications, func(cur []byte, ok bool) ([]byte, error) {
				return nil, ErrNoChange
			})
			if err != nil || string(out) != `[1]` {
				t.Fatalf("no-change update: %q %v", out, err)
			}

			boom := errors.New("boom")
			if _, err := st.Update(ctx, KeyReadNotifications, func([]byte, bool) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
				t.Fatalf("expected callback error, got %v", err)
			}

			if _, err := st.Update(ctx, KeyReadNotifications, func([]byte, bool) ([]byte, error) { return nil, nil }); err != nil {
				t.Fatalf("delete via nil: %v", err)
			}
			if _, ok, _ := st.Get(ctx, KeyReadNotifications); ok {
				t.Fatalf("expected key removed")
			}
		})
	}
}

// Concurrent read-modify-write must not lose increments.
func TestUpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := st.Update(ctx, "counter", func(cur []byte, ok bool) ([]byte, error) {
						n := 0
						if ok {
							n, _ = strconv.Atoi(string(cur))
						}
						return []byte(strconv.Itoa(n + 1)), nil
					})
					if err != nil {
						t.Errorf("update: %v", err)
					}
				}()
			}
			wg.Wait()
			got, _, _ := st.Get(ctx, "counter")
			if string(got) != "20" {
				t.Fatalf("counter = %s, want 20", got)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bell.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_, _ = st.Update(ctx, KeyNotifications, func([]byte, bool) ([]byte, error) { return []byte(`[]`), nil })
	_ = st.Close()

	if _, _, err := st.Get(ctx, KeyNotifications); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	if v, ok, _ := st2.Get(ctx, KeyNotifications); !ok || string(v) != `[]` {
		t.Fatalf("value lost across reopen: %q ok=%v", v, ok)
	}
}

func TestFileCompactRemovesTemp(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "bell.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	tmp := filepath.Join(dir, "bell.manga_notifications.json.tmp")
	if err := os.WriteFile(tmp, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := st.(Compactor).Compact(context.Background()); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if _, err := os.Stat(tmp); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file still present: %v", err)
	}
}

func TestOpenDrivers(t *testing.T) {
	if st, err := Open(Config{Driver: "none"}, logx.Logger{}); st != nil || err != nil {
		t.Fatalf("none driver: %v %v", st, err)
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("expected path error")
	}
}
