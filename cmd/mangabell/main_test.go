package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mangabell/internal/app"
	"mangabell/internal/config"
	"mangabell/internal/inbox"
	logx "mangabell/pkg/logx"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// testConfigFile writes a config with file storage under a temp dir.
func testConfigFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mangabell.yaml")
	cfg := config.Example("https://api.example.test")
	cfg.Storage = &config.StorageConfig{Driver: "file", Path: filepath.Join(dir, "store")}
	b, err := config.Marshal(path, cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestConfigInitAndCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mangabell.json")
	if out, err := execute(t, "--config", path, "config", "init", "https://api.example.test"); err != nil {
		t.Fatalf("init: %v (%s)", err, out)
	}
	if _, err := execute(t, "--config", path, "config", "init", "https://api.example.test"); err == nil {
		t.Fatalf("init should refuse to overwrite")
	}
	out, err := execute(t, "--config", path, "config", "check")
	if err != nil || !strings.Contains(out, "is valid") {
		t.Fatalf("check: %v (%s)", err, out)
	}

	if err := os.WriteFile(path, []byte(`{"server":{"base_url":"ftp://x"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "--config", path, "config", "check"); err == nil {
		t.Fatalf("check should reject an ftp base url")
	}
}

func TestSubscriptionsCommands(t *testing.T) {
	path := testConfigFile(t)

	out, err := execute(t, "-c", path, "subscriptions", "add", "S1", "One", "Piece")
	if err != nil || !strings.Contains(out, "Subscribed to One Piece") {
		t.Fatalf("add: %v (%s)", err, out)
	}
	out, _ = execute(t, "-c", path, "subscriptions", "add", "S1", "Again")
	if !strings.Contains(out, "Already subscribed") {
		t.Fatalf("duplicate add: %s", out)
	}
	out, err = execute(t, "-c", path, "subs", "list")
	if err != nil || !strings.Contains(out, "S1") || !strings.Contains(out, "One Piece") {
		t.Fatalf("list: %v (%s)", err, out)
	}
	out, _ = execute(t, "-c", path, "subs", "rm", "S1")
	if !strings.Contains(out, "Unsubscribed") {
		t.Fatalf("remove: %s", out)
	}
	out, _ = execute(t, "-c", path, "subs", "list")
	if !strings.Contains(out, "No subscriptions") {
		t.Fatalf("list after remove: %s", out)
	}
}

func TestNotificationsCommands(t *testing.T) {
	path := testConfigFile(t)
	ctx := context.Background()

	o, err := app.OpenOffline(ctx, path, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now := time.Now().UTC()
	o.Inbox.Ingest(ctx, inbox.Notification{Kind: inbox.KindNewChapter, ID: "n1", Timestamp: now.Add(-time.Minute), SeriesTitle: "Foo", ChapterNumber: 4})
	o.Inbox.Ingest(ctx, inbox.Notification{Kind: inbox.KindNewSeries, ID: "n2", Timestamp: now, SeriesTitle: "Bar"})
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out, err := execute(t, "-c", path, "notifications", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Index(out, "n2") > strings.Index(out, "n1") {
		t.Fatalf("list should be newest first:\n%s", out)
	}
	if !strings.Contains(out, "2 unread of 2") {
		t.Fatalf("unread summary missing:\n%s", out)
	}

	out, err = execute(t, "-c", path, "n", "read", "n1")
	if err != nil || !strings.Contains(out, "1 unread") {
		t.Fatalf("read: %v (%s)", err, out)
	}
	out, _ = execute(t, "-c", path, "n", "list", "--unread")
	if strings.Contains(out, "n1") || !strings.Contains(out, "n2") {
		t.Fatalf("--unread:\n%s", out)
	}

	if _, err := execute(t, "-c", path, "n", "clear"); err == nil {
		t.Fatalf("clear without --yes should fail")
	}
	if _, err := execute(t, "-c", path, "n", "clear", "--yes"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	out, _ = execute(t, "-c", path, "n", "list")
	if !strings.Contains(out, "No notifications") {
		t.Fatalf("after clear:\n%s", out)
	}
}

func TestTokenSetRejectsEmpty(t *testing.T) {
	path := testConfigFile(t)
	root := newRootCommand()
	root.SetIn(strings.NewReader("\n"))
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"-c", path, "token", "set"})
	if err := root.Execute(); err == nil {
		t.Fatalf("empty token should be rejected before touching the keyring")
	}
}
