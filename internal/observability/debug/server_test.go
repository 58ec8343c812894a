package debug

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "mangabell/pkg/logx"
)

func TestHandlerAuth(t *testing.T) {
	h := Handler("secret", func() any { return map[string]int{"unread": 3} })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"unread": 3`) {
		t.Fatalf("bearer: code = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?token=secret", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("query token: code = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		cfg     Config
		wantErr bool
	}{
		{Config{}, false},
		{Config{Enabled: true}, false},
		{Config{Enabled: true, Addr: "localhost:0"}, false},
		{Config{Enabled: true, Addr: "0.0.0.0:6060"}, true},
		{Config{Enabled: true, Addr: "0.0.0.0:6060", Token: "t"}, false},
		{Config{Enabled: true, Addr: ":6060", AllowInsecure: true}, false},
		{Config{Enabled: true, Addr: "nope"}, true},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); (err != nil) != tc.wantErr {
			t.Fatalf("%+v: err = %v", tc.cfg, err)
		}
	}
}

func TestServerReconfigure(t *testing.T) {
	s := New(func() any { return "hi" }, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("healthz = %q", body)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	if err := s.Reconfigure(stopCtx, Config{}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if s.Addr() != "" {
		t.Fatalf("addr still set after stop: %q", s.Addr())
	}
}
