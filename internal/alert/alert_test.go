package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	logx "mangabell/pkg/logx"
)

type recordingPort struct {
	mu       sync.Mutex
	alerts   []Alert
	badges   []int
	failNext int
	block    chan struct{}
}

func (p *recordingPort) PresentAlert(ctx context.Context, a Alert) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return errors.New("tray unavailable")
	}
	p.alerts = append(p.alerts, a)
	return nil
}

func (p *recordingPort) SetBadgeCount(_ context.Context, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.badges = append(p.badges, n)
	return nil
}

func (p *recordingPort) snapshot() ([]Alert, []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Alert(nil), p.alerts...), append([]int(nil), p.badges...)
}

func fastConfig() Config {
	return Config{QueueSize: 8, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func waitDelivery(t *testing.T, ch <-chan Delivery, kind string) Delivery {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case d := <-ch:
			if d.Kind == kind {
				return d
			}
		case <-timeout:
			t.Fatalf("no %s delivery", kind)
		}
	}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	port := &recordingPort{}
	d := NewDispatcher(fastConfig(), port, logx.Nop())
	d.Start(context.Background())
	defer d.Stop(context.Background())

	for _, title := range []string{"one", "two", "three"} {
		if err := d.Present(context.Background(), Alert{Title: title}); err != nil {
			t.Fatalf("present: %v", err)
		}
	}
	d.Stop(context.Background())

	alerts, _ := port.snapshot()
	if len(alerts) != 3 || alerts[0].Title != "one" || alerts[2].Title != "three" {
		t.Fatalf("alerts = %+v", alerts)
	}
}

func TestDispatcherRetries(t *testing.T) {
	port := &recordingPort{failNext: 2}
	d := NewDispatcher(fastConfig(), port, logx.Nop())
	deliveries, unsub := d.Deliveries(8)
	defer unsub()
	d.Start(context.Background())
	defer d.Stop(context.Background())

	_ = d.Present(context.Background(), Alert{Title: "retry me"})
	ev := waitDelivery(t, deliveries, "alert")
	if !ev.OK() || ev.Attempts != 3 {
		t.Fatalf("delivery = %+v", ev)
	}
}

func TestDispatcherGivesUpAfterRetryMax(t *testing.T) {
	port := &recordingPort{failNext: 10}
	d := NewDispatcher(fastConfig(), port, logx.Nop())
	deliveries, unsub := d.Deliveries(8)
	defer unsub()
	d.Start(context.Background())
	defer d.Stop(context.Background())

	_ = d.Present(context.Background(), Alert{Title: "lost"})
	ev := waitDelivery(t, deliveries, "alert")
	if ev.OK() || ev.Attempts != 3 {
		t.Fatalf("delivery = %+v", ev)
	}
}

func TestDispatcherQueueFullAndStopped(t *testing.T) {
	port := &recordingPort{block: make(chan struct{})}
	cfg := fastConfig()
	cfg.QueueSize = 1
	d := NewDispatcher(cfg, port, logx.Nop())

	if err := d.Present(context.Background(), Alert{Title: "early"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped before start, got %v", err)
	}

	d.Start(context.Background())
	// One alert is held by the blocked worker, one fills the queue.
	_ = d.Present(context.Background(), Alert{Title: "a"})
	time.Sleep(10 * time.Millisecond)
	_ = d.Present(context.Background(), Alert{Title: "b"})
	if err := d.Present(context.Background(), Alert{Title: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(port.block)
	d.Stop(context.Background())

	if err := d.Present(context.Background(), Alert{Title: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after stop, got %v", err)
	}
}

func TestBadgeKeepsLatestValue(t *testing.T) {
	port := &recordingPort{block: make(chan struct{})}
	d := NewDispatcher(fastConfig(), port, logx.Nop())
	d.Start(context.Background())

	// Park the worker on an alert so badge updates pile up.
	_ = d.Present(context.Background(), Alert{Title: "hold"})
	time.Sleep(10 * time.Millisecond)
	for i := 1; i <= 5; i++ {
		d.SetBadge(i)
	}
	close(port.block)
	d.Stop(context.Background())

	_, badges := port.snapshot()
	if len(badges) == 0 || badges[len(badges)-1] != 5 {
		t.Fatalf("badges = %v, want last 5", badges)
	}
	if len(badges) > 2 {
		t.Fatalf("badge updates not coalesced: %v", badges)
	}
}

func TestNewPort(t *testing.T) {
	if p, err := NewPort(SinkConfig{Sink: "none"}, logx.Nop()); err != nil || p == nil {
		t.Fatalf("none sink: %v", err)
	}
	if p, err := NewPort(SinkConfig{}, logx.Nop()); err != nil {
		t.Fatalf("default sink: %v", err)
	} else if _, ok := p.(*LogPort); !ok {
		t.Fatalf("default sink = %T, want *LogPort", p)
	}
	if _, err := NewPort(SinkConfig{Sink: "pager"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown sink error")
	}
	if _, err := NewPort(SinkConfig{Sink: "telegram"}, logx.Nop()); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestLogPortBadge(t *testing.T) {
	var buf strings.Builder
	p := NewLogPort(logx.NewWriter(&buf, "info"))
	_ = p.PresentAlert(context.Background(), Alert{Title: "new chapter: Foo", Data: map[string]any{DataChapterID: "c1"}})
	_ = p.SetBadgeCount(context.Background(), 3)
	if p.Badge() != 3 {
		t.Fatalf("badge = %d", p.Badge())
	}
	if !strings.Contains(buf.String(), `"chapterId":"c1"`) {
		t.Fatalf("log missing chapterId: %s", buf.String())
	}
}

type botCall struct {
	Method string
	Body   map[string]any
}

func newFakeBotAPI(t *testing.T) (*httptest.Server, func() []botCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []botCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		raw, _ := io.ReadAll(r.Body)
		body := map[string]any{}
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		calls = append(calls, botCall{Method: method, Body: body})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":77,"date":0,"chat":{"id":42,"type":"private"},"text":"x"}}`)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []botCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]botCall(nil), calls...)
	}
}

func TestTelegramPort(t *testing.T) {
	srv, calls := newFakeBotAPI(t)
	p, err := NewTelegramPort(TelegramConfig{Token: "123:abc", ChatID: 42, APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("new port: %v", err)
	}
	ctx := context.Background()
	if err := p.PresentAlert(ctx, Alert{Title: "new chapter: A & B", Body: "Chapter 3"}); err != nil {
		t.Fatalf("present: %v", err)
	}
	if err := p.SetBadgeCount(ctx, 2); err != nil {
		t.Fatalf("badge: %v", err)
	}
	if err := p.SetBadgeCount(ctx, 2); err != nil {
		t.Fatalf("same badge: %v", err)
	}
	if err := p.SetBadgeCount(ctx, 3); err != nil {
		t.Fatalf("badge edit: %v", err)
	}

	got := calls()
	if len(got) != 3 {
		t.Fatalf("calls = %+v", got)
	}
	if got[0].Method != "sendMessage" || !strings.Contains(got[0].Body["text"].(string), "A &amp; B") {
		t.Fatalf("first call = %+v", got[0])
	}
	if got[1].Method != "sendMessage" || got[2].Method != "editMessageText" {
		t.Fatalf("badge calls = %s, %s", got[1].Method, got[2].Method)
	}
}
