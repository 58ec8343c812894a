package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mangabell/internal/protocol"
	logx "mangabell/pkg/logx"
)

type fakeConn struct {
	in     chan []byte
	errs   chan error
	done   chan struct{}
	once   sync.Once
	failWr atomic.Bool

	mu        sync.Mutex
	written   []protocol.Frame
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), errs: make(chan error, 1), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case err := <-c.errs:
		return nil, err
	case <-c.done:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(b []byte) error {
	if c.failWr.Load() {
		return errors.New("broken pipe")
	}
	var f protocol.Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.written...)
}

// fakeDialer hands out conns from next; a nil conn means the dial fails.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	urls  []string
	next  func(n int) (Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	return d.next(n)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

var staticToken = TokenFunc(func(context.Context) (string, error) { return "tok", nil })

func testConfig() Config {
	return Config{
		BaseURL:        "http://example.test",
		MaxAttempts:    5,
		BackoffFloor:   time.Millisecond,
		BackoffCeiling: 4 * time.Millisecond,
		Heartbeat:      time.Hour,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOpenSendsGeneralThenReplayInOrder(t *testing.T) {
	fc := newFakeConn()
	d := &fakeDialer{next: func(int) (Conn, error) { return fc, nil }}
	replay := func() []protocol.Frame {
		return []protocol.Frame{protocol.SubscribeSeries("S1"), protocol.SubscribeSeries("S2")}
	}
	m := New(testConfig(), d, staticToken, Hooks{Replay: replay}, logx.Nop())
	defer m.Destroy()

	m.Connect()
	waitFor(t, "3 frames", func() bool { return len(fc.frames()) == 3 })

	got := fc.frames()
	if got[0].Event != protocol.EventSubscribeGeneral {
		t.Fatalf("first frame = %s", got[0].Event)
	}
	if got[1].SeriesID() != "S1" || got[2].SeriesID() != "S2" {
		t.Fatalf("replay order wrong: %+v", got)
	}
	if st := m.Status(); !st.Connected || st.State != Open || st.Condition != CondNone {
		t.Fatalf("unexpected status: %+v", st)
	}
	if d.urls[0] != "ws://example.test/manga-notifications?auth_token=tok" {
		t.Fatalf("dial url = %s", d.urls[0])
	}

	// A second Connect while open must not dial again.
	m.Connect()
	time.Sleep(10 * time.Millisecond)
	if d.count() != 1 {
		t.Fatalf("dials = %d, want 1", d.count())
	}
}

func TestMessagesDeliveredInOrder(t *testing.T) {
	fc := newFakeConn()
	d := &fakeDialer{next: func(int) (Conn, error) { return fc, nil }}

	var mu sync.Mutex
	var got []string
	onMsg := func(b []byte) {
		mu.Lock()
		got = append(got, string(b))
		mu.Unlock()
	}
	m := New(testConfig(), d, staticToken, Hooks{OnMessage: onMsg}, logx.Nop())
	defer m.Destroy()
	m.Connect()

	for _, s := range []string{"a", "{broken", "c"} {
		fc.in <- []byte(s)
	}
	waitFor(t, "3 messages", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	if got[0] != "a" || got[1] != "{broken" || got[2] != "c" {
		t.Fatalf("order = %v", got)
	}
	if !m.IsOpen() {
		t.Fatalf("connection should stay open")
	}
}

func TestRetriesExhaustAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{next: func(int) (Conn, error) { return nil, errors.New("connection refused") }}
	m := New(testConfig(), d, staticToken, Hooks{}, logx.Nop())
	defer m.Destroy()

	statuses, unsub := m.Watch(64)
	defer unsub()

	m.Connect()
	waitFor(t, "exhaustion", func() bool { return m.Status().Condition == CondReconnectFailed })

	// The initial attempt plus five automatic retries, then nothing.
	time.Sleep(30 * time.Millisecond)
	if n := d.count(); n != 6 {
		t.Fatalf("dials = %d, want 6", n)
	}
	st := m.Status()
	if st.State != Closed || st.Error != "reconnection failed" {
		t.Fatalf("unexpected terminal status: %+v", st)
	}

	seen := map[int]bool{}
	for len(statuses) > 0 {
		s := <-statuses
		if s.Condition == CondReconnecting {
			seen[s.Attempt] = true
		}
	}
	for i := 1; i <= 5; i++ {
		if !seen[i] {
			t.Fatalf("never reported retry %d/5 (seen %v)", i, seen)
		}
	}

	// Connect does not leave the terminal state by itself; Reconnect does.
	m.Reconnect()
	waitFor(t, "manual reconnect dial", func() bool { return d.count() >= 7 })
}

func TestRetryCountResetsAfterOpen(t *testing.T) {
	var conns []*fakeConn
	var mu sync.Mutex
	d := &fakeDialer{next: func(n int) (Conn, error) {
		if n%2 == 1 {
			return nil, errors.New("refused")
		}
		c := newFakeConn()
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		return c, nil
	}}
	m := New(testConfig(), d, staticToken, Hooks{}, logx.Nop())
	defer m.Destroy()
	m.Connect()

	// Alternate failure/success: attempts never accumulate to the limit.
	for round := 0; round < 4; round++ {
		waitFor(t, "open", m.IsOpen)
		if a := m.Status().Attempt; a != 0 {
			t.Fatalf("attempt after open = %d", a)
		}
		mu.Lock()
		c := conns[len(conns)-1]
		mu.Unlock()
		c.errs <- errors.New("connection reset")
		waitFor(t, "reopen", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(conns) == round+2
		})
	}
	if m.Status().Condition == CondReconnectFailed {
		t.Fatalf("should not exhaust")
	}
}

func TestBackoffDoublesToCeiling(t *testing.T) {
	got := []time.Duration{time.Second}
	for i := 0; i < 5; i++ {
		got = append(got, nextBackoff(got[len(got)-1], 10*time.Second))
	}
	want := []time.Duration{1, 2, 4, 8, 10, 10}
	for i := range want {
		if got[i] != want[i]*time.Second {
			t.Fatalf("backoff[%d] = %v, want %v", i, got[i], want[i]*time.Second)
		}
	}
}

func TestAuthRejectedNeverRetries(t *testing.T) {
	fc := newFakeConn()
	d := &fakeDialer{next: func(int) (Conn, error) { return fc, nil }}
	m := New(testConfig(), d, staticToken, Hooks{}, logx.Nop())
	defer m.Destroy()
	m.Connect()
	waitFor(t, "open", m.IsOpen)

	fc.errs <- &CloseError{Code: protocol.CloseAuthRejected, Reason: "bad token"}
	waitFor(t, "auth rejected", func() bool { return m.Status().Condition == CondAuthRejected })
	time.Sleep(20 * time.Millisecond)
	if d.count() != 1 {
		t.Fatalf("dials = %d, want 1", d.count())
	}
	if st := m.Status(); st.State != Closed || st.Error != "authentication rejected" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestHandshakeAuthRejectedNeverRetries(t *testing.T) {
	d := &fakeDialer{next: func(int) (Conn, error) { return nil, ErrAuthRejected }}
	m := New(testConfig(), d, staticToken, Hooks{}, logx.Nop())
	defer m.Destroy()
	m.Connect()
	waitFor(t, "auth rejected", func() bool { return m.Status().Condition == CondAuthRejected })
	time.Sleep(20 * time.Millisecond)
	if d.count() != 1 {
		t.Fatalf("dials = %d, want 1", d.count())
	}
}

func TestServerNormalCloseIsNotRetried(t *testing.T) {
	fc := newFakeConn()
	d := &fakeDialer{next: func(int) (Conn, error) { return fc, nil }}
	m := New(testConfig(), d, staticToken, Hooks{}, logx.Nop())
	defer m.Destroy()
	m.Connect()
	waitFor(t, "open", m.IsOpen)

	fc.errs <- &CloseError{Code: protocol.CloseNormal}
	waitFor(t, "closed", func() bool { return m.Status().Condition == CondClosedByServer })
	time.Sleep(20 * time.Millisecond)
	if d.count() != 1 {
		t.Fatalf("dials = %d, want 1", d.count())
	}
}

func TestSendRequiresOpen(t *testing.T) {
	d := &fakeDialer{next: func(int) (Conn, error) { return nil, errors.New("unreachable") }}
	m := New(testConfig(), d, staticToken, Hooks{}, logx.Nop())
	defer m.Destroy()

	if err := m.Send(protocol.Ping()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if st := m.Status(); st.Condition != CondNotConnected || st.Error != "not connected" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestWriteFailureTriggersReconnect(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := &fakeDialer{next: func(n int) (Conn, error) {
		if n == 1 {
			return first, nil
		}
		return second, nil
	}}
	m := New(testConfig(), d, staticToken, Hooks{}, logx.Nop())
	defer m.Destroy()
	m.Connect()
	waitFor(t, "open", m.IsOpen)

	first.failWr.Store(true)
	if err := m.Send(protocol.SubscribeSeries("S1")); err == nil {
		t.Fatalf("expected write error")
	}
	waitFor(t, "second dial", func() bool { return d.count() == 2 })
	waitFor(t, "reopen", m.IsOpen)
}

func TestCloseCancelsScheduledRetry(t *testing.T) {
	d := &fakeDialer{next: func(int) (Conn, error) { return nil, errors.New("refused") }}
	cfg := testConfig()
	cfg.BackoffFloor = 50 * time.Millisecond
	cfg.BackoffCeiling = 50 * time.Millisecond
	m := New(cfg, d, staticToken, Hooks{}, logx.Nop())
	defer m.Destroy()

	m.Connect()
	waitFor(t, "retry scheduled", func() bool { return m.Status().Condition == CondReconnecting })
	m.Close("user logged out")
	time.Sleep(120 * time.Millisecond)

	if d.count() != 1 {
		t.Fatalf("dials = %d, want 1", d.count())
	}
	if st := m.Status(); st.State != Closed || st.Condition != CondNone {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestCloseSendsNormalCode(t *testing.T) {
	fc := newFakeConn()
	d := &fakeDialer{next: func(int) (Conn, error) { return fc, nil }}
	m := New(testConfig(), d, staticToken, Hooks{}, logx.Nop())
	defer m.Destroy()
	m.Connect()
	waitFor(t, "open", m.IsOpen)

	m.Close("component unmounting")
	waitFor(t, "socket closed", func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return fc.closeCode == protocol.CloseNormal
	})
	time.Sleep(20 * time.Millisecond)
	if d.count() != 1 {
		t.Fatalf("close must not reconnect, dials = %d", d.count())
	}
}

func TestMissingCredentialDoesNotDial(t *testing.T) {
	d := &fakeDialer{next: func(int) (Conn, error) { return newFakeConn(), nil }}
	tokens := TokenFunc(func(context.Context) (string, error) { return "", errors.New("no credential") })
	m := New(testConfig(), d, tokens, Hooks{}, logx.Nop())
	defer m.Destroy()

	m.Connect()
	waitFor(t, "no credential", func() bool { return m.Status().Condition == CondNoCredential })
	if d.count() != 0 {
		t.Fatalf("dials = %d, want 0", d.count())
	}
}

func TestHeartbeatSendsPing(t *testing.T) {
	fc := newFakeConn()
	d := &fakeDialer{next: func(int) (Conn, error) { return fc, nil }}
	cfg := testConfig()
	cfg.Heartbeat = 5 * time.Millisecond
	m := New(cfg, d, staticToken, Hooks{}, logx.Nop())
	defer m.Destroy()
	m.Connect()

	waitFor(t, "ping", func() bool {
		for _, f := range fc.frames() {
			if f.Event == protocol.EventPing {
				return true
			}
		}
		return false
	})
}

func TestDestroyClosesWatchers(t *testing.T) {
	d := &fakeDialer{next: func(int) (Conn, error) { return newFakeConn(), nil }}
	m := New(testConfig(), d, staticToken, Hooks{}, logx.Nop())
	ch, _ := m.Watch(4)
	m.Destroy()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if err := m.Send(protocol.Ping()); !errors.Is(err, ErrDestroyed) {
					t.Fatalf("expected ErrDestroyed, got %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatalf("watch channel not closed")
		}
	}
}

func TestWatchSeedsOnlyTheNewWatcher(t *testing.T) {
	d := &fakeDialer{next: func(int) (Conn, error) { return newFakeConn(), nil }}
	m := New(testConfig(), d, staticToken, Hooks{}, logx.Nop())
	defer m.Destroy()

	first, unsubFirst := m.Watch(8)
	defer unsubFirst()
	if st := <-first; st.State != Idle {
		t.Fatalf("initial state = %v, want Idle", st.State)
	}

	second, unsubSecond := m.Watch(8)
	defer unsubSecond()
	if st := <-second; st.State != Idle {
		t.Fatalf("second watcher initial state = %v, want Idle", st.State)
	}
	select {
	case st := <-first:
		t.Fatalf("first watcher got a duplicate status %+v", st)
	default:
	}
}
