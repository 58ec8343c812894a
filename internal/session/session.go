// Package session wires one authenticated notification session: the
// connection, the router, the inbox and the subscription registry.
//
// A Session is created when a credential becomes available and closed on
// logout. There is at most one live connection per Session.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"mangabell/internal/alert"
	"mangabell/internal/conn"
	"mangabell/internal/inbox"
	"mangabell/internal/protocol"
	"mangabell/internal/router"
	"mangabell/internal/storage"
	"mangabell/internal/subscriptions"
	logx "mangabell/pkg/logx"
)

type Deps struct {
	Conn   conn.Config
	Dialer conn.Dialer
	Tokens conn.TokenSource
	Store  storage.Store
	Alerts inbox.Alerter
	Log    logx.Logger
}

type Session struct {
	id  string
	log logx.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mgr    *conn.Manager
	router *router.Router
	inbox  *inbox.Inbox
	subs   *subscriptions.Registry
	alerts inbox.Alerter

	mu      sync.Mutex
	started bool
	closed  bool
}

func New(d Deps) *Session {
	id := uuid.NewString()
	log := d.Log.With(logx.String("session", id[:8]))
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{id: id, log: log, ctx: ctx, cancel: cancel, alerts: d.Alerts}
	s.inbox = inbox.New(d.Store, d.Alerts, log)
	s.router = router.New(router.Handlers{
		NewSeries:  s.onNewSeries,
		NewChapter: s.onNewChapter,
		Broadcast:  s.onBroadcast,
	}, log)
	s.mgr = conn.New(d.Conn, d.Dialer, d.Tokens, conn.Hooks{
		OnMessage: func(raw []byte) { s.router.Dispatch(s.ctx, raw) },
		Replay:    func() []protocol.Frame { return s.subs.ReplayFrames() },
	}, log)
	s.subs = subscriptions.New(d.Store, s.mgr, log)
	return s
}

func (s *Session) ID() string { return s.id }

// Start loads persisted state and connects. It does not wait for the
// connection to open.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.subs.Load(ctx)
	s.inbox.Load(ctx)
	s.log.Info("session started",
		logx.Int("subscriptions", len(s.subs.List())),
		logx.Int("unread", s.inbox.UnreadCount()),
	)
	s.mgr.Connect()
}

// Close ends the session with a normal close and releases every watcher.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if strings.TrimSpace(reason) == "" {
		reason = "session closed"
	}
	s.mgr.Close(reason)
	s.mgr.Destroy()
	s.inbox.Close()
	s.cancel()
	s.log.Info("session closed", logx.String("reason", reason))
}

func (s *Session) onNewSeries(ctx context.Context, ev protocol.NewSeries) {
	n, _ := inbox.FromEvent(ev)
	s.inbox.Ingest(ctx, n)
}

func (s *Session) onNewChapter(ctx context.Context, ev protocol.NewChapter) {
	n, _ := inbox.FromEvent(ev)
	s.inbox.Ingest(ctx, n)
}

// Broadcasts raise an alert but never enter the log.
func (s *Session) onBroadcast(ctx context.Context, ev protocol.Broadcast) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Present(ctx, inbox.BroadcastAlert(ev)); err != nil {
		s.log.Warn("broadcast alert not queued", logx.Err(err))
	}
}

// Connection

func (s *Session) Status() conn.Status { return s.mgr.Status() }

func (s *Session) WatchStatus(buffer int) (<-chan conn.Status, func()) {
	return s.mgr.Watch(buffer)
}

func (s *Session) Reconnect() { s.mgr.Reconnect() }

// SubscribeGeneral re-sends the general subscribe frame.
func (s *Session) SubscribeGeneral() error {
	return s.mgr.Send(protocol.SubscribeGeneral())
}

// Subscriptions

func (s *Session) Subscribe(ctx context.Context, seriesID, title string) bool {
	return s.subs.Subscribe(ctx, seriesID, title)
}

func (s *Session) Unsubscribe(ctx context.Context, seriesID string) bool {
	return s.subs.Unsubscribe(ctx, seriesID)
}

func (s *Session) IsSubscribed(seriesID string) bool { return s.subs.IsSubscribed(seriesID) }

func (s *Session) Subscriptions() []subscriptions.Subscription { return s.subs.List() }

// Inbox

func (s *Session) Notifications() []inbox.Entry { return s.inbox.Notifications() }

func (s *Session) UnreadCount() int { return s.inbox.UnreadCount() }

func (s *Session) MarkRead(ctx context.Context, id string) bool { return s.inbox.MarkRead(ctx, id) }

func (s *Session) Clear(ctx context.Context) { s.inbox.Clear(ctx) }

func (s *Session) SyncBadge(ctx context.Context) int { return s.inbox.SyncBadge(ctx) }

func (s *Session) WatchUnread(buffer int) (<-chan int, func()) { return s.inbox.Watch(buffer) }

// Degraded reports whether any store-backed part fell back to memory.
func (s *Session) Degraded() bool { return s.inbox.Degraded() || s.subs.Degraded() }

func (s *Session) RouterCounters() router.Counters { return s.router.Counters() }

// HandleAlertResponse is called when the user acts on an alert. The
// notification is marked read and the deep link for it is returned, or ""
// when the alert has none.
func (s *Session) HandleAlertResponse(ctx context.Context, data map[string]any) string {
	if id := dataString(data, alert.DataNotificationID); id != "" {
		s.inbox.MarkRead(ctx, id)
	}
	switch dataString(data, alert.DataType) {
	case string(inbox.KindNewChapter):
		if ch := dataString(data, alert.DataChapterID); ch != "" {
			return "/chapter/" + ch
		}
	case string(inbox.KindNewSeries):
		if m := dataString(data, alert.DataMangaID); m != "" {
			return "/manga/" + m
		}
	}
	return ""
}

func dataString(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
