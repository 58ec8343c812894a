// Package inbox keeps the bounded notification log, the read-set and the
// unread badge.
//
// The store is the source of truth. Every mutation is a read-modify-write
// against the persisted value, so the daemon and a CLI invocation sharing
// one store never lose each other's updates. If the store fails, the inbox
// logs it and carries on from its in-memory mirror for the rest of the
// session (Degraded reports this).
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"mangabell/internal/alert"
	"mangabell/internal/eventbus"
	"mangabell/internal/storage"
	logx "mangabell/pkg/logx"
)

const DefaultLimit = 100

// Alerter is the non-blocking front of the alert port.
type Alerter interface {
	Present(ctx context.Context, a alert.Alert) error
	SetBadge(n int)
}

// Entry is a log entry with its read flag, as shown to users.
type Entry struct {
	Notification
	Read bool `json:"read"`
}

type Inbox struct {
	store  storage.Store
	alerts Alerter
	log    logx.Logger
	now    func() time.Time
	limit  int

	mu       sync.Mutex
	items    []Notification
	read     []string
	readSet  map[string]struct{}
	degraded bool

	unread *eventbus.Bus[int]
}

// New returns an empty inbox; call Load to pick up persisted state. A nil
// store keeps everything in memory.
func New(store storage.Store, alerts Alerter, log logx.Logger) *Inbox {
	return &Inbox{
		store:   store,
		alerts:  alerts,
		log:     log.With(logx.String("comp", "inbox")),
		now:     time.Now,
		limit:   DefaultLimit,
		readSet: map[string]struct{}{},
		unread:  eventbus.New[int](),
	}
}

// Load replaces the mirrors with persisted state and pushes the badge.
func (i *Inbox) Load(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reloadLocked(ctx)
	i.pushBadgeLocked()
}

func (i *Inbox) reloadLocked(ctx context.Context) {
	if !i.persistent() {
		return
	}
	items, err := readJSON[[]Notification](ctx, i.store, storage.KeyNotifications)
	if err != nil {
		i.degradeLocked("load notifications", err)
		return
	}
	read, err := readJSON[[]string](ctx, i.store, storage.KeyReadNotifications)
	if err != nil {
		i.degradeLocked("load read set", err)
		return
	}
	i.items = normalize(items, i.limit)
	i.read = i.read[:0]
	i.readSet = map[string]struct{}{}
	i.addReadLocked(read...)
}

// Ingest prepends n to the log and drops the tail beyond the limit. It
// returns true when n was new, in which case an alert is raised and the badge
// refreshed. A repeated id is a no-op.
func (i *Inbox) Ingest(ctx context.Context, n Notification) bool {
	if strings.TrimSpace(n.ID) == "" {
		i.log.Warn("notification without id dropped", logx.String("type", string(n.Kind)))
		return false
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = i.now().UTC()
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	var inserted bool
	if i.persistent() {
		raw, err := i.store.Update(ctx, storage.KeyNotifications, func(cur []byte, ok bool) ([]byte, error) {
			var list []Notification
			if ok {
				if err := json.Unmarshal(cur, &list); err != nil {
					return nil, err
				}
			}
			var out []Notification
			out, inserted = merge(normalize(list, i.limit), n, i.limit)
			if !inserted {
				return nil, storage.ErrNoChange
			}
			return json.Marshal(out)
		})
		if err == nil {
			var stored []Notification
			if err = json.Unmarshal(raw, &stored); err == nil {
				i.items = normalize(stored, i.limit)
			}
		}
		if err != nil {
			i.degradeLocked("persist notification", err)
		}
	}
	if !i.persistent() {
		i.items, inserted = merge(i.items, n, i.limit)
	}

	if !inserted {
		i.log.Debug("duplicate notification ignored", logx.String("id", n.ID))
		return false
	}

	i.log.Info("notification received",
		logx.String("id", n.ID),
		logx.String("type", string(n.Kind)),
		logx.String("manga_id", n.SeriesID),
	)
	if i.alerts != nil {
		if err := i.alerts.Present(ctx, n.Alert()); err != nil {
			i.log.Warn("alert not queued", logx.String("id", n.ID), logx.Err(err))
		}
	}
	i.pushBadgeLocked()
	return true
}

// MarkRead adds id to the read-set. It returns false if id was already
// read. Read status is never revoked.
func (i *Inbox) MarkRead(ctx context.Context, id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	_, already := i.readSet[id]
	if i.persistent() {
		raw, err := i.store.Update(ctx, storage.KeyReadNotifications, func(cur []byte, ok bool) ([]byte, error) {
			var ids []string
			if ok {
				if err := json.Unmarshal(cur, &ids); err != nil {
					return nil, err
				}
			}
			for _, r := range ids {
				if r == id {
					return nil, storage.ErrNoChange
				}
			}
			return json.Marshal(append(ids, id))
		})
		if err == nil {
			var stored []string
			if err = json.Unmarshal(raw, &stored); err == nil {
				i.addReadLocked(stored...)
			}
		}
		if err != nil {
			i.degradeLocked("persist read set", err)
		}
	}
	i.addReadLocked(id)
	i.pushBadgeLocked()
	return !already
}

// Clear wipes the log and the read-set and zeroes the badge. It is
// destructive; callers confirm with the user first.
func (i *Inbox) Clear(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.persistent() {
		if err := i.store.Delete(ctx, storage.KeyNotifications, storage.KeyReadNotifications); err != nil {
			i.degradeLocked("clear", err)
		}
	}
	i.items = nil
	i.read = nil
	i.readSet = map[string]struct{}{}
	i.log.Info("notifications cleared")
	i.pushBadgeLocked()
}

// SyncBadge re-reads persisted state (another process may have marked
// entries read) and pushes the badge again.
func (i *Inbox) SyncBadge(ctx context.Context) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.persistent() {
		prevRead := append([]string(nil), i.read...)
		i.reloadLocked(ctx)
		i.addReadLocked(prevRead...)
	}
	return i.pushBadgeLocked()
}

func (i *Inbox) UnreadCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.unreadLocked()
}

func (i *Inbox) IsRead(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.readSet[id]
	return ok
}

// Notifications returns the log, newest first.
func (i *Inbox) Notifications() []Entry {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Entry, 0, len(i.items))
	for _, n := range i.items {
		_, read := i.readSet[n.ID]
		out = append(out, Entry{Notification: n, Read: read})
	}
	return out
}

// Find returns the log entry with id.
func (i *Inbox) Find(id string) (Notification, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, n := range i.items {
		if n.ID == id {
			return n, true
		}
	}
	return Notification{}, false
}

func (i *Inbox) Degraded() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.degraded
}

// Watch streams the unread count after every change.
func (i *Inbox) Watch(buffer int) (<-chan int, func()) {
	return i.unread.Subscribe(buffer)
}

// Close releases watchers.
func (i *Inbox) Close() {
	i.unread.Close()
}

func (i *Inbox) persistent() bool {
	return i.store != nil && !i.degraded
}

func (i *Inbox) degradeLocked(op string, err error) {
	if errors.Is(err, context.Canceled) {
		i.log.Debug("store operation cancelled", logx.String("op", op))
		return
	}
	if !i.degraded {
		i.log.Error("store failed, continuing in memory for this session", logx.String("op", op), logx.Err(err))
	}
	i.degraded = true
}

func (i *Inbox) addReadLocked(ids ...string) {
	for _, id := range ids {
		if _, ok := i.readSet[id]; ok || id == "" {
			continue
		}
		i.readSet[id] = struct{}{}
		i.read = append(i.read, id)
	}
}

func (i *Inbox) unreadLocked() int {
	n := 0
	for _, it := range i.items {
		if _, ok := i.readSet[it.ID]; !ok {
			n++
		}
	}
	return n
}

func (i *Inbox) pushBadgeLocked() int {
	n := i.unreadLocked()
	if i.alerts != nil {
		i.alerts.SetBadge(n)
	}
	i.unread.Publish(n)
	return n
}

func readJSON[T any](ctx context.Context, st storage.Store, key string) (T, error) {
	var out T
	raw, ok, err := st.Get(ctx, key)
	if err != nil || !ok {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
