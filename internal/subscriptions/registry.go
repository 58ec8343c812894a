// Package subscriptions tracks the series the user follows and produces the
// frames that register them with the server.
package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"mangabell/internal/protocol"
	"mangabell/internal/storage"
	logx "mangabell/pkg/logx"
)

// Subscription is persisted as a JSON array under the subscriptions key.
type Subscription struct {
	SeriesID     string    `json:"mangaId"`
	SeriesTitle  string    `json:"mangaTitle"`
	SubscribedAt time.Time `json:"subscribedAt"`
}

// Sender is the connection as seen by the registry.
type Sender interface {
	IsOpen() bool
	Send(f protocol.Frame) error
}

// Registry is an insertion-ordered set keyed by series id.
type Registry struct {
	store  storage.Store
	sender Sender
	log    logx.Logger
	now    func() time.Time

	mu       sync.Mutex
	subs     []Subscription
	degraded bool
}

// New returns an empty registry. A nil store keeps it in memory; a nil
// sender never sends.
func New(store storage.Store, sender Sender, log logx.Logger) *Registry {
	return &Registry{
		store:  store,
		sender: sender,
		log:    log.With(logx.String("comp", "subscriptions")),
		now:    time.Now,
	}
}

// Load replaces the mirror with the persisted list.
func (r *Registry) Load(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.persistent() {
		return
	}
	raw, ok, err := r.store.Get(ctx, storage.KeySubscriptions)
	if err != nil {
		r.degradeLocked("load", err)
		return
	}
	var list []Subscription
	if ok {
		if err := json.Unmarshal(raw, &list); err != nil {
			r.degradeLocked("decode", err)
			return
		}
	}
	r.subs = dedupe(list)
}

// Subscribe follows seriesID. It returns false if it was already followed.
// The frame goes out immediately only if the connection is open; either way
// it is sent again on the next (re)connect.
func (r *Registry) Subscribe(ctx context.Context, seriesID, title string) bool {
	seriesID = strings.TrimSpace(seriesID)
	if seriesID == "" {
		return false
	}
	sub := Subscription{SeriesID: seriesID, SeriesTitle: title, SubscribedAt: r.now().UTC()}

	r.mu.Lock()
	added := r.mutateLocked(ctx, func(list []Subscription) ([]Subscription, bool) {
		if indexOf(list, seriesID) >= 0 {
			return list, false
		}
		return append(list, sub), true
	})
	r.mu.Unlock()

	if !added {
		return false
	}
	r.log.Info("subscribed", logx.String("manga_id", seriesID), logx.String("title", title))
	r.sendIfOpen(protocol.SubscribeSeries(seriesID))
	return true
}

// Unsubscribe stops following seriesID. It returns false if it wasn't
// followed.
func (r *Registry) Unsubscribe(ctx context.Context, seriesID string) bool {
	seriesID = strings.TrimSpace(seriesID)
	r.mu.Lock()
	removed := r.mutateLocked(ctx, func(list []Subscription) ([]Subscription, bool) {
		i := indexOf(list, seriesID)
		if i < 0 {
			return list, false
		}
		out := make([]Subscription, 0, len(list)-1)
		out = append(out, list[:i]...)
		return append(out, list[i+1:]...), true
	})
	r.mu.Unlock()

	if !removed {
		return false
	}
	r.log.Info("unsubscribed", logx.String("manga_id", seriesID))
	r.sendIfOpen(protocol.UnsubscribeSeries(seriesID))
	return true
}

func (r *Registry) IsSubscribed(seriesID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return indexOf(r.subs, seriesID) >= 0
}

// List returns the subscriptions in insertion order.
func (r *Registry) List() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Subscription(nil), r.subs...)
}

// ReplayFrames returns one subscribe frame per subscription, in insertion
// order.
func (r *Registry) ReplayFrames() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Frame, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, protocol.SubscribeSeries(s.SeriesID))
	}
	return out
}

func (r *Registry) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// mutateLocked applies fn to the persisted list (read-modify-write) and
// refreshes the mirror. On store failure it falls back to the mirror.
func (r *Registry) mutateLocked(ctx context.Context, fn func([]Subscription) ([]Subscription, bool)) bool {
	if r.persistent() {
		var changed bool
		raw, err := r.store.Update(ctx, storage.KeySubscriptions, func(cur []byte, ok bool) ([]byte, error) {
			var list []Subscription
			if ok {
				if err := json.Unmarshal(cur, &list); err != nil {
					return nil, err
				}
			}
			var next []Subscription
			next, changed = fn(dedupe(list))
			if !changed {
				return nil, storage.ErrNoChange
			}
			return json.Marshal(next)
		})
		if err == nil {
			var stored []Subscription
			if len(raw) > 0 {
				err = json.Unmarshal(raw, &stored)
			}
			if err == nil {
				r.subs = dedupe(stored)
				return changed
			}
		}
		r.degradeLocked("persist", err)
	}
	next, changed := fn(r.subs)
	r.subs = next
	return changed
}

func (r *Registry) sendIfOpen(f protocol.Frame) {
	if r.sender == nil || !r.sender.IsOpen() {
		r.log.Debug("not connected, frame deferred to next connect", logx.String("event", f.Event))
		return
	}
	if err := r.sender.Send(f); err != nil {
		r.log.Warn("send failed", logx.String("event", f.Event), logx.Err(err))
	}
}

func (r *Registry) persistent() bool {
	return r.store != nil && !r.degraded
}

func (r *Registry) degradeLocked(op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if !r.degraded {
		r.log.Error("store failed, continuing in memory for this session", logx.String("op", op), logx.Err(err))
	}
	r.degraded = true
}

func indexOf(list []Subscription, seriesID string) int {
	for i, s := range list {
		if s.SeriesID == seriesID {
			return i
		}
	}
	return -1
}

func dedupe(list []Subscription) []Subscription {
	out := make([]Subscription, 0, len(list))
	for _, s := range list {
		if s.SeriesID == "" || indexOf(out, s.SeriesID) >= 0 {
			continue
		}
		out = append(out, s)
	}
	return out
}
