// Package router decodes inbound frames and hands each to exactly one
// handler, in arrival order.
package router

import (
	"context"
	"sync/atomic"

	"mangabell/internal/protocol"
	logx "mangabell/pkg/logx"
)

// Handlers are called synchronously on the dispatching goroutine. A nil
// handler drops its kind.
type Handlers struct {
	NewSeries  func(ctx context.Context, ev protocol.NewSeries)
	NewChapter func(ctx context.Context, ev protocol.NewChapter)
	Broadcast  func(ctx context.Context, ev protocol.Broadcast)
	Pong       func(ctx context.Context)
}

// Counters are best-effort totals for status output.
type Counters struct {
	Dispatched uint64 `json:"dispatched"`
	Malformed  uint64 `json:"malformed"`
	Unknown    uint64 `json:"unknown"`
}

type Router struct {
	h   Handlers
	log logx.Logger

	dispatched atomic.Uint64
	malformed  atomic.Uint64
	unknown    atomic.Uint64
}

func New(h Handlers, log logx.Logger) *Router {
	return &Router{h: h, log: log.With(logx.String("comp", "router"))}
}

// Dispatch never fails: malformed frames are logged and dropped without
// touching the connection.
func (r *Router) Dispatch(ctx context.Context, raw []byte) {
	ev, err := protocol.Decode(raw)
	if err != nil {
		r.malformed.Add(1)
		r.log.Warn("dropping malformed frame", logx.Int("bytes", len(raw)), logx.Err(err))
		return
	}
	r.dispatched.Add(1)

	switch e := ev.(type) {
	case protocol.NewSeries:
		if r.h.NewSeries != nil {
			r.h.NewSeries(ctx, e)
		}
	case protocol.NewChapter:
		if r.h.NewChapter != nil {
			r.h.NewChapter(ctx, e)
		}
	case protocol.Broadcast:
		if r.h.Broadcast != nil {
			r.h.Broadcast(ctx, e)
		}
	case protocol.Pong:
		r.log.Trace("pong")
		if r.h.Pong != nil {
			r.h.Pong(ctx)
		}
	case protocol.Unknown:
		r.unknown.Add(1)
		r.log.Debug("ignoring unknown event", logx.String("event", e.Name))
	}
}

func (r *Router) Counters() Counters {
	return Counters{
		Dispatched: r.dispatched.Load(),
		Malformed:  r.malformed.Load(),
		Unknown:    r.unknown.Load(),
	}
}
