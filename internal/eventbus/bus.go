package eventbus

import (
	"sync"
)

// Bus is a typed, in-memory fanout used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels and an unsubscribe func.
//   - A slow subscriber loses its OLDEST pending value, never the newest one,
//     so state-like payloads (connection status, unread count) converge.
//
// The zero value is not usable; call New.
type Bus[T any] struct {
	// mu is held while sending so unsubscribe can never race a send
	// onto a closed channel.
	mu     sync.Mutex
	subs   map[uint64]chan T
	seq    uint64
	closed bool
}

// New returns an empty bus. It does not own any background goroutines.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: map[uint64]chan T{}}
}

func (b *Bus[T]) Publish(v T) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// drop oldest, then push latest (best-effort)
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribe registers a new listener. The returned func closes the channel and
// is safe to call more than once.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	return b.subscribe(buffer, nil)
}

// SubscribeWith is Subscribe with initial queued on the new channel only.
// Existing subscribers do not see it.
func (b *Bus[T]) SubscribeWith(buffer int, initial T) (<-chan T, func()) {
	return b.subscribe(buffer, &initial)
}

func (b *Bus[T]) subscribe(buffer int, initial *T) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if initial != nil {
		ch <- *initial
	}
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Len returns the number of live subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close unsubscribes everyone. Publish after Close is a no-op and Subscribe
// returns an already-closed channel.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
