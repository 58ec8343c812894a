package alert

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mangabell/internal/eventbus"
	rtsup "mangabell/internal/runtime/supervisor"
	logx "mangabell/pkg/logx"
)

// Dispatcher is safe for concurrent use.
//
// Alerts are delivered in enqueue order by one worker. The badge is a
// latest-value slot: a burst of SetBadge calls collapses into one Port call
// carrying the newest count.
type Dispatcher struct {
	mu sync.Mutex

	log  logx.Logger
	port Port

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Alert
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	bmu          sync.Mutex
	badge        int
	badgePending bool
	badgeKick    chan struct{}

	deliveries *eventbus.Bus[Delivery]
}

func NewDispatcher(cfg Config, port Port, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		port:       port,
		log:        log.With(logx.String("comp", "alert")),
		badgeKick:  make(chan struct{}, 1),
		deliveries: eventbus.New[Delivery](),
	}
	d.applyLocked(cfg)
	return d
}

// Apply swaps rate and retry settings. The queue size only changes on the
// next Start.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	d.cfg = cfg
	// burst = rate per sec so a handful of chapters landing together go out at once
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.queue != nil {
		d.mu.Unlock()
		return
	}
	d.queue = make(chan Alert, d.cfg.QueueSize)
	d.accepting = true
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log))
	sup, q := d.sup, d.queue
	d.mu.Unlock()

	sup.Go0("alert.worker", func(c context.Context) { d.workerLoop(c, q) })
}

// Stop stops intake and drains queued alerts until ctx expires. A pending
// badge update is flushed as part of the drain.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	q, sup := d.queue, d.sup
	if q == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	go func() {
		defer close(done)
		d.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		d.mu.Lock()
		d.queue = nil
		d.sup = nil
		d.stopDone = nil
		d.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Present enqueues a for delivery. It never waits for the Port.
func (d *Dispatcher) Present(ctx context.Context, a Alert) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	d.mu.Lock()
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	q := d.queue
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	select {
	case q <- a:
		return nil
	default:
		d.publish(Delivery{Kind: "alert", Title: a.Title, At: time.Now(), Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

// SetBadge records n as the badge to show. Only the newest value is kept.
func (d *Dispatcher) SetBadge(n int) {
	if n < 0 {
		n = 0
	}
	d.bmu.Lock()
	d.badge = n
	d.badgePending = true
	d.bmu.Unlock()
	select {
	case d.badgeKick <- struct{}{}:
	default:
	}
}

// Deliveries streams final outcomes, mostly for tests and the CLI.
func (d *Dispatcher) Deliveries(buffer int) (<-chan Delivery, func()) {
	return d.deliveries.Subscribe(buffer)
}

func (d *Dispatcher) publish(ev Delivery) {
	d.deliveries.Publish(ev)
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.badgeKick:
			d.flushBadge(ctx)
		case a, ok := <-q:
			if !ok {
				d.flushBadge(ctx)
				return
			}
			d.deliverAlert(ctx, a)
		}
	}
}

func (d *Dispatcher) flushBadge(ctx context.Context) {
	d.bmu.Lock()
	n, pending := d.badge, d.badgePending
	d.badgePending = false
	d.bmu.Unlock()
	if !pending || d.port == nil {
		return
	}
	attempts, err := d.withRetry(ctx, func(c context.Context) error { return d.port.SetBadgeCount(c, n) })
	ev := Delivery{Kind: "badge", Badge: n, Attempts: attempts, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
		d.log.Warn("badge update failed", logx.Int("badge", n), logx.Int("attempts", attempts), logx.Err(err))
	}
	d.publish(ev)
}

func (d *Dispatcher) deliverAlert(ctx context.Context, a Alert) {
	if d.port == nil {
		return
	}
	attempts, err := d.withRetry(ctx, func(c context.Context) error { return d.port.PresentAlert(c, a) })
	ev := Delivery{Kind: "alert", Title: a.Title, Attempts: attempts, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
		d.log.Warn("alert delivery failed", logx.String("title", a.Title), logx.Int("attempts", attempts), logx.Err(err))
	}
	d.publish(ev)
}

func (d *Dispatcher) withRetry(runCtx context.Context, call func(context.Context) error) (int, error) {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(runCtx); err != nil {
			return attempt - 1, err
		}
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := call(callCtx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		d.log.Debug("alert port call failed", logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if attempt >= maxAttempts {
			return attempt, lastErr
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return attempt, runCtx.Err()
		}
	}
	return maxAttempts, lastErr
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the NEXT attempt
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
