// Package conn owns the single live socket to the notification server.
//
// State machine: Idle -> Connecting -> Open -> Closing -> Closed. Abnormal
// closes are retried with a doubling backoff (floor..ceiling) up to
// MaxAttempts; close code 4001 and a normal server close are never retried.
// Every socket gets a generation number and callbacks from an older
// generation are ignored, so a late read error can't tear down a newer
// connection.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"mangabell/internal/eventbus"
	"mangabell/internal/protocol"
	"mangabell/internal/runtime/supervisor"
	logx "mangabell/pkg/logx"
)

// Dialer opens one socket. It must honour ctx during the handshake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is a message-oriented socket. WriteMessage must be safe to call from
// multiple goroutines; ReadMessage is only called from the reader loop.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(b []byte) error
	Close(code int, reason string) error
}

// TokenSource yields the current credential. An error means there is no
// valid credential and the manager must not (re)connect.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

type Config struct {
	BaseURL        string
	Path           string
	MaxAttempts    int
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	Heartbeat      time.Duration
}

// Hooks are called without the manager lock held.
type Hooks struct {
	// OnMessage receives every inbound frame, in arrival order, on the
	// reader goroutine.
	OnMessage func(raw []byte)
	// Replay returns the frames sent after the general subscribe on every
	// transition to Open.
	Replay func() []protocol.Frame
}

type Manager struct {
	cfg    Config
	dialer Dialer
	tokens TokenSource
	hooks  Hooks
	log    logx.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	gen        uint64
	attempt    int
	backoff    time.Duration
	cond       Condition
	changedAt  time.Time
	conn       Conn
	sockets    *supervisor.Supervisor
	dialCancel context.CancelFunc
	retry      *time.Timer
	destroyed  bool

	statuses *eventbus.Bus[Status]
}

func New(cfg Config, dialer Dialer, tokens TokenSource, hooks Hooks, log logx.Logger) *Manager {
	cfg = applyDefaults(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		dialer:    dialer,
		tokens:    tokens,
		hooks:     hooks,
		log:       log.With(logx.String("comp", "conn")),
		ctx:       ctx,
		cancel:    cancel,
		state:     Idle,
		backoff:   cfg.BackoffFloor,
		changedAt: time.Now(),
		statuses:  eventbus.New[Status](),
	}
}

func applyDefaults(cfg Config) Config {
	if cfg.Path == "" {
		cfg.Path = protocol.DefaultPath
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = time.Second
	}
	if cfg.BackoffCeiling < cfg.BackoffFloor {
		cfg.BackoffCeiling = 10 * time.Second
		if cfg.BackoffCeiling < cfg.BackoffFloor {
			cfg.BackoffCeiling = cfg.BackoffFloor
		}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	return cfg
}

// Connect starts a connection attempt unless a socket is live, an attempt is
// in flight or a retry is already scheduled. It never blocks.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed || m.state == Connecting || m.state == Open || m.state == Closing {
		return
	}
	if m.retry != nil {
		return
	}
	if m.state == Idle || m.cond.Terminal() {
		m.attempt = 0
		m.backoff = m.cfg.BackoffFloor
	}
	m.beginLocked()
}

// Reconnect resets the retry budget and connects again. It is the manual
// way out of every terminal condition.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.gen++
	m.stopRetryLocked()
	m.teardownLocked(protocol.CloseNormal, "reconnecting")
	m.attempt = 0
	m.backoff = m.cfg.BackoffFloor
	m.cond = CondNone
	m.beginLocked()
}

// Close shuts the socket with a normal close code. Pending retries and the
// heartbeat are cancelled and no automatic reconnect follows.
func (m *Manager) Close(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(reason)
}

func (m *Manager) closeLocked(reason string) {
	if m.state == Idle && m.retry == nil {
		return
	}
	m.gen++
	m.stopRetryLocked()
	if m.conn != nil {
		m.setStateLocked(Closing, m.cond)
	}
	m.teardownLocked(protocol.CloseNormal, reason)
	m.attempt = 0
	m.backoff = m.cfg.BackoffFloor
	m.setStateLocked(Closed, CondNone)
	m.log.Info("connection closed", logx.String("reason", reason))
}

// Destroy closes the connection and releases every watcher. The manager is
// unusable afterwards.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.closeLocked("destroyed")
	m.destroyed = true
	m.mu.Unlock()

	m.cancel()
	m.statuses.Close()
}

// Send writes f if the connection is open. Otherwise the frame is dropped,
// a not-connected condition is recorded and ErrNotConnected is returned.
func (m *Manager) Send(f protocol.Frame) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.state != Open || m.conn == nil {
		if m.cond == CondNone {
			m.setStateLocked(m.state, CondNotConnected)
		}
		m.mu.Unlock()
		m.log.Debug("frame dropped, not connected", logx.String("event", f.Event))
		return ErrNotConnected
	}
	c, gen := m.conn, m.gen
	m.mu.Unlock()
	return m.write(gen, c, f)
}

func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Open
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Watch streams status changes. The current status is delivered first.
func (m *Manager) Watch(buffer int) (<-chan Status, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses.SubscribeWith(buffer, m.statusLocked())
}

func (m *Manager) statusLocked() Status {
	return Status{
		State:       m.state,
		Connected:   m.state == Open,
		Attempt:     m.attempt,
		MaxAttempts: m.cfg.MaxAttempts,
		Backoff:     m.backoff,
		Condition:   m.cond,
		Error:       describe(m.cond, m.attempt, m.cfg.MaxAttempts),
		ChangedAt:   m.changedAt,
	}
}

func (m *Manager) setStateLocked(s State, c Condition) {
	m.state = s
	m.cond = c
	m.changedAt = time.Now()
	m.statuses.Publish(m.statusLocked())
}

func (m *Manager) beginLocked() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(m.ctx)
	m.dialCancel = cancel
	m.setStateLocked(Connecting, m.cond)
	go m.dial(ctx, gen)
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		m.log.Warn("no usable credential, not connecting", logx.Err(err))
		m.mu.Lock()
		if gen == m.gen && m.state == Connecting {
			m.gen++
			m.dialCancel = nil
			m.setStateLocked(Closed, CondNoCredential)
		}
		m.mu.Unlock()
		return
	}

	url, err := protocol.SocketURL(m.cfg.BaseURL, m.cfg.Path, token)
	if err != nil {
		m.log.Error("invalid socket url", logx.Err(err))
		m.lost(gen, err)
		return
	}
	m.log.Debug("dialing", logx.String("url", protocol.RedactURL(url)), logx.Int("attempt", m.Status().Attempt))

	c, err := m.dialer.Dial(ctx, url)
	if err != nil {
		m.lost(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		m.mu.Unlock()
		_ = c.Close(protocol.CloseNormal, "superseded")
		return
	}
	m.dialCancel = nil
	m.conn = c
	m.attempt = 0
	m.backoff = m.cfg.BackoffFloor
	m.sockets = supervisor.New(m.ctx, supervisor.WithLogger(m.log))
	sockets := m.sockets
	m.setStateLocked(Open, CondNone)
	m.mu.Unlock()

	m.log.Info("connected")

	frames := []protocol.Frame{protocol.SubscribeGeneral()}
	if m.hooks.Replay != nil {
		frames = append(frames, m.hooks.Replay()...)
	}
	for _, f := range frames {
		if err := m.write(gen, c, f); err != nil {
			return
		}
	}

	sockets.Go0("conn.reader", func(ctx context.Context) { m.readLoop(ctx, gen, c) })
	sockets.Go0("conn.heartbeat", func(ctx context.Context) { m.heartbeat(ctx, gen, c) })
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, c Conn) {
	for {
		raw, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.lost(gen, err)
			}
			return
		}
		if m.hooks.OnMessage != nil {
			m.hooks.OnMessage(raw)
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context, gen uint64, c Conn) {
	t := time.NewTicker(m.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.write(gen, c, protocol.Ping()); err != nil {
				return
			}
		}
	}
}

// write sends one frame on c. A failed write counts as losing the socket.
func (m *Manager) write(gen uint64, c Conn, f protocol.Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	if err := c.WriteMessage(b); err != nil {
		m.log.Warn("write failed", logx.String("event", f.Event), logx.Err(err))
		m.lost(gen, err)
		return err
	}
	return nil
}

// lost handles a failed dial, a read error or a close frame for socket gen.
func (m *Manager) lost(gen uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || (m.state != Open && m.state != Connecting) {
		return
	}
	m.gen++
	m.teardownLocked(protocol.CloseNormal, "")

	var ce *CloseError
	closed := errors.As(cause, &ce)
	switch {
	case errors.Is(cause, ErrAuthRejected) || (closed && ce.Code == protocol.CloseAuthRejected):
		m.log.Error("authentication rejected by server, not retrying", logx.Err(cause))
		m.setStateLocked(Closed, CondAuthRejected)
	case closed && ce.Code == protocol.CloseNormal:
		m.log.Info("server closed the connection", logx.String("reason", ce.Reason))
		m.setStateLocked(Closed, CondClosedByServer)
	default:
		m.scheduleRetryLocked(cause)
	}
}

func (m *Manager) scheduleRetryLocked(cause error) {
	if m.attempt >= m.cfg.MaxAttempts {
		m.log.Error("reconnection failed, giving up", logx.Int("attempts", m.attempt), logx.Err(cause))
		m.setStateLocked(Closed, CondReconnectFailed)
		return
	}
	delay := m.backoff
	m.attempt++
	m.backoff = nextBackoff(m.backoff, m.cfg.BackoffCeiling)
	gen := m.gen

	m.log.Warn("connection lost, reconnect scheduled",
		logx.Int("attempt", m.attempt),
		logx.Int("max_attempts", m.cfg.MaxAttempts),
		logx.Duration("delay", delay),
		logx.Err(cause),
	)
	m.retry = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || m.destroyed {
			return
		}
		m.retry = nil
		m.beginLocked()
	})
	m.setStateLocked(Closed, CondReconnecting)
}

func nextBackoff(cur, ceiling time.Duration) time.Duration {
	next := cur * 2
	if next > ceiling {
		return ceiling
	}
	return next
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) teardownLocked(code int, reason string) {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.sockets != nil {
		m.sockets.Cancel()
		m.sockets = nil
	}
	if m.conn != nil {
		c := m.conn
		m.conn = nil
		go func() {
			if err := c.Close(code, reason); err != nil {
				m.log.Debug("socket close", logx.Err(err))
			}
		}()
	}
}
