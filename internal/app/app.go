package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mangabell/internal/alert"
	"mangabell/internal/conn"
	"mangabell/internal/credential"
	"mangabell/internal/maintenance"
	"mangabell/internal/observability/debug"
	"mangabell/internal/router"
	"mangabell/internal/runtime/supervisor"
	"mangabell/internal/session"
	"mangabell/internal/storage"
	logx "mangabell/pkg/logx"
)

const (
	jobBadgeResync = "badge_resync"
	jobCompact     = "compact"
)

// App is the long-running notification daemon: one session over the
// configured server, alerts through the configured sink.
type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	alerts *alert.Dispatcher
	creds  *credential.Source
	sess   *session.Session
	maint  *maintenance.Service
	dbg    *debug.Server

	// notify reports daemon state to the service manager (sd_notify).
	notify func(state string)
}

// Options override collaborators, mainly for tests.
type Options struct {
	Dialer conn.Dialer
	Port   alert.Port
}

func NewApp(cfgPath string) (*App, error) {
	return NewAppWithOptions(cfgPath, Options{})
}

func NewAppWithOptions(cfgPath string, opts Options) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	connCfg, wsDialer, err := mapConnConfig(cfg)
	if err != nil {
		return nil, err
	}
	var dialer conn.Dialer = wsDialer
	if opts.Dialer != nil {
		dialer = opts.Dialer
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	port := opts.Port
	if port == nil {
		sink, err := mapSinkConfig(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		port, err = alert.NewPort(sink, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	acfg, err := mapAlertConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	alerts := alert.NewDispatcher(acfg, port, log)

	creds := credential.NewSource(mapCredentialOptions(cfg, log), log)

	sess := session.New(session.Deps{
		Conn:   connCfg,
		Dialer: dialer,
		Tokens: creds,
		Store:  store,
		Alerts: alerts,
		Log:    log,
	})

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		alerts:  alerts,
		creds:   creds,
		sess:    sess,
		maint:   maintenance.New(log),
		notify:  sdNotify,
	}
	a.dbg = debug.New(a.statusSnapshot, log)
	return a, nil
}

func sdNotify(state string) {
	// (false, nil) means no NOTIFY_SOCKET, i.e. not under systemd.
	_, _ = daemon.SdNotify(false, state)
}

func (a *App) Session() *session.Session { return a.sess }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	a.alerts.Start(runCtx)
	a.watchStatus()
	a.watchDeliveries()

	if err := a.applyMaintenance(a.cfgm.Get()); err != nil {
		return err
	}
	a.maint.Start(runCtx)

	a.sess.Start(runCtx)

	dc, err := mapDebugConfig(a.cfgm.Get())
	if err != nil {
		return err
	}
	if err := a.dbg.Reconfigure(runCtx, dc); err != nil {
		return err
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("session", a.sess.ID()))
	return nil
}

// Reconnect forgets the cached credential and starts a fresh connection
// attempt. It is the manual retry for terminal conditions.
func (a *App) Reconnect() {
	a.creds.Forget()
	a.log.Info("manual reconnect requested")
	a.sess.Reconnect()
}

// Status is the /status snapshot of the debug endpoint.
type Status struct {
	Session     string               `json:"session"`
	Connection  conn.Status          `json:"connection"`
	Unread      int                  `json:"unread"`
	Degraded    bool                 `json:"degraded"`
	Router      router.Counters      `json:"router"`
	Supervisor  supervisor.Counters  `json:"supervisor"`
	Maintenance maintenance.Snapshot `json:"maintenance"`
}

func (a *App) statusSnapshot() any {
	st := Status{
		Session:     a.sess.ID(),
		Connection:  a.sess.Status(),
		Unread:      a.sess.UnreadCount(),
		Degraded:    a.sess.Degraded(),
		Router:      a.sess.RouterCounters(),
		Maintenance: a.maint.Snapshot(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Counters()
	}
	return st
}

// applyMaintenance (re)registers the periodic jobs for cfg.
func (a *App) applyMaintenance(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	if err := a.maint.Set(maintenance.Job{
		Name:    jobBadgeResync,
		Spec:    cfg.Maintenance.BadgeResyncSpec(),
		Timeout: 30 * time.Second,
		Run: func(c context.Context) error {
			n := a.sess.SyncBadge(c)
			a.log.Debug("badge resynced", logx.Int("unread", n))
			return nil
		},
	}); err != nil {
		return fmt.Errorf("maintenance.badge_resync: %w", err)
	}
	if err := a.maint.Set(maintenance.Job{
		Name:    jobCompact,
		Spec:    cfg.Maintenance.CompactSpec(),
		Timeout: 5 * time.Minute,
		Run: func(c context.Context) error {
			cp, ok := a.store.(storage.Compactor)
			if !ok {
				return nil
			}
			return cp.Compact(c)
		},
	}); err != nil {
		return fmt.Errorf("maintenance.compact: %w", err)
	}
	return nil
}

// watchStatus logs connection transitions so terminal conditions are
// visible without a client attached.
func (a *App) watchStatus() {
	statuses, unsub := a.sess.WatchStatus(16)
	a.sup.Go0("session.status", func(c context.Context) {
		defer unsub()
		var last conn.Status
		for {
			select {
			case <-c.Done():
				return
			case st, ok := <-statuses:
				if !ok {
					return
				}
				if st.State == last.State && st.Condition == last.Condition && st.Attempt == last.Attempt {
					continue
				}
				last = st
				fields := []logx.Field{
					logx.String("state", st.State.String()),
					logx.String("condition", string(st.Condition)),
				}
				switch {
				case st.Connected:
					a.log.Info("connected", fields...)
				case st.Condition == conn.CondReconnecting:
					a.log.Warn(st.Error, append(fields, logx.Duration("backoff", st.Backoff))...)
				case st.Condition.Terminal():
					a.log.Error(st.Error, fields...)
				default:
					a.log.Debug("connection state", fields...)
				}
			}
		}
	})
}

func (a *App) watchDeliveries() {
	deliveries, unsub := a.alerts.Deliveries(32)
	a.sup.Go0("alert.deliveries", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				if !d.OK() {
					a.log.Warn("alert not delivered",
						logx.String("kind", d.Kind),
						logx.Int("attempts", d.Attempts),
						logx.String("err", d.Error),
					)
				}
			}
		}
	})
}

func (a *App) reloadLoop(c context.Context) {
	sub, unsub := a.cfgm.Subscribe(8)
	defer unsub()
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if acfg, err := mapAlertConfig(newCfg); err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	} else {
		a.alerts.Apply(acfg)
	}

	if err := a.applyMaintenance(newCfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	}

	if dc, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else if err := a.dbg.Reconfigure(a.sup.Context(), dc); err != nil {
		a.log.Warn("debug endpoint reconfigure failed", logx.Err(err))
	}

	if restart := RestartRequiredSections(oldCfg, newCfg, sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.notify(daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Close the session first so the server sees a normal close before the
	// run context unwinds the socket goroutines.
	a.step(ctx, "session", 2*time.Second, func(context.Context) error {
		a.sess.Close(reason.closeReason())
		return nil
	})
	// Drain queued alerts while the worker context is still live.
	a.step(ctx, "alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	a.sup.Cancel()

	a.step(ctx, "debug", 2*time.Second, func(c context.Context) error { a.dbg.Stop(c); return nil })
	a.step(ctx, "maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "config", 0, func(context.Context) error { a.cfgm.Close(); return nil })

	// Finally, wait for supervised goroutines (config watch/reload, status loops).
	var err error
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err = a.sup.Wait(c)
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. max <= 0 means no extra bound.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
