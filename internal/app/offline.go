package app

import (
	"context"
	"fmt"

	"mangabell/internal/credential"
	"mangabell/internal/inbox"
	"mangabell/internal/storage"
	"mangabell/internal/subscriptions"
	logx "mangabell/pkg/logx"
)

// Offline is the persisted state opened without a connection, for CLI
// commands. Subscriptions changed here are replayed by the daemon on its
// next open.
type Offline struct {
	Config *Config
	Inbox  *inbox.Inbox
	Subs   *subscriptions.Registry

	store storage.Store
}

func OpenOffline(ctx context.Context, cfgPath string, log logx.Logger) (*Offline, error) {
	cfg, err := NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	o := &Offline{
		Config: cfg,
		Inbox:  inbox.New(store, nil, log),
		Subs:   subscriptions.New(store, nil, log),
		store:  store,
	}
	o.Inbox.Load(ctx)
	o.Subs.Load(ctx)
	if o.Inbox.Degraded() || o.Subs.Degraded() {
		_ = o.Close()
		return nil, fmt.Errorf("storage %s at %q is not readable", sc.Driver, sc.Path)
	}
	return o, nil
}

func (o *Offline) Close() error {
	o.Inbox.Close()
	return o.store.Close()
}

// OpenKeyring opens the credential keyring named by cfg regardless of
// auth.keyring.enabled; the CLI token commands are explicit.
func OpenKeyring(cfg *Config) (*credential.Keyring, error) {
	return credential.OpenKeyring(mapKeyringConfig(cfg))
}
