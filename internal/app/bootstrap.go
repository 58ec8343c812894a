package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"mangabell/internal/alert"
	"mangabell/internal/config"
	"mangabell/internal/conn"
	"mangabell/internal/credential"
	"mangabell/internal/maintenance"
	"mangabell/internal/observability/debug"
	"mangabell/internal/protocol"
	logx "mangabell/pkg/logx"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

var RestartRequiredSections = config.RestartRequired

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

const defaultTokenEnv = "MANGABELL_TOKEN"

// mapConnConfig returns the manager config and the dialer for it.
func mapConnConfig(cfg *Config) (conn.Config, conn.WSDialer, error) {
	base := strings.TrimSpace(cfg.Server.BaseURL)
	if base == "" {
		return conn.Config{}, conn.WSDialer{}, fmt.Errorf("server.base_url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return conn.Config{}, conn.WSDialer{}, fmt.Errorf("server.base_url: %w", err)
	}
	// Fail at load time rather than on the first dial.
	if _, err := protocol.SocketURL(base, cfg.Server.Path, "probe"); err != nil {
		return conn.Config{}, conn.WSDialer{}, fmt.Errorf("server.base_url %q: %w", u.Redacted(), err)
	}

	cc := cfg.Connection
	if cc.MaxAttempts < 0 {
		return conn.Config{}, conn.WSDialer{}, fmt.Errorf("connection.max_attempts must be >= 0")
	}

	var d config.Durations
	out := conn.Config{
		BaseURL:        base,
		Path:           strings.TrimSpace(cfg.Server.Path),
		MaxAttempts:    cc.MaxAttempts,
		BackoffFloor:   d.Or("connection.backoff_floor", cc.BackoffFloor, time.Second),
		BackoffCeiling: d.Or("connection.backoff_ceiling", cc.BackoffCeiling, 10*time.Second),
		Heartbeat:      d.Or("connection.heartbeat", cc.Heartbeat, 30*time.Second),
	}
	dialer := conn.WSDialer{
		HandshakeTimeout: d.Or("server.handshake_timeout", cfg.Server.HandshakeTimeout, 15*time.Second),
		WriteTimeout:     d.Or("server.write_timeout", cfg.Server.WriteTimeout, 5*time.Second),
		ReadTimeout:      d.Field("connection.read_timeout", cc.ReadTimeout),
	}
	if err := d.Err(); err != nil {
		return conn.Config{}, conn.WSDialer{}, err
	}
	if out.BackoffCeiling < out.BackoffFloor {
		return conn.Config{}, conn.WSDialer{}, fmt.Errorf("connection.backoff_ceiling must be >= connection.backoff_floor")
	}
	// The watchdog must outlast a heartbeat round trip.
	if dialer.ReadTimeout > 0 && dialer.ReadTimeout <= out.Heartbeat {
		return conn.Config{}, conn.WSDialer{}, fmt.Errorf("connection.read_timeout must exceed connection.heartbeat (%s)", out.Heartbeat)
	}
	return out, dialer, nil
}

func mapAlertConfig(cfg *Config) (alert.Config, error) {
	ac := cfg.Alerts
	if ac.QueueSize < 0 || ac.RatePerSec < 0 || ac.RetryMax < 0 {
		return alert.Config{}, fmt.Errorf("alerts.queue_size, alerts.rate_per_sec and alerts.retry_max must be >= 0")
	}
	retryMax := ac.RetryMax
	if retryMax == 0 {
		retryMax = 2
	}
	var d config.Durations
	out := alert.Config{
		QueueSize:     ac.QueueSize,
		RatePerSec:    ac.RatePerSec,
		RetryMax:      retryMax,
		RetryBase:     d.Or("alerts.retry_base", ac.RetryBase, 500*time.Millisecond),
		RetryMaxDelay: d.Or("alerts.retry_max_delay", ac.RetryMaxDelay, 10*time.Second),
	}
	return out, d.Err()
}

func mapSinkConfig(cfg *Config) (alert.SinkConfig, error) {
	ac := cfg.Alerts
	sink := strings.ToLower(strings.TrimSpace(ac.Sink))
	switch sink {
	case "", "log", "none", "off":
	case "telegram":
		if strings.TrimSpace(ac.Telegram.Token) == "" || ac.Telegram.ChatID == 0 {
			return alert.SinkConfig{}, fmt.Errorf("alerts.telegram.token and alerts.telegram.chat_id are required when alerts.sink=telegram")
		}
	default:
		return alert.SinkConfig{}, fmt.Errorf("unknown alerts.sink: %s", ac.Sink)
	}
	return alert.SinkConfig{
		Sink: sink,
		Telegram: alert.TelegramConfig{
			Token:    strings.TrimSpace(ac.Telegram.Token),
			ChatID:   ac.Telegram.ChatID,
			ThreadID: ac.Telegram.ThreadID,
			APIURL:   strings.TrimSpace(ac.Telegram.APIURL),
		},
	}, nil
}

func mapKeyringConfig(cfg *Config) credential.KeyringConfig {
	k := cfg.Auth.Keyring
	return credential.KeyringConfig{
		Enabled: k.Enabled,
		Service: strings.TrimSpace(k.Service),
		Key:     strings.TrimSpace(k.Key),
		FileDir: strings.TrimSpace(k.FileDir),
	}
}

// mapCredentialOptions opens the keyring when enabled. A keyring that fails
// to open is logged and skipped so config/env tokens still work.
func mapCredentialOptions(cfg *Config, log logx.Logger) credential.Options {
	env := strings.TrimSpace(cfg.Auth.TokenEnv)
	if env == "" {
		env = defaultTokenEnv
	}
	opts := credential.Options{Token: strings.TrimSpace(cfg.Auth.Token), TokenEnv: env}
	if kc := mapKeyringConfig(cfg); kc.Enabled {
		ring, err := credential.OpenKeyring(kc)
		if err != nil {
			log.Warn("keyring unavailable", logx.Err(err))
		} else {
			opts.Keyring = ring
		}
	}
	return opts
}

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDebugConfig(cfg *Config) (debug.Config, error) {
	dc := cfg.Debug
	out := debug.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
	}
	return out, out.Validate()
}

// validateConfig checks everything NewApp would map, without side effects.
// It is the hot-reload validator as well.
func validateConfig(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: unknown level %q", lvl)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path is required when logging.file.enabled=true")
	}
	if _, _, err := mapConnConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAlertConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSinkConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	probe := maintenance.New(logx.Nop())
	if err := probe.Validate(cfg.Maintenance.BadgeResyncSpec()); err != nil {
		return fmt.Errorf("maintenance.badge_resync: %w", err)
	}
	if err := probe.Validate(cfg.Maintenance.CompactSpec()); err != nil {
		return fmt.Errorf("maintenance.compact: %w", err)
	}
	return nil
}

// ValidateConfig is exported for the CLI "config check" command.
func ValidateConfig(cfg *Config) error { return validateConfig(context.Background(), cfg) }
