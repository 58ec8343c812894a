package config

import "strings"

// Config is the on-disk configuration. Durations are Go duration strings
// (e.g. "500ms", "10s", "1m"); empty or zero values fall back to defaults
// when mapped into component configs.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Connection  ConnectionConfig  `json:"connection"`
	Auth        AuthConfig        `json:"auth"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Alerts      AlertsConfig      `json:"alerts"`
	Logging     LoggingConfig     `json:"logging"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Debug       DebugConfig       `json:"debug"`
}

// ServerConfig points at the API origin. The notification socket URL is
// derived from BaseURL by swapping the scheme.
type ServerConfig struct {
	BaseURL          string `json:"base_url"`
	Path             string `json:"path,omitempty"` // default: "/manga-notifications"
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`
	WriteTimeout     string `json:"write_timeout,omitempty"`
}

// ConnectionConfig controls reconnection and liveness.
//
// Defaults (when fields are omitted/zero):
//   - max_attempts: 5
//   - backoff_floor: "1s"
//   - backoff_ceiling: "10s"
//   - heartbeat: "30s"
//   - read_timeout: "0s" (disabled; only a server close ends the socket)
type ConnectionConfig struct {
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	BackoffFloor   string `json:"backoff_floor,omitempty"`
	BackoffCeiling string `json:"backoff_ceiling,omitempty"`
	Heartbeat      string `json:"heartbeat,omitempty"`
	ReadTimeout    string `json:"read_timeout,omitempty"`
}

// AuthConfig selects where the credential comes from. Lookup order is
// token, then the token_env variable, then the keyring.
type AuthConfig struct {
	Token    string        `json:"token,omitempty"` // do not log
	TokenEnv string        `json:"token_env,omitempty"`
	Keyring  KeyringConfig `json:"keyring"`
}

type KeyringConfig struct {
	Enabled bool   `json:"enabled"`
	Service string `json:"service,omitempty"`
	Key     string `json:"key,omitempty"`
	FileDir string `json:"file_dir,omitempty"`
}

// StorageConfig controls the persistence layer. When the section is
// omitted, the file driver is used under ./mangabell_store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./mangabell.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// AlertsConfig controls the alert sink and the async dispatch pipeline.
type AlertsConfig struct {
	Sink          string         `json:"sink,omitempty"` // log | telegram | none
	QueueSize     int            `json:"queue_size,omitempty"`
	RatePerSec    int            `json:"rate_per_sec,omitempty"`
	RetryMax      int            `json:"retry_max,omitempty"`
	RetryBase     string         `json:"retry_base,omitempty"`
	RetryMaxDelay string         `json:"retry_max_delay,omitempty"`
	Telegram      TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DebugConfig controls the local debug endpoint (/healthz, /status,
// /debug/pprof/). Binding to a non-loopback addr requires token or
// allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// MaintenanceConfig holds cron specs for periodic jobs. A nil field means
// the default; an empty string disables the job.
type MaintenanceConfig struct {
	BadgeResync *string `json:"badge_resync,omitempty"` // default: "@every 5m"
	Compact     *string `json:"compact,omitempty"`      // default: "@daily"
}

const (
	DefaultBadgeResync = "@every 5m"
	DefaultCompact     = "@daily"
)

// BadgeResyncSpec returns the effective cron spec ("" when disabled).
func (m MaintenanceConfig) BadgeResyncSpec() string { return specOrDefault(m.BadgeResync, DefaultBadgeResync) }

// CompactSpec returns the effective cron spec ("" when disabled).
func (m MaintenanceConfig) CompactSpec() string { return specOrDefault(m.Compact, DefaultCompact) }

func specOrDefault(p *string, def string) string {
	if p == nil {
		return def
	}
	return strings.TrimSpace(*p)
}
