package config

import (
	"reflect"
	"sort"
	"strings"

	logx "mangabell/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed top-level
// sections and safe structured attrs for logging. Secrets (auth token,
// telegram token, debug token) are reported only as "set"/"unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(trimServer(oldCfg.Server), trimServer(newCfg.Server)) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.base_url", strings.TrimSpace(newCfg.Server.BaseURL)),
			logx.String("server.path", strings.TrimSpace(newCfg.Server.Path)),
		)
	}

	if oldCfg.Connection != newCfg.Connection {
		changed = append(changed, "connection")
		attrs = append(attrs,
			logx.Int("connection.max_attempts", newCfg.Connection.MaxAttempts),
			logx.String("connection.heartbeat", strings.TrimSpace(newCfg.Connection.Heartbeat)),
			logx.String("connection.read_timeout", strings.TrimSpace(newCfg.Connection.ReadTimeout)),
		)
	}

	oa, na := oldCfg.Auth, newCfg.Auth
	if isSet(oa.Token) != isSet(na.Token) ||
		strings.TrimSpace(oa.TokenEnv) != strings.TrimSpace(na.TokenEnv) ||
		oa.Keyring != na.Keyring {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.Bool("auth.token_set", isSet(na.Token)),
			logx.String("auth.token_env", strings.TrimSpace(na.TokenEnv)),
			logx.Bool("auth.keyring", na.Keyring.Enabled),
		)
	}

	oldS, newS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newS.Driver),
			logx.Bool("storage.path_set", newS.Path != ""),
			logx.String("storage.busy_timeout", newS.BusyTimeout),
		)
	}

	ol, nl := oldCfg.Alerts, newCfg.Alerts
	if strings.TrimSpace(ol.Sink) != strings.TrimSpace(nl.Sink) ||
		ol.QueueSize != nl.QueueSize ||
		ol.RatePerSec != nl.RatePerSec ||
		ol.RetryMax != nl.RetryMax ||
		strings.TrimSpace(ol.RetryBase) != strings.TrimSpace(nl.RetryBase) ||
		strings.TrimSpace(ol.RetryMaxDelay) != strings.TrimSpace(nl.RetryMaxDelay) ||
		isSet(ol.Telegram.Token) != isSet(nl.Telegram.Token) ||
		ol.Telegram.ChatID != nl.Telegram.ChatID ||
		ol.Telegram.ThreadID != nl.Telegram.ThreadID ||
		strings.TrimSpace(ol.Telegram.APIURL) != strings.TrimSpace(nl.Telegram.APIURL) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.String("alerts.sink", strings.TrimSpace(nl.Sink)),
			logx.Int("alerts.rate_per_sec", nl.RatePerSec),
			logx.Int("alerts.retry_max", nl.RetryMax),
			logx.Bool("alerts.telegram_token_set", isSet(nl.Telegram.Token)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Maintenance.BadgeResyncSpec() != newCfg.Maintenance.BadgeResyncSpec() ||
		oldCfg.Maintenance.CompactSpec() != newCfg.Maintenance.CompactSpec() {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.badge_resync", newCfg.Maintenance.BadgeResyncSpec()),
			logx.String("maintenance.compact", newCfg.Maintenance.CompactSpec()),
		)
	}

	od, nd := oldCfg.Debug, newCfg.Debug
	if od.Enabled != nd.Enabled ||
		strings.TrimSpace(od.Addr) != strings.TrimSpace(nd.Addr) ||
		strings.TrimSpace(od.Token) != strings.TrimSpace(nd.Token) ||
		od.AllowInsecure != nd.AllowInsecure {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.token_set", isSet(nd.Token)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// liveSections can be applied without restarting the session. For alerts
// only the dispatch settings are live; a sink change needs a restart.
var liveSections = map[string]bool{
	"logging":     true,
	"alerts":      true,
	"maintenance": true,
	"debug":       true,
}

// RestartRequired filters the changed sections down to what a running
// daemon cannot apply in place.
func RestartRequired(oldCfg, newCfg *Config, sections []string) []string {
	var out []string
	for _, s := range sections {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	if oldCfg != nil && newCfg != nil && sinkChanged(oldCfg.Alerts, newCfg.Alerts) {
		out = append(out, "alerts.sink")
	}
	return out
}

func sinkChanged(o, n AlertsConfig) bool {
	return !strings.EqualFold(strings.TrimSpace(o.Sink), strings.TrimSpace(n.Sink)) ||
		o.Telegram != n.Telegram
}

func trimServer(s ServerConfig) ServerConfig {
	s.BaseURL = strings.TrimSpace(s.BaseURL)
	s.Path = strings.TrimSpace(s.Path)
	s.HandshakeTimeout = strings.TrimSpace(s.HandshakeTimeout)
	s.WriteTimeout = strings.TrimSpace(s.WriteTimeout)
	return s
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return StorageConfig{
		Driver:      strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:        strings.TrimSpace(s.Path),
		BusyTimeout: strings.TrimSpace(s.BusyTimeout),
	}
}

func isSet(s string) bool { return strings.TrimSpace(s) != "" }
