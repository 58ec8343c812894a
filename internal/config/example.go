package config

// Example returns a starter config with the defaults spelled out.
func Example(baseURL string) *Config {
	badge, compact := DefaultBadgeResync, DefaultCompact
	return &Config{
		Server: ServerConfig{
			BaseURL:          baseURL,
			Path:             "/manga-notifications",
			HandshakeTimeout: "15s",
			WriteTimeout:     "5s",
		},
		Connection: ConnectionConfig{
			MaxAttempts:    5,
			BackoffFloor:   "1s",
			BackoffCeiling: "10s",
			Heartbeat:      "30s",
			ReadTimeout:    "0s",
		},
		Auth: AuthConfig{
			TokenEnv: "MANGABELL_TOKEN",
			Keyring:  KeyringConfig{Enabled: true, Service: "mangabell", Key: "auth_token"},
		},
		Storage: &StorageConfig{Driver: "file", Path: "./mangabell_store"},
		Alerts: AlertsConfig{
			Sink:          "log",
			QueueSize:     256,
			RatePerSec:    5,
			RetryMax:      2,
			RetryBase:     "500ms",
			RetryMaxDelay: "10s",
		},
		Logging: LoggingConfig{Level: "info", Console: true},
		Maintenance: MaintenanceConfig{
			BadgeResync: &badge,
			Compact:     &compact,
		},
		Debug: DebugConfig{Addr: "127.0.0.1:6060"},
	}
}
