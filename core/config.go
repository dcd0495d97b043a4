package core

import (
	"fmt"
	"strings"
	"time"
)

// AppConfigEntry is one provider instance as declared in configuration.
type AppConfigEntry struct {
	AppKey        string         `koanf:"app_key" mapstructure:"app_key"`
	Connector     string         `koanf:"connector" mapstructure:"connector"`
	WebhookSecret string         `koanf:"webhook_secret" mapstructure:"webhook_secret"`
	Resources     []string       `koanf:"resources" mapstructure:"resources"`
	SyncFrom      string         `koanf:"sync_from" mapstructure:"sync_from"`
	Settings      map[string]any `koanf:"settings" mapstructure:"settings"`
}

// ToAppConfig converts a configuration entry into the runtime shape.
func (e AppConfigEntry) ToAppConfig() (AppConfig, error) {
	app := AppConfig{
		AppKey:        strings.TrimSpace(e.AppKey),
		Connector:     strings.TrimSpace(strings.ToLower(e.Connector)),
		WebhookSecret: strings.TrimSpace(e.WebhookSecret),
		Resources:     append([]string(nil), e.Resources...),
		Settings:      e.Settings,
	}
	if trimmed := strings.TrimSpace(e.SyncFrom); trimmed != "" {
		parsed, err := time.Parse(time.RFC3339, trimmed)
		if err != nil {
			return AppConfig{}, fmt.Errorf("core: app %q sync_from: %w", e.AppKey, err)
		}
		utc := parsed.UTC()
		app.SyncFrom = &utc
	}
	if err := app.Validate(); err != nil {
		return AppConfig{}, err
	}
	return app, nil
}

type ServerConfig struct {
	Addr string `koanf:"addr" mapstructure:"addr"`
	// AdminKey is the bearer credential for the sync, worker, and job
	// status endpoints. The webhook endpoint uses per-provider signature
	// verification instead.
	AdminKey string `koanf:"admin_key" mapstructure:"admin_key"`
	// BodyLimitBytes caps request bodies; oversized requests get 413.
	BodyLimitBytes int `koanf:"body_limit_bytes" mapstructure:"body_limit_bytes"`
	// WebhookRatePerMinute is the per-app token bucket refill rate.
	WebhookRatePerMinute int `koanf:"webhook_rate_per_minute" mapstructure:"webhook_rate_per_minute"`
}

type WorkerConfig struct {
	// Budget bounds one worker invocation's wall time; the loop stops
	// claiming once it is nearly exhausted.
	Budget time.Duration `koanf:"budget" mapstructure:"budget"`
	// HeartbeatTimeout marks a processing task as abandoned when its
	// heartbeat is older than this.
	HeartbeatTimeout time.Duration `koanf:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	// JobRetention bounds how long finished jobs are kept.
	JobRetention time.Duration `koanf:"job_retention" mapstructure:"job_retention"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
}

// Config is the full process configuration. It is loaded once at startup
// and passed by value into each entry point's constructor; nothing reads
// mutable global state.
type Config struct {
	ServiceName string           `koanf:"service_name" mapstructure:"service_name"`
	Server      ServerConfig     `koanf:"server" mapstructure:"server"`
	Worker      WorkerConfig     `koanf:"worker" mapstructure:"worker"`
	Database    DatabaseConfig   `koanf:"database" mapstructure:"database"`
	Apps        []AppConfigEntry `koanf:"apps" mapstructure:"apps"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "estuary",
		Server: ServerConfig{
			Addr:                 ":8080",
			BodyLimitBytes:       1 << 20,
			WebhookRatePerMinute: 100,
		},
		Worker: WorkerConfig{
			Budget:           50 * time.Second,
			HeartbeatTimeout: 5 * time.Minute,
			JobRetention:     7 * 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Driver: "postgres",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("core: server.addr is required")
	}
	if c.Server.BodyLimitBytes <= 0 {
		return fmt.Errorf("core: server.body_limit_bytes must be positive")
	}
	if c.Worker.Budget <= 0 {
		return fmt.Errorf("core: worker.budget must be positive")
	}
	if c.Worker.HeartbeatTimeout <= 0 {
		return fmt.Errorf("core: worker.heartbeat_timeout must be positive")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("core: database.dsn is required")
	}
	seen := make(map[string]struct{}, len(c.Apps))
	for _, entry := range c.Apps {
		key := strings.TrimSpace(entry.AppKey)
		if key == "" {
			return fmt.Errorf("core: app entry with empty app_key")
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("core: duplicate app_key %q", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}
