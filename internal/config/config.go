package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Provider exposes the configuration values the rest of the core depends on.
// Components accept this interface rather than the concrete Config so tests
// can substitute fixed values.
type Provider interface {
	GetDBURL() string
	GetDBUser() string
	GetDBPass() string
	GetDBNs() string
	GetDBDb() string
	GetDBQueryTimeout() time.Duration
	GetDBExecuteTimeout() time.Duration

	GetHeartbeatInterval() time.Duration
	GetPresenceRefreshInterval() time.Duration
	GetNotificationPollInterval() time.Duration
}

// Config holds all configuration for the sync core.
type Config struct {
	DBUrl  string
	DBNs   string
	DBDb   string
	DBUser string
	DBPass string

	DBQueryTimeout   time.Duration
	DBExecuteTimeout time.Duration

	// HeartbeatInterval is how often the presence heartbeat refreshes
	// last_active_at while the app is foregrounded.
	HeartbeatInterval time.Duration
	// PresenceRefreshInterval is how long a cached non-owned presence record
	// stays fresh before a read triggers a background refetch.
	PresenceRefreshInterval time.Duration
	// NotificationPollInterval drives the polling fallback while the
	// notification feed subscription is not confirmed active.
	NotificationPollInterval time.Duration
}

// New loads configuration from environment variables.
func New() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		DBUrl:  os.Getenv("SURREAL_URL"),
		DBUser: os.Getenv("SURREAL_USER"),
		DBPass: os.Getenv("SURREAL_PASS"),
		DBNs:   os.Getenv("SURREAL_NS"),
		DBDb:   os.Getenv("SURREAL_DB"),

		DBQueryTimeout:   durationEnv("DB_QUERY_TIMEOUT", 10*time.Second),
		DBExecuteTimeout: durationEnv("DB_EXECUTE_TIMEOUT", 15*time.Second),

		HeartbeatInterval:        durationEnv("SYNC_HEARTBEAT_INTERVAL", 30*time.Second),
		PresenceRefreshInterval:  durationEnv("SYNC_PRESENCE_REFRESH", 30*time.Second),
		NotificationPollInterval: durationEnv("SYNC_NOTIFY_POLL_INTERVAL", 2*time.Second),
	}

	if cfg.DBUrl == "" || cfg.DBNs == "" || cfg.DBDb == "" {
		log.Fatal("Required environment variables SURREAL_URL, SURREAL_NS, or SURREAL_DB are not set.")
	}

	return cfg
}

// durationEnv reads a duration from the environment, falling back to def when
// the variable is unset or unparseable.
func durationEnv(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("Invalid duration for %s: %q, using default %s", key, raw, def)
		return def
	}
	return d
}

func (c *Config) GetDBURL() string                    { return c.DBUrl }
func (c *Config) GetDBUser() string                   { return c.DBUser }
func (c *Config) GetDBPass() string                   { return c.DBPass }
func (c *Config) GetDBNs() string                     { return c.DBNs }
func (c *Config) GetDBDb() string                     { return c.DBDb }
func (c *Config) GetDBQueryTimeout() time.Duration    { return c.DBQueryTimeout }
func (c *Config) GetDBExecuteTimeout() time.Duration  { return c.DBExecuteTimeout }
func (c *Config) GetHeartbeatInterval() time.Duration { return c.HeartbeatInterval }
func (c *Config) GetPresenceRefreshInterval() time.Duration {
	return c.PresenceRefreshInterval
}
func (c *Config) GetNotificationPollInterval() time.Duration {
	return c.NotificationPollInterval
}
