// Package config loads the layered runtime configuration for both daemons:
// defaults, config file, environment (REPLICORE_*), in that precedence
// order, with live reload of the tunables that are safe to change without
// a restart.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Keys for every tunable this package owns.
const (
	KeySyncInterval    = "sync.interval"
	KeySyncDebounce    = "sync.debounce"
	KeyPullLimit       = "sync.pull_limit"
	KeyPushBatch       = "sync.push_batch"
	KeyServerURL       = "server.url"
	KeyListenAddr      = "server.listen"
	KeyAuthSecret      = "server.auth_secret"
	KeyDBPath          = "device.db_path"
	KeyDeviceID        = "device.id"
	KeyQuotaWarning    = "quota.warning_percent"
	KeyQuotaCritical   = "quota.critical_percent"
	KeyQuotaInterval   = "quota.poll_interval"
	KeySweepInterval   = "tombstones.sweep_interval"
	KeyLogLevel        = "log.level"
	KeyMySQLHost       = "mysql.host"
	KeyMySQLPort       = "mysql.port"
	KeyMySQLUser       = "mysql.user"
	KeyMySQLPassword   = "mysql.password"
	KeyMySQLDatabase   = "mysql.database"
)

// Config wraps a viper instance with typed, validated getters in the
// fall-back-and-warn style: an invalid configured value warns to stderr
// and yields the default rather than failing the process.
type Config struct {
	mu sync.RWMutex
	v  *viper.Viper
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault(KeySyncInterval, 30*time.Second)
	v.SetDefault(KeySyncDebounce, 2*time.Second)
	v.SetDefault(KeyPullLimit, 100)
	v.SetDefault(KeyPushBatch, 100)
	v.SetDefault(KeyListenAddr, ":8600")
	v.SetDefault(KeyQuotaWarning, 80.0)
	v.SetDefault(KeyQuotaCritical, 95.0)
	v.SetDefault(KeyQuotaInterval, 5*time.Minute)
	v.SetDefault(KeySweepInterval, time.Hour)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyMySQLPort, 3306)
	v.SetDefault(KeyMySQLDatabase, "replicore")

	v.SetEnvPrefix("REPLICORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	return &Config{v: v}, nil
}

// Watch re-reads the config file on change and invokes onChange. Only
// meaningful when Load was given a file path.
func (c *Config) Watch(onChange func()) {
	c.v.OnConfigChange(func(e fsnotify.Event) {
		fmt.Fprintf(os.Stderr, "config reloaded: %s\n", e.Name)
		if onChange != nil {
			onChange()
		}
	})
	c.v.WatchConfig()
}

// SyncInterval returns the periodic sync cadence; non-positive configured
// values fall back to the default with a warning.
func (c *Config) SyncInterval() time.Duration {
	return c.positiveDuration(KeySyncInterval, 30*time.Second)
}

// SyncDebounce returns the quiet window after a local mutation before a
// cycle fires.
func (c *Config) SyncDebounce() time.Duration {
	return c.positiveDuration(KeySyncDebounce, 2*time.Second)
}

// PullLimit returns the page size requested from the pull endpoint; a
// value outside 1..500 falls back to the default of 100.
func (c *Config) PullLimit() int {
	return c.boundedInt(KeyPullLimit, 100, 1, 500)
}

// PushBatch returns how many outbox entries drain per cycle.
func (c *Config) PushBatch() int {
	return c.boundedInt(KeyPushBatch, 100, 1, 500)
}

// QuotaWarningPercent returns the storage warning threshold.
func (c *Config) QuotaWarningPercent() float64 {
	return c.boundedFloat(KeyQuotaWarning, 80, 1, 100)
}

// QuotaCriticalPercent returns the storage auto-cleanup threshold.
func (c *Config) QuotaCriticalPercent() float64 {
	return c.boundedFloat(KeyQuotaCritical, 95, 1, 100)
}

// QuotaPollInterval returns the storage poll cadence.
func (c *Config) QuotaPollInterval() time.Duration {
	return c.positiveDuration(KeyQuotaInterval, 5*time.Minute)
}

// SweepInterval returns the tombstone-expiry job cadence.
func (c *Config) SweepInterval() time.Duration {
	return c.positiveDuration(KeySweepInterval, time.Hour)
}

// ServerURL returns the sync server base URL the device talks to.
func (c *Config) ServerURL() string { return c.getString(KeyServerURL) }

// ListenAddr returns the server daemon's bind address.
func (c *Config) ListenAddr() string { return c.getString(KeyListenAddr) }

// AuthSecret returns the shared secret bearer tokens are validated with.
func (c *Config) AuthSecret() string { return c.getString(KeyAuthSecret) }

// DBPath returns the device-local SQLite path.
func (c *Config) DBPath() string { return c.getString(KeyDBPath) }

// DeviceID returns this device's server-assigned identity.
func (c *Config) DeviceID() string { return c.getString(KeyDeviceID) }

// LogLevel returns the configured log level string.
func (c *Config) LogLevel() string { return c.getString(KeyLogLevel) }

// MySQLHost returns the authoritative database host.
func (c *Config) MySQLHost() string { return c.getString(KeyMySQLHost) }

// MySQLPort returns the authoritative database port.
func (c *Config) MySQLPort() int { return c.boundedInt(KeyMySQLPort, 3306, 1, 65535) }

// MySQLUser returns the authoritative database user.
func (c *Config) MySQLUser() string { return c.getString(KeyMySQLUser) }

// MySQLPassword returns the authoritative database password.
func (c *Config) MySQLPassword() string { return c.getString(KeyMySQLPassword) }

// MySQLDatabase returns the authoritative database name.
func (c *Config) MySQLDatabase() string { return c.getString(KeyMySQLDatabase) }

func (c *Config) getString(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetString(key)
}

func (c *Config) positiveDuration(key string, fallback time.Duration) time.Duration {
	c.mu.RLock()
	d := c.v.GetDuration(key)
	c.mu.RUnlock()
	if d <= 0 {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s %q, using %s\n", key, c.v.GetString(key), fallback)
		return fallback
	}
	return d
}

func (c *Config) boundedInt(key string, fallback, min, max int) int {
	c.mu.RLock()
	n := c.v.GetInt(key)
	c.mu.RUnlock()
	if n < min || n > max {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s %d, using %d\n", key, n, fallback)
		return fallback
	}
	return n
}

func (c *Config) boundedFloat(key string, fallback, min, max float64) float64 {
	c.mu.RLock()
	f := c.v.GetFloat64(key)
	c.mu.RUnlock()
	if f < min || f > max {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s %.1f, using %.1f\n", key, f, fallback)
		return fallback
	}
	return f
}
