package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service.
type Config struct {
	// API server settings
	APIPort int
	APIHost string

	// Probe server settings
	ProbePort int
	ProbeHost string

	// Metrics server settings
	MetricsPort int
	MetricsHost string

	// TLS settings
	TLSEnabled bool
	TLSCert    string
	TLSKey     string

	// Logging settings
	LogLevel  string
	LogFormat string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Health check settings
	HealthCheckTimeout       time.Duration
	HealthCheckCacheDuration time.Duration

	// Metrics settings
	MetricsNamespace string

	// Document store settings
	StoreBackend string
	PostgresDSN  string

	// Authentication settings
	AuthJWTSecret string

	// Lock manager settings
	LockDefaultTTL  time.Duration
	LockMaxWaitCap  time.Duration
	LockBackoffMin  time.Duration
	LockBackoffMax  time.Duration
	LockStoreExpiry time.Duration

	// Transactional executor settings
	TxnMaxAttempts int

	// Checkpoint settings
	CheckpointRetention time.Duration

	// Session settings
	SessionDefaultEstimateMinutes int
}

// Store backends supported by the service.
const (
	StoreBackendMemory   = "memory"
	StoreBackendOlric    = "olric"
	StoreBackendPostgres = "postgres"
)

// Load reads configuration from environment variables, config file, and flags.
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("probe.port", 8081)
	viper.SetDefault("probe.host", "0.0.0.0")
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.host", "0.0.0.0")
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cert", "")
	viper.SetDefault("tls.key", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("shutdown.timeout", "30s")
	viper.SetDefault("health.check_timeout", "5s")
	viper.SetDefault("health.cache_duration", "10s")
	viper.SetDefault("store.backend", StoreBackendOlric)
	viper.SetDefault("store.postgres_dsn", "")
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("lock.default_ttl", "5m")
	viper.SetDefault("lock.max_wait_cap", "60s")
	viper.SetDefault("lock.backoff_min", "500ms")
	viper.SetDefault("lock.backoff_max", "1500ms")
	viper.SetDefault("lock.store_expiry", "24h")
	viper.SetDefault("txn.max_attempts", 3)
	viper.SetDefault("checkpoint.retention", "168h")
	viper.SetDefault("session.default_estimate_minutes", 60)

	// Enable environment variable support with automatic replacement
	viper.SetEnvPrefix("COORD")
	viper.AutomaticEnv()
	// Replace . with _ in environment variable names (e.g., api.port -> COORD_API_PORT)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Try to read config file if it exists
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/admin-coordinator/")

	// Reading config file is optional
	_ = viper.ReadInConfig()

	// Parse configuration
	cfg := &Config{
		APIPort:                       viper.GetInt("api.port"),
		APIHost:                       viper.GetString("api.host"),
		ProbePort:                     viper.GetInt("probe.port"),
		ProbeHost:                     viper.GetString("probe.host"),
		MetricsPort:                   viper.GetInt("metrics.port"),
		MetricsHost:                   viper.GetString("metrics.host"),
		TLSEnabled:                    viper.GetBool("tls.enabled"),
		TLSCert:                       viper.GetString("tls.cert"),
		TLSKey:                        viper.GetString("tls.key"),
		LogLevel:                      viper.GetString("log.level"),
		LogFormat:                     viper.GetString("log.format"),
		StoreBackend:                  viper.GetString("store.backend"),
		PostgresDSN:                   viper.GetString("store.postgres_dsn"),
		AuthJWTSecret:                 viper.GetString("auth.jwt_secret"),
		TxnMaxAttempts:                viper.GetInt("txn.max_attempts"),
		SessionDefaultEstimateMinutes: viper.GetInt("session.default_estimate_minutes"),
		MetricsNamespace:              "admin_coordinator", // Fixed value, not configurable
	}

	durations := []struct {
		key  string
		name string
		dst  *time.Duration
	}{
		{"shutdown.timeout", "shutdown timeout", &cfg.ShutdownTimeout},
		{"health.check_timeout", "health check timeout", &cfg.HealthCheckTimeout},
		{"health.cache_duration", "health check cache duration", &cfg.HealthCheckCacheDuration},
		{"lock.default_ttl", "lock default ttl", &cfg.LockDefaultTTL},
		{"lock.max_wait_cap", "lock max wait cap", &cfg.LockMaxWaitCap},
		{"lock.backoff_min", "lock backoff minimum", &cfg.LockBackoffMin},
		{"lock.backoff_max", "lock backoff maximum", &cfg.LockBackoffMax},
		{"lock.store_expiry", "lock store expiry", &cfg.LockStoreExpiry},
		{"checkpoint.retention", "checkpoint retention", &cfg.CheckpointRetention},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(viper.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", c.APIPort)
	}
	if c.ProbePort < 1 || c.ProbePort > 65535 {
		return fmt.Errorf("invalid probe port: %d", c.ProbePort)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}

	if c.TLSEnabled {
		if c.TLSCert == "" {
			return fmt.Errorf("TLS enabled but no certificate path provided")
		}
		if c.TLSKey == "" {
			return fmt.Errorf("TLS enabled but no key path provided")
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.LogFormat)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s (must be positive)", c.ShutdownTimeout)
	}

	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("invalid health check timeout: %s (must be positive)", c.HealthCheckTimeout)
	}

	if c.HealthCheckCacheDuration < 0 {
		return fmt.Errorf("invalid health check cache duration: %s (must be non-negative, zero disables caching)", c.HealthCheckCacheDuration)
	}

	if c.MetricsNamespace == "" {
		return fmt.Errorf("metrics namespace cannot be empty")
	}

	switch c.StoreBackend {
	case StoreBackendMemory, StoreBackendOlric:
	case StoreBackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres backend selected but no DSN provided")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be memory, olric, or postgres)", c.StoreBackend)
	}

	if c.AuthJWTSecret == "" {
		return fmt.Errorf("auth JWT secret cannot be empty")
	}

	if c.LockDefaultTTL <= 0 {
		return fmt.Errorf("invalid lock default ttl: %s (must be positive)", c.LockDefaultTTL)
	}
	if c.LockMaxWaitCap <= 0 {
		return fmt.Errorf("invalid lock max wait cap: %s (must be positive)", c.LockMaxWaitCap)
	}
	if c.LockBackoffMin <= 0 || c.LockBackoffMax < c.LockBackoffMin {
		return fmt.Errorf("invalid lock backoff bounds: %s..%s", c.LockBackoffMin, c.LockBackoffMax)
	}
	if c.LockStoreExpiry < 0 {
		return fmt.Errorf("invalid lock store expiry: %s (must be non-negative, zero disables the backstop)", c.LockStoreExpiry)
	}

	if c.TxnMaxAttempts < 1 {
		return fmt.Errorf("invalid transaction max attempts: %d (must be at least 1)", c.TxnMaxAttempts)
	}

	if c.CheckpointRetention <= 0 {
		return fmt.Errorf("invalid checkpoint retention: %s (must be positive)", c.CheckpointRetention)
	}

	if c.SessionDefaultEstimateMinutes < 1 {
		return fmt.Errorf("invalid session default estimate: %d (must be at least 1 minute)", c.SessionDefaultEstimateMinutes)
	}

	return nil
}
