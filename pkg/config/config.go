package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	CatalogPath   string              `json:"catalog_path"`
	Database      DatabaseConfig      `json:"database"`
	Redis         RedisConfig         `json:"redis"`
	Logging       LoggingConfig       `json:"logging"`
	Guardrails    GuardrailsConfig    `json:"guardrails"`
	Scanner       ScannerConfig       `json:"scanner"`
	Investigation InvestigationConfig `json:"investigation"`
	Metrics       MetricsConfig       `json:"metrics"`
	API           APIConfig           `json:"api"`
	Alerting      AlertingConfig      `json:"alerting"`
	Tracing       TracingConfig       `json:"tracing"`
}

// DatabaseConfig contains database connection configuration
type DatabaseConfig struct {
	// Driver is postgres, mysql, sqlite or memory. For sqlite, Name is the database file.
	Driver          string        `json:"driver"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	Migrate         bool          `json:"migrate"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// GuardrailsConfig controls persistence state and alert cool-down
type GuardrailsConfig struct {
	// Cooldown is the minimum time between two alerts for the same cohort and metric
	Cooldown time.Duration `json:"cooldown"`
	Shards   int           `json:"shards"`
	// StateTTL expires idle persistence state in the redis store
	StateTTL time.Duration `json:"state_ttl"`
}

// ScannerConfig controls the periodic scan loop
type ScannerConfig struct {
	Interval    time.Duration `json:"interval"`
	Concurrency int           `json:"concurrency"`
	// FetchTimeout bounds each data source read of one cohort and metric
	FetchTimeout time.Duration `json:"fetch_timeout"`
}

// InvestigationConfig controls the investigation lifecycle
type InvestigationConfig struct {
	MaxDuration   time.Duration `json:"max_duration"`
	DateRangeDays int           `json:"date_range_days"`
	RetryCount    int           `json:"retry_count"`
	// AutoOpen opens and runs an investigation for every emitted anomaly
	AutoOpen bool `json:"auto_open"`
}

// MetricsConfig contains the prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	// CollectInterval is how often destination gauges are refreshed
	CollectInterval time.Duration `json:"collect_interval"`
}

// APIConfig contains the operator API configuration
type APIConfig struct {
	Addr string `json:"addr"`
	// JWTSecret guards the mutating routes; empty disables authentication
	JWTSecret      string        `json:"-"`
	AllowedOrigins []string      `json:"allowed_origins"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
}

// AlertingConfig routes anomaly alerts to notification channels. A channel
// with an empty URL is not registered.
type AlertingConfig struct {
	Enabled bool `json:"enabled"`
	// MinSeverity is the lowest anomaly severity that raises an alert
	MinSeverity     string `json:"min_severity"`
	MaxActive       int    `json:"max_active"`
	SlackWebhookURL string `json:"-"`
	SlackChannel    string `json:"slack_channel"`
	WebhookURL      string `json:"-"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Environment    string  `json:"environment"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		CatalogPath: getEnvString("SENTINEL_CATALOG", "catalog.yaml"),
		Database: DatabaseConfig{
			Driver:          strings.ToLower(getEnvString("DB_DRIVER", "memory")),
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "sentinel"),
			User:            getEnvString("DB_USER", "sentinel"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			Migrate:         getEnvBool("DB_MIGRATE", true),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Guardrails: GuardrailsConfig{
			Cooldown: getEnvDuration("GUARDRAILS_COOLDOWN", time.Hour),
			Shards:   getEnvInt("GUARDRAILS_SHARDS", 64),
			StateTTL: getEnvDuration("GUARDRAILS_STATE_TTL", 7*24*time.Hour),
		},
		Scanner: ScannerConfig{
			Interval:     getEnvDuration("SCANNER_INTERVAL", 5*time.Minute),
			Concurrency:  getEnvInt("SCANNER_CONCURRENCY", 8),
			FetchTimeout: getEnvDuration("SCANNER_FETCH_TIMEOUT", 30*time.Second),
		},
		Investigation: InvestigationConfig{
			MaxDuration:   getEnvDuration("INVESTIGATION_MAX_DURATION", 2*time.Minute),
			DateRangeDays: getEnvInt("INVESTIGATION_DATE_RANGE_DAYS", 30),
			RetryCount:    getEnvInt("INVESTIGATION_RETRY_COUNT", 2),
			AutoOpen:      getEnvBool("INVESTIGATION_AUTO_OPEN", false),
		},
		Metrics: MetricsConfig{
			Enabled:         getEnvBool("METRICS_ENABLED", true),
			CollectInterval: getEnvDuration("METRICS_COLLECT_INTERVAL", 15*time.Second),
		},
		API: APIConfig{
			Addr:           getEnvString("API_ADDR", ":8080"),
			JWTSecret:      getEnvString("API_JWT_SECRET", ""),
			AllowedOrigins: getEnvList("API_CORS_ORIGINS", nil),
			ReadTimeout:    getEnvDuration("API_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("API_WRITE_TIMEOUT", 30*time.Second),
		},
		Alerting: AlertingConfig{
			Enabled:         getEnvBool("ALERTING_ENABLED", false),
			MinSeverity:     strings.ToLower(getEnvString("ALERTING_MIN_SEVERITY", "high")),
			MaxActive:       getEnvInt("ALERTING_MAX_ACTIVE", 1000),
			SlackWebhookURL: getEnvString("ALERTING_SLACK_WEBHOOK_URL", ""),
			SlackChannel:    getEnvString("ALERTING_SLACK_CHANNEL", ""),
			WebhookURL:      getEnvString("ALERTING_WEBHOOK_URL", ""),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "sqlite":
		if c.Database.Name == "" {
			return fmt.Errorf("database name is required for driver sqlite")
		}
	case "postgres", "mysql":
		if c.Database.Password == "" {
			return fmt.Errorf("database password is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Guardrails.Cooldown < 0 {
		return fmt.Errorf("guardrails cooldown must not be negative")
	}
	if c.Guardrails.Shards <= 0 {
		return fmt.Errorf("guardrails shards must be positive")
	}
	if c.Scanner.Interval <= 0 {
		return fmt.Errorf("scanner interval must be positive")
	}
	if c.Scanner.Concurrency <= 0 {
		return fmt.Errorf("scanner concurrency must be positive")
	}
	if c.Scanner.FetchTimeout <= 0 {
		return fmt.Errorf("scanner fetch timeout must be positive")
	}
	if c.Investigation.MaxDuration <= 0 {
		return fmt.Errorf("investigation max duration must be positive")
	}
	if c.Investigation.DateRangeDays <= 0 {
		return fmt.Errorf("investigation date range must be at least one day")
	}
	if c.Investigation.RetryCount < 0 {
		return fmt.Errorf("investigation retry count must not be negative")
	}
	if c.API.Addr == "" {
		return fmt.Errorf("api address is required")
	}
	if c.Metrics.Enabled && c.Metrics.CollectInterval <= 0 {
		return fmt.Errorf("metrics collect interval must be positive")
	}
	if c.Alerting.Enabled {
		switch c.Alerting.MinSeverity {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("unsupported alerting min severity %q", c.Alerting.MinSeverity)
		}
		if c.Alerting.MaxActive <= 0 {
			return fmt.Errorf("alerting max active must be positive")
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing sampling rate must be between 0 and 1")
	}

	return nil
}

// DatabaseURL returns the connection string for the configured driver
func (c *Config) DatabaseURL() string {
	switch c.Database.Driver {
	case "mysql":
		return c.MySQLDSN()
	case "sqlite":
		return c.SQLiteDSN()
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// RedisAddr returns host:port for the redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
