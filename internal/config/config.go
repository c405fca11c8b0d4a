// Package config loads this service's runtime configuration via
// spf13/viper, with an fsnotify-backed watch that hands a freshly loaded
// Config to a callback whenever the file changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds every configuration section this service reads.
type Config struct {
	Server               ServerConfig               `mapstructure:"server"`
	ConnectionResilience ConnectionResilienceConfig `mapstructure:"connection_resilience"`
	Acquisition          AcquisitionConfig          `mapstructure:"acquisition"`
	Telemetry            TelemetryConfig            `mapstructure:"telemetry"`
	Postgres             PostgresConfig             `mapstructure:"postgres"`
	Logger               LoggerConfig               `mapstructure:"logger"`
}

// ServerConfig contains the observability HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ConnectionResilienceConfig tunes per-device connection behavior.
type ConnectionResilienceConfig struct {
	AutoAdjust        bool   `mapstructure:"auto_adjust"`
	HeartbeatInterval int    `mapstructure:"heartbeat_interval_ms"`
	RetryDelayMs      int    `mapstructure:"retry_delay_ms"`
	MaxRetries        int    `mapstructure:"max_retries"`
	RequestTimeoutMs  int    `mapstructure:"request_timeout_ms"`
	ConnectTimeoutMs  int    `mapstructure:"connection_timeout_ms"`
	NetworkType       string `mapstructure:"network_type"`
}

// AcquisitionConfig tunes the acquisition runtime.
type AcquisitionConfig struct {
	TelegrafSocketPath   string `mapstructure:"telegraf_socket_path"`
	ThreadingMode        string `mapstructure:"threading_mode"`
	MaxWorkerThreads     int    `mapstructure:"max_worker_threads"`
	DeviceCountThreshold int    `mapstructure:"device_count_threshold"`
	DefaultPollMs        int64  `mapstructure:"default_poll_ms"`
	QueueCapacity        int    `mapstructure:"queue_capacity"`
}

// TelemetryConfig holds the optional statistics/audit fan-out
// integrations; each is disabled unless its DSN/URL is non-empty.
type TelemetryConfig struct {
	MQTTBrokerURL string `mapstructure:"mqtt_broker_url"`
	MQTTTopic     string `mapstructure:"mqtt_topic"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
	S3Bucket      string `mapstructure:"s3_bucket"`
	MySQLAuditDSN string `mapstructure:"mysql_audit_dsn"`
}

// PostgresConfig holds the Config Source's primary connection parameters.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LoggerConfig contains logging settings.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Loader wraps a viper instance so callers can register a hot-reload
// callback after the initial Load.
type Loader struct {
	v *viper.Viper
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, *Loader, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("config: read: %w", err)
		}
	}

	v.SetEnvPrefix("ACQUISITIOND")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, &Loader{v: v}, nil
}

// WatchReload enables viper's fsnotify-backed file watch and invokes onChange
// with the freshly unmarshaled Config on every write to the config file.
// Nothing is applied here: what changes at runtime is up to onChange.
func (l *Loader) WatchReload(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			return
		}
		onChange(&cfg)
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)

	v.SetDefault("connection_resilience.auto_adjust", true)
	v.SetDefault("connection_resilience.heartbeat_interval_ms", 30000)
	v.SetDefault("connection_resilience.retry_delay_ms", 1000)
	v.SetDefault("connection_resilience.max_retries", 3)
	v.SetDefault("connection_resilience.request_timeout_ms", 3000)
	v.SetDefault("connection_resilience.connection_timeout_ms", 5000)
	v.SetDefault("connection_resilience.network_type", "tcp")

	v.SetDefault("acquisition.telegraf_socket_path", "/tmp/telegraf.sock")
	v.SetDefault("acquisition.threading_mode", "worker_per_device")
	v.SetDefault("acquisition.max_worker_threads", 64)
	v.SetDefault("acquisition.device_count_threshold", 32)
	v.SetDefault("acquisition.default_poll_ms", 2000)
	v.SetDefault("acquisition.queue_capacity", 1024)

	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.ssl_mode", "disable")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".acquisitiond")
}

// Durations converts the millisecond fields into time.Duration for the
// connection/worker packages, which take durations directly.
func (c ConnectionResilienceConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c ConnectionResilienceConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func (c ConnectionResilienceConfig) HeartbeatDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Millisecond
}
