package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server          ServerConfig    `yaml:"server"`
	Link            LinkConfig      `yaml:"link"`
	Database        DatabaseConfig  `yaml:"database"`
	Log             LogConfig       `yaml:"log"`
	Scheduler       SchedulerConfig `yaml:"scheduler"`
	Bulk            BulkConfig      `yaml:"bulk"`
	Ledger          LedgerConfig    `yaml:"ledger"`
	EventBus        EventBusConfig  `yaml:"eventbus"`
	MQTT            MQTTConfig      `yaml:"mqtt"`
	InfluxDB        InfluxDBConfig  `yaml:"influxdb"`
	Holidays        HolidayConfig   `yaml:"holidays"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// ServerConfig contains the HTTP listener settings (ops API + device link endpoint)
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port for the listener
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LinkConfig contains settings for the device WebSocket link
type LinkConfig struct {
	Path           string   `yaml:"path"`             // HTTP path devices connect to (default: /esp32-ws)
	Secret         string   `yaml:"secret"`           // Shared device secret, empty accepts any device
	PingInterval   Duration `yaml:"ping_interval"`    // Keepalive ping period (default: 25s)
	PongTimeout    Duration `yaml:"pong_timeout"`     // Read deadline extension after a pong (default: 60s)
	WriteTimeout   Duration `yaml:"write_timeout"`    // Per-frame write deadline (default: 10s)
	MaxMessageSize int64    `yaml:"max_message_size"` // Max inbound frame size in bytes (default: 8KiB)
	SendBuffer     int      `yaml:"send_buffer"`      // Outbound frames buffered per device (default: 32)
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level         string   `yaml:"level"`
	UseJSON       bool     `yaml:"json"`
	Colors        bool     `yaml:"colors"`
	PrintSchedule Duration `yaml:"print_schedule"` // Interval to print today's schedule (0 = disabled)
}

// GetLevel returns the configured level
func (c LogConfig) GetLevel() string {
	return c.Level
}

// SchedulerConfig contains scheduler settings
type SchedulerConfig struct {
	Enabled      *bool    `yaml:"enabled"`
	Timezone     string   `yaml:"timezone"`      // Fixed zone every schedule is evaluated in
	MotionWindow Duration `yaml:"motion_window"` // How recent motion must be to block an "off" (default: 5m)
}

// IsEnabled returns whether the scheduler runs (default: true)
func (c SchedulerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// BulkConfig contains bulk toggle admission settings
type BulkConfig struct {
	GlobalConcurrency int      `yaml:"global_concurrency"` // Simultaneous in-flight tasks (default: 10)
	PerDeviceLimit    int      `yaml:"per_device_limit"`   // In-flight tasks per device (default: 6)
	DeferDelay        Duration `yaml:"defer_delay"`        // Re-enqueue delay when a device is at its cap (default: 1s)
	MaxAttempts       int      `yaml:"max_attempts"`       // Attempts per task (default: 3)
	RetryBackoff      Duration `yaml:"retry_backoff"`      // Fixed delay between attempts (default: 500ms)
	StaleAfter        Duration `yaml:"stale_after"`        // Devices silent longer than this are rejected (default: 60s)
	SweepInterval     Duration `yaml:"sweep_interval"`     // Leaked counter sweep period (default: 1m)
	RateLimitRPS      float64  `yaml:"rate_limit_rps"`     // Task starts per second (default: 20)
}

// LedgerConfig contains audit ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// RetentionPeriod returns the retention window as a duration
func (c LedgerConfig) RetentionPeriod() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// MQTTConfig contains settings for the MQTT broadcast sink
type MQTTConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	TLS         bool     `yaml:"tls"`
	ClientID    string   `yaml:"client_id"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	TopicPrefix string   `yaml:"topic_prefix"`
	QoS         int      `yaml:"qos"`
	MaxBackoff  Duration `yaml:"max_backoff"`
}

// InfluxDBConfig contains settings for the switch state history sink
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// HolidayConfig contains the holiday calendar
type HolidayConfig struct {
	Dates  []HolidayDate `yaml:"dates"`
	Script string        `yaml:"script"` // Optional Lua file defining is_holiday(year, month, day)
}

// HolidayDate is a single named closure day (YYYY-MM-DD)
type HolidayDate struct {
	Date string `yaml:"date"`
	Name string `yaml:"name"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// GetShutdownTimeout returns the graceful shutdown timeout
func (cfg *Config) GetShutdownTimeout() time.Duration {
	return cfg.ShutdownTimeout.Duration()
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration bytes, expands environment variables and applies defaults
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./relayd.sqlite"
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3001
	}

	// Link defaults
	if cfg.Link.Path == "" {
		cfg.Link.Path = "/esp32-ws"
	}
	if cfg.Link.PingInterval == 0 {
		cfg.Link.PingInterval = Duration(25 * time.Second)
	}
	if cfg.Link.PongTimeout == 0 {
		cfg.Link.PongTimeout = Duration(60 * time.Second)
	}
	if cfg.Link.WriteTimeout == 0 {
		cfg.Link.WriteTimeout = Duration(10 * time.Second)
	}
	if cfg.Link.MaxMessageSize == 0 {
		cfg.Link.MaxMessageSize = 8 << 10
	}
	if cfg.Link.SendBuffer == 0 {
		cfg.Link.SendBuffer = 32
	}

	// Scheduler defaults
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "UTC"
	}
	if cfg.Scheduler.MotionWindow == 0 {
		cfg.Scheduler.MotionWindow = Duration(5 * time.Minute)
	}

	// Bulk defaults
	if cfg.Bulk.GlobalConcurrency == 0 {
		cfg.Bulk.GlobalConcurrency = 10
	}
	if cfg.Bulk.PerDeviceLimit == 0 {
		cfg.Bulk.PerDeviceLimit = 6
	}
	if cfg.Bulk.DeferDelay == 0 {
		cfg.Bulk.DeferDelay = Duration(1 * time.Second)
	}
	if cfg.Bulk.MaxAttempts == 0 {
		cfg.Bulk.MaxAttempts = 3
	}
	if cfg.Bulk.RetryBackoff == 0 {
		cfg.Bulk.RetryBackoff = Duration(500 * time.Millisecond)
	}
	if cfg.Bulk.StaleAfter == 0 {
		cfg.Bulk.StaleAfter = Duration(60 * time.Second)
	}
	if cfg.Bulk.SweepInterval == 0 {
		cfg.Bulk.SweepInterval = Duration(1 * time.Minute)
	}
	if cfg.Bulk.RateLimitRPS == 0 {
		cfg.Bulk.RateLimitRPS = 20.0
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 90
	}

	// MQTT defaults
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "relayd"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "relayd"
	}
	if cfg.MQTT.QoS == 0 {
		cfg.MQTT.QoS = 1
	}
	if cfg.MQTT.MaxBackoff == 0 {
		cfg.MQTT.MaxBackoff = Duration(2 * time.Minute)
	}

	// InfluxDB defaults
	if cfg.InfluxDB.BatchSize == 0 {
		cfg.InfluxDB.BatchSize = 100
	}
	if cfg.InfluxDB.FlushInterval == 0 {
		cfg.InfluxDB.FlushInterval = 10
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate rejects configurations the services cannot run with
func (cfg *Config) Validate() error {
	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		return fmt.Errorf("%w: scheduler.timezone %q: %v", ErrInvalidConfig, cfg.Scheduler.Timezone, err)
	}
	if cfg.Bulk.PerDeviceLimit < 0 || cfg.Bulk.GlobalConcurrency < 0 {
		return fmt.Errorf("%w: bulk limits must be positive", ErrInvalidConfig)
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2", ErrInvalidConfig)
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Host == "" {
		return fmt.Errorf("%w: mqtt.host is required when mqtt is enabled", ErrInvalidConfig)
	}
	if cfg.InfluxDB.Enabled && (cfg.InfluxDB.URL == "" || cfg.InfluxDB.Bucket == "") {
		return fmt.Errorf("%w: influxdb.url and influxdb.bucket are required when influxdb is enabled", ErrInvalidConfig)
	}
	for _, h := range cfg.Holidays.Dates {
		if _, err := time.Parse("2006-01-02", h.Date); err != nil {
			return fmt.Errorf("%w: holiday date %q: %v", ErrInvalidConfig, h.Date, err)
		}
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
