// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GlobalConfig represents the top-level global static configuration.
// Maps to the `callcore:` root key in YAML.
type GlobalConfig struct {
	Node    NodeConfig    `mapstructure:"node" yaml:"node"`
	Control ControlConfig `mapstructure:"control" yaml:"control"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	MSRP    MSRPConfig    `mapstructure:"msrp" yaml:"msrp"`
	Channel ChannelConfig `mapstructure:"channel" yaml:"channel"`
	Events  EventsConfig  `mapstructure:"events" yaml:"events"`
	CDR     CDRConfig     `mapstructure:"cdr" yaml:"cdr"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	Hostname string `mapstructure:"hostname" yaml:"hostname"` // Empty = os.Hostname()
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string             `mapstructure:"socket" yaml:"socket"`
	PIDFile string             `mapstructure:"pid_file" yaml:"pid_file"`
	Kafka   CommandKafkaConfig `mapstructure:"kafka" yaml:"kafka"` // remote command channel
}

// CommandKafkaConfig configures the Kafka command consumer.
type CommandKafkaConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers         []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic           string        `mapstructure:"topic" yaml:"topic"`
	GroupID         string        `mapstructure:"group_id" yaml:"group_id"`
	AutoOffsetReset string        `mapstructure:"auto_offset_reset" yaml:"auto_offset_reset"` // earliest / latest
	CommandTTL      time.Duration `mapstructure:"command_ttl" yaml:"command_ttl"`             // older commands are skipped
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics and admin API settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`   // MB
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── MSRP ───

// MSRPConfig configures the MSRP listeners and session engine.
type MSRPConfig struct {
	ListenIP            string        `mapstructure:"listen_ip" yaml:"listen_ip"`
	ListenPort          int           `mapstructure:"listen_port" yaml:"listen_port"`         // 0 disables the plaintext listener
	ListenSSLPort       int           `mapstructure:"listen_ssl_port" yaml:"listen_ssl_port"` // 0 disables the TLS listener
	SecureCert          string        `mapstructure:"secure_cert" yaml:"secure_cert"`         // PEM, generated when missing
	SecureKey           string        `mapstructure:"secure_key" yaml:"secure_key"`
	MessageBufferSize   int           `mapstructure:"message_buffer_size" yaml:"message_buffer_size"` // receive queue high-water mark
	SendBufferSize      int           `mapstructure:"send_buffer_size" yaml:"send_buffer_size"`       // sends held before the transport is ready
	BufferSize          int           `mapstructure:"buffer_size" yaml:"buffer_size"`                 // per-connection frame buffer
	MaxConnections      int           `mapstructure:"max_connections" yaml:"max_connections"`         // 0 = unlimited
	SessionWaitRetries  int           `mapstructure:"session_wait_retries" yaml:"session_wait_retries"`
	SessionWaitInterval time.Duration `mapstructure:"session_wait_interval" yaml:"session_wait_interval"`
	DestroyRetries      int           `mapstructure:"destroy_retries" yaml:"destroy_retries"`
	DestroyInterval     time.Duration `mapstructure:"destroy_interval" yaml:"destroy_interval"`
	TransactionTimeout  time.Duration `mapstructure:"transaction_timeout" yaml:"transaction_timeout"`
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	Debug               bool          `mapstructure:"debug" yaml:"debug"` // wire trace, hot-reloadable
}

// ─── Channel ───

// ChannelConfig configures channel defaults and process-wide variables.
type ChannelConfig struct {
	MaxStateHandlers int               `mapstructure:"max_state_handlers" yaml:"max_state_handlers"`
	DTMFQueueSize    int               `mapstructure:"dtmf_queue_size" yaml:"dtmf_queue_size"`
	Globals          map[string]string `mapstructure:"globals" yaml:"globals"` // keys are lower-cased by viper
}

// ─── Events ───

// EventsConfig configures the lifecycle event bus.
type EventsConfig struct {
	Partitions int         `mapstructure:"partitions" yaml:"partitions"`
	QueueSize  int         `mapstructure:"queue_size" yaml:"queue_size"`
	Kafka      KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaConfig configures lifecycle event export to Kafka.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	Compression  string        `mapstructure:"compression" yaml:"compression"` // none / gzip / snappy / lz4 / zstd
}

// ─── CDR ───

// CDRConfig configures call detail record sinks.
type CDRConfig struct {
	Enabled bool        `mapstructure:"enabled" yaml:"enabled"`
	MySQL   MySQLConfig `mapstructure:"mysql" yaml:"mysql"`
	S3      S3Config    `mapstructure:"s3"`
}

// MySQLConfig configures the MySQL CDR sink.
type MySQLConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
	Table   string `mapstructure:"table" yaml:"table"`
}

// S3Config configures the S3 CDR archive sink.
type S3Config struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	BucketURI string `mapstructure:"bucket_uri" yaml:"bucket_uri"` // s3://bucket/prefix
	Region    string `mapstructure:"region" yaml:"region"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `callcore: ...`.
type configRoot struct {
	CallCore GlobalConfig `mapstructure:"callcore" yaml:"callcore"`
}

// Load loads configuration from file.
// The YAML file uses `callcore:` as root key; env vars use the CALLCORE_ prefix (e.g., CALLCORE_MSRP_DEBUG).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The `callcore.` key prefix maps to `CALLCORE_` in env vars via the key replacer
	// (e.g., key "callcore.msrp.listen_port" → env "CALLCORE_MSRP_LISTEN_PORT").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.CallCore

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "callcore." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("callcore.control.pid_file", "/var/run/callcore.pid")
	v.SetDefault("callcore.control.socket", "/var/run/callcore.sock")
	v.SetDefault("callcore.control.kafka.enabled", false)
	v.SetDefault("callcore.control.kafka.topic", "callcore-commands")
	v.SetDefault("callcore.control.kafka.auto_offset_reset", "latest")
	v.SetDefault("callcore.control.kafka.command_ttl", "5m")

	// Log defaults
	v.SetDefault("callcore.log.level", "info")
	v.SetDefault("callcore.log.format", "json")
	v.SetDefault("callcore.log.outputs.file.enabled", false)
	v.SetDefault("callcore.log.outputs.file.path", "/var/log/callcore/callcore.log")
	v.SetDefault("callcore.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("callcore.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("callcore.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("callcore.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("callcore.metrics.enabled", true)
	v.SetDefault("callcore.metrics.listen", ":9091")
	v.SetDefault("callcore.metrics.path", "/metrics")

	// MSRP defaults
	v.SetDefault("callcore.msrp.listen_ip", "0.0.0.0")
	v.SetDefault("callcore.msrp.listen_port", 2855)
	v.SetDefault("callcore.msrp.listen_ssl_port", 2856)
	v.SetDefault("callcore.msrp.secure_cert", "/etc/callcore/tls/msrp.crt")
	v.SetDefault("callcore.msrp.secure_key", "/etc/callcore/tls/msrp.key")
	v.SetDefault("callcore.msrp.message_buffer_size", 50)
	v.SetDefault("callcore.msrp.send_buffer_size", 50)
	v.SetDefault("callcore.msrp.buffer_size", 65536)
	v.SetDefault("callcore.msrp.max_connections", 0)
	v.SetDefault("callcore.msrp.session_wait_retries", 20)
	v.SetDefault("callcore.msrp.session_wait_interval", "100ms")
	v.SetDefault("callcore.msrp.destroy_retries", 10)
	v.SetDefault("callcore.msrp.destroy_interval", "100ms")
	v.SetDefault("callcore.msrp.transaction_timeout", "30s")
	v.SetDefault("callcore.msrp.handshake_timeout", "5s")
	v.SetDefault("callcore.msrp.debug", false)

	// Channel defaults
	v.SetDefault("callcore.channel.max_state_handlers", 30)
	v.SetDefault("callcore.channel.dtmf_queue_size", 128)

	// Event bus defaults
	v.SetDefault("callcore.events.partitions", 4)
	v.SetDefault("callcore.events.queue_size", 1024)
	v.SetDefault("callcore.events.kafka.enabled", false)
	v.SetDefault("callcore.events.kafka.topic", "callcore-channel-events")
	v.SetDefault("callcore.events.kafka.batch_size", 100)
	v.SetDefault("callcore.events.kafka.batch_timeout", "1s")
	v.SetDefault("callcore.events.kafka.compression", "snappy")

	// CDR defaults
	v.SetDefault("callcore.cdr.enabled", false)
	v.SetDefault("callcore.cdr.mysql.table", "cdr")
	v.SetDefault("callcore.cdr.s3.region", "us-east-1")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	// ── Control ──
	if k := cfg.Control.Kafka; k.Enabled {
		if len(k.Brokers) == 0 || k.Topic == "" || k.GroupID == "" {
			return fmt.Errorf("control.kafka requires brokers, topic and group_id when enabled")
		}
		if k.AutoOffsetReset != "" && k.AutoOffsetReset != "earliest" && k.AutoOffsetReset != "latest" {
			return fmt.Errorf("invalid control.kafka.auto_offset_reset: %s (must be earliest/latest)", k.AutoOffsetReset)
		}
	}

	if err := cfg.MSRP.validate(); err != nil {
		return err
	}

	// ── Channel ──
	if cfg.Channel.MaxStateHandlers <= 0 {
		return fmt.Errorf("channel.max_state_handlers must be positive, got %d", cfg.Channel.MaxStateHandlers)
	}
	if cfg.Channel.DTMFQueueSize <= 0 {
		return fmt.Errorf("channel.dtmf_queue_size must be positive, got %d", cfg.Channel.DTMFQueueSize)
	}
	if cfg.Channel.Globals == nil {
		cfg.Channel.Globals = map[string]string{}
	}

	// ── Events ──
	if cfg.Events.Partitions <= 0 {
		return fmt.Errorf("events.partitions must be positive, got %d", cfg.Events.Partitions)
	}
	if cfg.Events.QueueSize <= 0 {
		return fmt.Errorf("events.queue_size must be positive, got %d", cfg.Events.QueueSize)
	}
	if cfg.Events.Kafka.Enabled {
		if len(cfg.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required when events.kafka.enabled=true")
		}
		if cfg.Events.Kafka.Topic == "" {
			return fmt.Errorf("events.kafka.topic is required when events.kafka.enabled=true")
		}
	}

	// ── CDR ──
	if cfg.CDR.Enabled {
		if cfg.CDR.MySQL.Enabled && cfg.CDR.MySQL.DSN == "" {
			return fmt.Errorf("cdr.mysql.dsn is required when cdr.mysql.enabled=true")
		}
		if cfg.CDR.S3.Enabled && !strings.HasPrefix(cfg.CDR.S3.BucketURI, "s3://") {
			return fmt.Errorf("cdr.s3.bucket_uri must look like s3://bucket/prefix, got %q", cfg.CDR.S3.BucketURI)
		}
	}

	return nil
}

// validate checks listener addresses and sizing for the MSRP engine.
func (m *MSRPConfig) validate() error {
	if m.ListenIP == "" {
		m.ListenIP = "0.0.0.0"
	}
	if net.ParseIP(m.ListenIP) == nil {
		return fmt.Errorf("invalid msrp.listen_ip: %s", m.ListenIP)
	}
	if m.ListenPort < 0 || m.ListenPort > 65535 {
		return fmt.Errorf("invalid msrp.listen_port: %d", m.ListenPort)
	}
	if m.ListenSSLPort < 0 || m.ListenSSLPort > 65535 {
		return fmt.Errorf("invalid msrp.listen_ssl_port: %d", m.ListenSSLPort)
	}
	if m.ListenPort != 0 && m.ListenPort == m.ListenSSLPort {
		return fmt.Errorf("msrp.listen_port and msrp.listen_ssl_port must differ (both %d)", m.ListenPort)
	}
	if m.MessageBufferSize <= 0 {
		return fmt.Errorf("msrp.message_buffer_size must be positive, got %d", m.MessageBufferSize)
	}
	if m.SendBufferSize < 0 {
		return fmt.Errorf("msrp.send_buffer_size must not be negative, got %d", m.SendBufferSize)
	}
	if m.BufferSize < 1024 {
		return fmt.Errorf("msrp.buffer_size must be at least 1024, got %d", m.BufferSize)
	}
	if m.MaxConnections < 0 {
		return fmt.Errorf("msrp.max_connections must not be negative, got %d", m.MaxConnections)
	}
	if m.SessionWaitRetries <= 0 || m.DestroyRetries <= 0 {
		return fmt.Errorf("msrp retry counts must be positive")
	}
	return nil
}
