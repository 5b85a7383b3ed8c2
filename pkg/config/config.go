package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/ovh/configstore"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/pkg/adapter"
	"github.com/srg/blesession/pkg/session"
	"gopkg.in/yaml.v3"
)

// Host stack backends
const (
	BackendGoBLE  = "go-ble"
	BackendTinyGo = "tinygo"
)

// DefaultStoreAlias is the configstore key LoadFromStore reads by default.
const DefaultStoreAlias = "blesession"

// Config holds application configuration
type Config struct {
	LogLevel        string        `yaml:"log_level" json:"log_level" default:"info"`
	Backend         string        `yaml:"backend" json:"backend" default:"go-ble"`
	InitTimeout     time.Duration `yaml:"init_timeout" json:"init_timeout" default:"10s"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout" default:"30s"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout" json:"teardown_timeout" default:"2s"`
	ScanDuration    time.Duration `yaml:"scan_duration" json:"scan_duration" default:"10s"`
	KeepScanning    bool          `yaml:"keep_scanning" json:"keep_scanning"`
	MQTT            MQTTConfig    `yaml:"mqtt" json:"mqtt"`
}

// MQTTConfig configures the advertisement publisher. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker" json:"broker"`
	ClientID    string `yaml:"client_id" json:"client_id" default:"blesession"`
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix" default:"blesession"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"password"`
	QoS         byte   `yaml:"qos" json:"qos"`
	Retained    bool   `yaml:"retained" json:"retained"`
	QueueSize   int    `yaml:"queue_size" json:"queue_size" default:"256"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load overlays the YAML file at path on the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse overlays a YAML (or JSON) document on the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromStore reads the highest priority item under alias from a configstore
// store. A missing item yields the defaults.
func LoadFromStore(store *configstore.Store, alias string) (*Config, error) {
	var notFound configstore.ErrItemNotFound

	item, err := configstore.Filter().Store(store).Slice(alias).Squash().GetFirstItem()
	if err != nil {
		if errors.As(err, &notFound) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("configstore: get %q: %w", alias, err)
	}

	value, err := item.Value()
	if err != nil {
		return nil, fmt.Errorf("configstore: read %q: %w", alias, err)
	}
	return Parse([]byte(value))
}

// Validate checks field values and ranges.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	switch c.Backend {
	case BackendGoBLE, BackendTinyGo:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendGoBLE, BackendTinyGo)
	}
	if c.InitTimeout < 0 || c.ConnectTimeout < 0 || c.TeardownTimeout < 0 || c.ScanDuration < 0 {
		return errors.New("timeouts and durations must not be negative")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos %d", c.MQTT.QoS)
	}
	if c.MQTT.Broker != "" && c.MQTT.QueueSize <= 0 {
		return fmt.Errorf("mqtt queue_size must be positive, got %d", c.MQTT.QueueSize)
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// AdapterOptions converts the configuration to adapter handle options.
func (c *Config) AdapterOptions(logger *logrus.Logger) []adapter.Option {
	return []adapter.Option{
		adapter.WithLogger(logger),
		adapter.WithInitTimeout(c.InitTimeout),
	}
}

// SessionOptions converts the configuration to session options.
func (c *Config) SessionOptions(logger *logrus.Logger) []session.Option {
	opts := []session.Option{
		session.WithLogger(logger),
		session.WithConnectTimeout(c.ConnectTimeout),
		session.WithTeardownTimeout(c.TeardownTimeout),
	}
	if c.KeepScanning {
		opts = append(opts, session.WithKeepScanning())
	}
	return opts
}
