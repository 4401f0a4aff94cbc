// Package config holds the gateway configuration, loaded from YAML with
// struct-tag defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration
// strings like "30s".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

// Config holds application configuration
type Config struct {
	// GatewayID names this gateway in the topic layout. Defaults to the
	// hostname when left empty.
	GatewayID string `yaml:"gateway_id" default:""`

	// BusURL is the NATS server to bridge devices onto.
	BusURL string `yaml:"bus_url" default:"nats://127.0.0.1:4222"`

	// TopicPrefix roots every gateway topic.
	TopicPrefix string `yaml:"topic_prefix" default:"gateway"`

	LogLevel string `yaml:"log_level" default:"info"`

	// ConnectWindow caps how long a connect caller blocks before a
	// failure response, while background retrying continues.
	ConnectWindow Duration `yaml:"connect_window"`

	// DialTimeout bounds a single link establishment attempt.
	DialTimeout Duration `yaml:"dial_timeout"`

	// RetryBackoff is the pause between reconnect attempts.
	RetryBackoff Duration `yaml:"retry_backoff"`

	// ScanDuration is the length of one discovery pass.
	ScanDuration Duration `yaml:"scan_duration"`
}

// DefaultConfig returns the configuration with every default applied.
func DefaultConfig() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	c.fill()
	return c
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	c := &Config{}
	defaults.SetDefaults(c)

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	c.fill()
	return c, nil
}

// fill applies the defaults struct tags cannot express: the hostname
// fallback and the duration fields.
func (c *Config) fill() {
	if c.GatewayID == "" {
		if host, err := os.Hostname(); err == nil {
			c.GatewayID = host
		} else {
			c.GatewayID = "blegate"
		}
	}
	if c.ConnectWindow == 0 {
		c.ConnectWindow = Duration(30 * time.Second)
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = Duration(15 * time.Second)
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = Duration(5 * time.Second)
	}
	if c.ScanDuration == 0 {
		c.ScanDuration = Duration(5 * time.Second)
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
