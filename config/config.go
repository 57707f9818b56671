package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BrokerType selects the pub/sub transport.
type BrokerType string

const (
	// BrokerTypeMQTT routes shadow traffic through an MQTT broker
	BrokerTypeMQTT BrokerType = "mqtt"
	// BrokerTypeNATS routes shadow traffic through a NATS server
	BrokerTypeNATS BrokerType = "nats"
)

type Config struct {
	Mongo   MongoConfig   `json:"mongo" yaml:"mongo"`
	Broker  BrokerConfig  `json:"broker" yaml:"broker"`
	Topics  TopicsConfig  `json:"topics" yaml:"topics"`
	Bridge  BridgeConfig  `json:"bridge" yaml:"bridge"`
	Health  HealthConfig  `json:"health" yaml:"health"`
	Logging LogConfig     `json:"logging" yaml:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

type MongoConfig struct {
	URI              string `json:"uri" yaml:"uri"`
	Database         string `json:"database" yaml:"database"`
	ShadowCollection string `json:"shadowCollection" yaml:"shadowCollection"`
	DeviceCollection string `json:"deviceCollection" yaml:"deviceCollection"`
	ConnectTimeout   string `json:"connectTimeout" yaml:"connectTimeout"`
	MaxStreamRetries int    `json:"maxStreamRetries" yaml:"maxStreamRetries"`
	StreamRetryDelay string `json:"streamRetryDelay" yaml:"streamRetryDelay"`
}

type BrokerConfig struct {
	Type     BrokerType `json:"type" yaml:"type"`
	Address  string     `json:"address" yaml:"address"`
	URLs     []string   `json:"urls" yaml:"urls"`
	ClientID string     `json:"clientId" yaml:"clientId"`
	Username string     `json:"username" yaml:"username"`
	Password string     `json:"password" yaml:"password"`
	TLS      TLSConfig  `json:"tls" yaml:"tls"`
}

type TLSConfig struct {
	Enable   bool   `json:"enable" yaml:"enable"`
	CertFile string `json:"certFile" yaml:"certFile"`
	KeyFile  string `json:"keyFile" yaml:"keyFile"`
	CAFile   string `json:"caFile" yaml:"caFile"`
}

type TopicsConfig struct {
	Prefix string `json:"prefix" yaml:"prefix"`
}

type BridgeConfig struct {
	ListenAddress      string `json:"listenAddress" yaml:"listenAddress"`
	WebSocketPath      string `json:"webSocketPath" yaml:"webSocketPath"`
	SendBufferSize     int    `json:"sendBufferSize" yaml:"sendBufferSize"`
	MaxMessageSize     int    `json:"maxMessageSize" yaml:"maxMessageSize"`
	PingInterval       string `json:"pingInterval" yaml:"pingInterval"`
	PongTimeout        string `json:"pongTimeout" yaml:"pongTimeout"`
	ReconnectBaseDelay string `json:"reconnectBaseDelay" yaml:"reconnectBaseDelay"`
	ReconnectMaxDelay  string `json:"reconnectMaxDelay" yaml:"reconnectMaxDelay"`
	MaxReconnectTries  int    `json:"maxReconnectTries" yaml:"maxReconnectTries"`
}

type HealthConfig struct {
	CheckInterval string `json:"checkInterval" yaml:"checkInterval"`
	ErrorHistory  int    `json:"errorHistory" yaml:"errorHistory"`
}

type LogConfig struct {
	Level       string `json:"level" yaml:"level"` // debug, info, warn, error
	LogToFile   bool   `json:"logToFile" yaml:"logToFile"`
	LogToStdout bool   `json:"logToStdout" yaml:"logToStdout"`
	Directory   string `json:"directory" yaml:"directory"`
	MaxSize     int    `json:"maxSize" yaml:"maxSize"` // megabytes
	MaxAge      int    `json:"maxAge" yaml:"maxAge"`   // days
	MaxBackups  int    `json:"maxBackups" yaml:"maxBackups"`
	Compress    bool   `json:"compress" yaml:"compress"`
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Address        string `json:"address" yaml:"address"`
	Path           string `json:"path" yaml:"path"`
	UpdateInterval string `json:"updateInterval" yaml:"updateInterval"`
}

// Load reads and parses the configuration file. Both JSON and YAML
// files are accepted, selected by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.setDefaults()

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Mongo.Database == "" {
		c.Mongo.Database = "shadows"
	}
	if c.Mongo.ShadowCollection == "" {
		c.Mongo.ShadowCollection = "device_shadows"
	}
	if c.Mongo.DeviceCollection == "" {
		c.Mongo.DeviceCollection = "devices"
	}
	if c.Mongo.ConnectTimeout == "" {
		c.Mongo.ConnectTimeout = "10s"
	}
	if c.Mongo.MaxStreamRetries <= 0 {
		c.Mongo.MaxStreamRetries = 5
	}
	if c.Mongo.StreamRetryDelay == "" {
		c.Mongo.StreamRetryDelay = "2s"
	}

	if c.Broker.Type == "" {
		c.Broker.Type = BrokerTypeMQTT
	}
	if c.Broker.ClientID == "" {
		c.Broker.ClientID = "shadow-router"
	}

	if c.Topics.Prefix == "" {
		c.Topics.Prefix = "iot"
	}

	if c.Bridge.ListenAddress == "" {
		c.Bridge.ListenAddress = ":8090"
	}
	if c.Bridge.WebSocketPath == "" {
		c.Bridge.WebSocketPath = "/ws"
	}
	if c.Bridge.SendBufferSize <= 0 {
		c.Bridge.SendBufferSize = 256
	}
	if c.Bridge.MaxMessageSize <= 0 {
		c.Bridge.MaxMessageSize = 64 * 1024
	}
	if c.Bridge.PingInterval == "" {
		c.Bridge.PingInterval = "30s"
	}
	if c.Bridge.PongTimeout == "" {
		c.Bridge.PongTimeout = "60s"
	}
	if c.Bridge.ReconnectBaseDelay == "" {
		c.Bridge.ReconnectBaseDelay = "1s"
	}
	if c.Bridge.ReconnectMaxDelay == "" {
		c.Bridge.ReconnectMaxDelay = "60s"
	}
	if c.Bridge.MaxReconnectTries <= 0 {
		c.Bridge.MaxReconnectTries = 10
	}

	if c.Health.CheckInterval == "" {
		c.Health.CheckInterval = "15s"
	}
	if c.Health.ErrorHistory <= 0 {
		c.Health.ErrorHistory = 25
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if !c.Logging.LogToFile && !c.Logging.LogToStdout {
		c.Logging.LogToStdout = true
	}
	if c.Logging.MaxSize <= 0 {
		c.Logging.MaxSize = 100
	}
	if c.Logging.MaxAge <= 0 {
		c.Logging.MaxAge = 30
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 5
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.UpdateInterval == "" {
		c.Metrics.UpdateInterval = "15s"
	}
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	if cfg.Mongo.URI == "" {
		return fmt.Errorf("mongo uri is required")
	}

	for _, d := range []struct {
		name  string
		value string
	}{
		{"mongo connect timeout", cfg.Mongo.ConnectTimeout},
		{"mongo stream retry delay", cfg.Mongo.StreamRetryDelay},
		{"bridge ping interval", cfg.Bridge.PingInterval},
		{"bridge pong timeout", cfg.Bridge.PongTimeout},
		{"bridge reconnect base delay", cfg.Bridge.ReconnectBaseDelay},
		{"bridge reconnect max delay", cfg.Bridge.ReconnectMaxDelay},
		{"health check interval", cfg.Health.CheckInterval},
		{"metrics update interval", cfg.Metrics.UpdateInterval},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}

	switch cfg.Broker.Type {
	case BrokerTypeMQTT:
		if cfg.Broker.Address == "" {
			return fmt.Errorf("broker address is required for mqtt")
		}
	case BrokerTypeNATS:
		if len(cfg.Broker.URLs) == 0 {
			return fmt.Errorf("at least one broker url is required for nats")
		}
	default:
		return fmt.Errorf("invalid broker type: %s", cfg.Broker.Type)
	}

	if cfg.Broker.TLS.Enable {
		if cfg.Broker.TLS.CertFile == "" {
			return fmt.Errorf("tls cert file is required when tls is enabled")
		}
		if cfg.Broker.TLS.KeyFile == "" {
			return fmt.Errorf("tls key file is required when tls is enabled")
		}
		if cfg.Broker.TLS.CAFile == "" {
			return fmt.Errorf("tls ca file is required when tls is enabled")
		}
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	if cfg.Logging.LogToFile && cfg.Logging.Directory == "" {
		return fmt.Errorf("log directory is required when logging to file")
	}

	return nil
}

// ConnectTimeoutDuration returns the parsed connect timeout.
func (c *MongoConfig) ConnectTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ConnectTimeout)
	return d
}

// StreamRetryInterval returns the parsed change-stream retry delay.
func (c *MongoConfig) StreamRetryInterval() time.Duration {
	d, _ := time.ParseDuration(c.StreamRetryDelay)
	return d
}

// ReconnectBase returns the parsed reconnect base delay.
func (c *BridgeConfig) ReconnectBase() time.Duration {
	d, _ := time.ParseDuration(c.ReconnectBaseDelay)
	return d
}

// ReconnectMax returns the parsed reconnect delay cap.
func (c *BridgeConfig) ReconnectMax() time.Duration {
	d, _ := time.ParseDuration(c.ReconnectMaxDelay)
	return d
}

// PingEvery returns the parsed websocket ping interval.
func (c *BridgeConfig) PingEvery() time.Duration {
	d, _ := time.ParseDuration(c.PingInterval)
	return d
}

// PongWait returns the parsed websocket pong timeout.
func (c *BridgeConfig) PongWait() time.Duration {
	d, _ := time.ParseDuration(c.PongTimeout)
	return d
}

// Interval returns the parsed health check interval.
func (c *HealthConfig) Interval() time.Duration {
	d, _ := time.ParseDuration(c.CheckInterval)
	return d
}

// UpdateIntervalDuration returns the parsed metrics collection interval.
func (c *MetricsConfig) UpdateIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.UpdateInterval)
	return d
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(brokerAddr, topicPrefix, listenAddr, metricsAddr string) {
	if brokerAddr != "" {
		c.Broker.Address = brokerAddr
	}
	if topicPrefix != "" {
		c.Topics.Prefix = topicPrefix
	}
	if listenAddr != "" {
		c.Bridge.ListenAddress = listenAddr
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
}
