// Package config holds the meshgate daemon configuration, loaded from a
// YAML file with sane defaults for everything.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	GatewayID    string `yaml:"gateway_id"`
	Serial       string `yaml:"serial"`
	DatabasePath string `yaml:"database_path"`

	Flash    FlashConfig    `yaml:"flash"`
	HostLink HostLinkConfig `yaml:"hostlink"`
	Web      WebConfig      `yaml:"web"`
	Radio    RadioConfig    `yaml:"radio"`
	Router   RouterConfig   `yaml:"router"`
	Update   UpdateConfig   `yaml:"update"`
	Uplink   UplinkConfig   `yaml:"uplink"`
}

// FlashConfig locates the backing file for the gateway's own flash.
type FlashConfig struct {
	Path string `yaml:"path"`
	Size int64  `yaml:"size"`
}

// HostLinkConfig defines the host-facing RPC listener.
type HostLinkConfig struct {
	Addr string `yaml:"addr"`
}

// WebConfig defines the HTTP API server.
type WebConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// RadioConfig selects and tunes the radio transport backend.
type RadioConfig struct {
	Backend string     `yaml:"backend"` // "mqtt" or "mock"
	MTU     int        `yaml:"mtu"`
	MQTT    MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig defines MQTT broker settings.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// KafkaConfig defines Kafka broker settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
}

// RouterConfig holds the routing policy constants. These are policy, not
// structure: tune them for the radio's duty cycle.
type RouterConfig struct {
	BaseTimeout      time.Duration `yaml:"base_timeout"`
	TimeoutPerKB     time.Duration `yaml:"timeout_per_kb"`
	MaxRetries       int           `yaml:"max_retries"`
	SlotCap          int           `yaml:"slot_cap"`
	FailureThreshold int           `yaml:"failure_threshold"`
	NodeTimeout      time.Duration `yaml:"node_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// UpdateConfig tunes the firmware update orchestrator.
type UpdateConfig struct {
	ChunkSize          int64         `yaml:"chunk_size"`
	BootConfirmTimeout time.Duration `yaml:"boot_confirm_timeout"`
}

// UplinkConfig defines the fleet telemetry backend.
type UplinkConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Backend           string        `yaml:"backend"` // "mqtt" or "kafka"
	MQTT              MQTTConfig    `yaml:"mqtt"`
	Kafka             KafkaConfig   `yaml:"kafka"`
	FleetTopic        string        `yaml:"fleet_topic"`
	DrainInterval     time.Duration `yaml:"drain_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		GatewayID:    "gw-1",
		Serial:       "00000000000000f1",
		DatabasePath: "meshgate.db",
		Flash: FlashConfig{
			Path: "meshgate-flash.bin",
			Size: 1024 * 1024,
		},
		HostLink: HostLinkConfig{
			Addr: "127.0.0.1:9111",
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 9180,
		},
		Radio: RadioConfig{
			Backend: "mqtt",
			MTU:     128,
			MQTT: MQTTConfig{
				Broker:      "localhost",
				Port:        1883,
				ClientID:    "meshgate-radio",
				TopicPrefix: "meshgate/radio",
			},
		},
		Router: RouterConfig{
			BaseTimeout:      250 * time.Millisecond,
			TimeoutPerKB:     4 * time.Millisecond,
			MaxRetries:       2,
			SlotCap:          2,
			FailureThreshold: 3,
			NodeTimeout:      30 * time.Second,
			SweepInterval:    5 * time.Second,
		},
		Update: UpdateConfig{
			ChunkSize:          1024,
			BootConfirmTimeout: 30 * time.Second,
		},
		Uplink: UplinkConfig{
			Enabled:           false,
			Backend:           "mqtt",
			FleetTopic:        "meshgate/fleet",
			DrainInterval:     5 * time.Second,
			HeartbeatInterval: 60 * time.Second,
			MQTT: MQTTConfig{
				Broker:   "localhost",
				Port:     1883,
				ClientID: "meshgate-uplink",
			},
		},
	}
}

// Load reads a YAML config file. If the file doesn't exist, defaults are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to a YAML file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
