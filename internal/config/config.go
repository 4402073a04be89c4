// Package config loads the service configuration from a YAML file and fills
// in defaults for anything the file leaves out.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/vehicle.report/internal/broker"
	"github.com/banshee-data/vehicle.report/internal/handshake"
	"github.com/banshee-data/vehicle.report/internal/ingest"
	"github.com/banshee-data/vehicle.report/internal/telemetry"
	"github.com/banshee-data/vehicle.report/internal/units"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Topics   Topics         `yaml:"topics"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	Dev      DevConfig      `yaml:"dev"`
}

type BrokerConfig struct {
	URL            string        `yaml:"url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            *int          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Options converts the file settings into broker connection options.
func (b BrokerConfig) Options() broker.Options {
	opts := broker.Options{
		BrokerURL:      b.URL,
		ClientID:       b.ClientID,
		Username:       b.Username,
		Password:       b.Password,
		ConnectTimeout: b.ConnectTimeout,
	}
	if b.QoS != nil {
		opts.QoS = byte(*b.QoS)
	}
	return opts
}

// Topics lists every broker topic the service consumes or produces.
type Topics struct {
	Telemetry        string `yaml:"telemetry" json:"telemetry"`
	handshake.Topics `yaml:",inline"`
}

// All returns the topics in a fixed order.
func (t Topics) All() []string {
	return []string{t.Telemetry, t.HandshakeRequest, t.HandshakeResponse, t.SyncRequest, t.SyncResponse}
}

type IngestConfig struct {
	FlushInterval    time.Duration `yaml:"flush_interval"`
	QueueSize        int           `yaml:"queue_size"`
	DefaultVehicleID string        `yaml:"default_vehicle_id"`
}

type DatabaseConfig struct {
	Path      string `yaml:"path"`
	BackupDir string `yaml:"backup_dir"`
}

type HTTPConfig struct {
	Listen     string `yaml:"listen"`
	CORSOrigin string `yaml:"cors_origin"`
	Units      string `yaml:"units"`
}

// DevConfig drives the service without real hardware: an in-memory broker
// fed from a fixtures file or a synthetic drive.
type DevConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Fixtures       string        `yaml:"fixtures"`
	ReplayInterval time.Duration `yaml:"replay_interval"`
	DisableBroker  bool          `yaml:"disable_broker"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML configuration file. The file must have a .yaml or .yml
// extension and be under 1MB. Unknown keys are rejected so that typos do not
// silently fall back to defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Broker.URL == "" {
		c.Broker.URL = "tcp://localhost:1883"
	}
	if c.Broker.ClientID == "" {
		c.Broker.ClientID = "vehicle-report"
	}
	if c.Broker.QoS == nil {
		qos := 1
		c.Broker.QoS = &qos
	}
	if c.Broker.ConnectTimeout == 0 {
		c.Broker.ConnectTimeout = 10 * time.Second
	}

	defaults := handshake.DefaultTopics()
	if c.Topics.Telemetry == "" {
		c.Topics.Telemetry = "esp32mqtt/vehicle"
	}
	if c.Topics.HandshakeRequest == "" {
		c.Topics.HandshakeRequest = defaults.HandshakeRequest
	}
	if c.Topics.HandshakeResponse == "" {
		c.Topics.HandshakeResponse = defaults.HandshakeResponse
	}
	if c.Topics.SyncRequest == "" {
		c.Topics.SyncRequest = defaults.SyncRequest
	}
	if c.Topics.SyncResponse == "" {
		c.Topics.SyncResponse = defaults.SyncResponse
	}

	if c.Ingest.FlushInterval == 0 {
		c.Ingest.FlushInterval = ingest.DefaultFlushInterval
	}
	if c.Ingest.QueueSize == 0 {
		c.Ingest.QueueSize = broker.DefaultQueueSize
	}
	if c.Ingest.DefaultVehicleID == "" {
		c.Ingest.DefaultVehicleID = telemetry.DefaultVehicleID
	}

	if c.Database.Path == "" {
		c.Database.Path = "vehicle_data.db"
	}
	if c.Database.BackupDir == "" {
		c.Database.BackupDir = "."
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":4000"
	}
	if c.HTTP.CORSOrigin == "" {
		c.HTTP.CORSOrigin = "http://localhost:3000"
	}
	if c.HTTP.Units == "" {
		c.HTTP.Units = units.KM
	}

	if c.Dev.ReplayInterval == 0 {
		c.Dev.ReplayInterval = 500 * time.Millisecond
	}
}

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	if c.Broker.QoS != nil && (*c.Broker.QoS < 0 || *c.Broker.QoS > 2) {
		return fmt.Errorf("broker.qos must be 0, 1 or 2, got %d", *c.Broker.QoS)
	}
	if c.Broker.ConnectTimeout < 0 {
		return fmt.Errorf("broker.connect_timeout must be positive, got %v", c.Broker.ConnectTimeout)
	}

	seen := make(map[string]bool)
	for _, topic := range c.Topics.All() {
		if topic == "" {
			return errors.New("topics: every topic must be set")
		}
		if seen[topic] {
			return fmt.Errorf("topics: %q is used more than once", topic)
		}
		seen[topic] = true
	}

	if c.Ingest.FlushInterval < 0 {
		return fmt.Errorf("ingest.flush_interval must be positive, got %v", c.Ingest.FlushInterval)
	}
	if c.Ingest.QueueSize < 0 {
		return fmt.Errorf("ingest.queue_size must be positive, got %d", c.Ingest.QueueSize)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.HTTP.Listen == "" {
		return errors.New("http.listen is required")
	}
	if !units.IsValid(c.HTTP.Units) {
		return fmt.Errorf("http.units must be one of %s, got %q", units.GetValidUnitsString(), c.HTTP.Units)
	}
	if c.Dev.ReplayInterval < 0 {
		return fmt.Errorf("dev.replay_interval must be positive, got %v", c.Dev.ReplayInterval)
	}
	if c.Dev.Fixtures != "" && !c.Dev.Enabled {
		return errors.New("dev.fixtures requires dev.enabled")
	}
	if c.Dev.Enabled && c.Dev.DisableBroker {
		return errors.New("dev.enabled and dev.disable_broker are mutually exclusive")
	}
	return nil
}
