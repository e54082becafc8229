package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the sheep daemon's identity and listener settings
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     uint16 `yaml:"port"`
	Zone     uint32 `yaml:"zone"`
	NrVnodes uint16 `yaml:"nr_vnodes"`
}

// ClusterConfig holds the membership core configuration
type ClusterConfig struct {
	Driver    string   `yaml:"driver"`
	Endpoints []string `yaml:"endpoints"`
	Namespace string   `yaml:"namespace"`
	NrCopies  uint8    `yaml:"nr_copies"`
}

// StoreConfig holds the backend object store configuration
type StoreConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
}

// RecoveryConfig holds recovery throttling configuration
type RecoveryConfig struct {
	ObjectsPerSecond float64 `yaml:"objects_per_second"`
}

// GossipConfig holds the health gossip sidecar configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// AdminConfig holds the admin HTTP server configuration
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the complete daemon configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Store    StoreConfig    `yaml:"store"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Gossip   GossipConfig   `yaml:"gossip"`
	Admin    AdminConfig    `yaml:"admin"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7000
	}
	if cfg.Server.NrVnodes == 0 {
		cfg.Server.NrVnodes = 64
	}

	if cfg.Cluster.Driver == "" {
		cfg.Cluster.Driver = "local"
	}
	if cfg.Cluster.NrCopies == 0 {
		cfg.Cluster.NrCopies = 3
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "plain"
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "/var/lib/sheepdog"
	}

	if cfg.Recovery.ObjectsPerSecond == 0 {
		cfg.Recovery.ObjectsPerSecond = 512
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}

	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 7001
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Cluster.NrCopies < 1 {
		return fmt.Errorf("cluster.nr_copies must be at least 1")
	}
	if c.Cluster.Driver == "etcd" && len(c.Cluster.Endpoints) == 0 {
		return fmt.Errorf("cluster.endpoints is required for the etcd driver")
	}
	return nil
}
