package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/herdops/herd/pkg/workload"
)

// PeerConfig describes one peer unit as known at deployment time.
type PeerConfig struct {
	ID       string `yaml:"id"`
	Host     string `yaml:"host"`
	RESTPort int    `yaml:"rest_port"`
	RaftAddr string `yaml:"raft_addr"`
}

// ClientConfig carries the upstream Kafka cluster relation values.
type ClientConfig struct {
	BootstrapServers  []string `yaml:"bootstrap_servers"`
	Username          string   `yaml:"username"`
	Password          string   `yaml:"password"`
	CACert            string   `yaml:"ca_cert"`
	SecurityMechanism string   `yaml:"security_mechanism"`
}

// LogConfig selects log level and output format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// HealthCheckConfig selects how the local worker is probed between
// restart attempts.
type HealthCheckConfig struct {
	// Type is one of "http", "tcp" or "grpc".
	Type string `yaml:"type"`
	// GRPCService narrows a grpc probe to one registered service.
	GRPCService string `yaml:"grpc_service"`
}

// AgentConfig is the YAML configuration for one agent.
type AgentConfig struct {
	UnitID         string `yaml:"unit_id"`
	AppName        string `yaml:"app_name"`
	AdvertisedHost string `yaml:"advertised_host"`
	BindAddr       string `yaml:"bind_addr"`
	MetricsAddr    string `yaml:"metrics_addr"`
	DataDir        string `yaml:"data_dir"`
	RESTPort       int    `yaml:"rest_port"`
	ForwardPort    int    `yaml:"forward_port"`
	Bootstrap      bool   `yaml:"bootstrap"`
	TLSEnabled     bool   `yaml:"tls_enabled"`

	ReconcileInterval time.Duration     `yaml:"reconcile_interval"`
	HealthCheck       HealthCheckConfig `yaml:"health_check"`

	ConfigDir string `yaml:"config_dir"`
	PluginDir string `yaml:"plugin_dir"`
	LogsDir   string `yaml:"logs_dir"`

	Peers  []PeerConfig  `yaml:"peers"`
	Client *ClientConfig `yaml:"client"`
	Log    LogConfig     `yaml:"log"`
}

// LoadConfig reads the agent configuration, applying defaults for every
// unset field. An empty path yields pure defaults.
func LoadConfig(path string) (*AgentConfig, error) {
	cfg := &AgentConfig{
		AppName:           "herd",
		BindAddr:          "127.0.0.1:7946",
		MetricsAddr:       "127.0.0.1:9090",
		DataDir:           "/var/lib/herd",
		RESTPort:          workload.DefaultRESTPort,
		ForwardPort:       7971,
		ReconcileInterval: 30 * time.Second,
		HealthCheck:       HealthCheckConfig{Type: "http"},
		Log:               LogConfig{Level: "info", JSON: true},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if cfg.UnitID == "" {
		return nil, fmt.Errorf("unit_id is required")
	}
	if cfg.AdvertisedHost == "" {
		cfg.AdvertisedHost = cfg.UnitID
	}
	switch cfg.HealthCheck.Type {
	case "http", "tcp", "grpc":
	default:
		return nil, fmt.Errorf("unknown health_check.type %q", cfg.HealthCheck.Type)
	}
	return cfg, nil
}

func (c *AgentConfig) paths() workload.Paths {
	paths := workload.DefaultPaths()
	if c.ConfigDir != "" {
		paths.ConfigDir = c.ConfigDir
	}
	if c.PluginDir != "" {
		paths.PluginDir = c.PluginDir
	}
	if c.LogsDir != "" {
		paths.LogsDir = c.LogsDir
	}
	return paths
}
