package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engines
const (
	EngineDocker     = "docker"
	EngineContainerd = "containerd"
)

// Environment variables read by ApplyEnv
const (
	EnvConsulAgent = "CONSUL_AGENT"
	EnvConsulToken = "CONSUL_HTTP_TOKEN"
	EnvDockerHost  = "DOCKER_HOST"
	EnvLogLevel    = "CONDO_LOG_LEVEL"
)

// Config is the agent configuration
type Config struct {
	Consul  ConsulConfig  `yaml:"consul"`
	Engine  EngineConfig  `yaml:"engine"`
	Deploy  DeployConfig  `yaml:"deploy"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	History HistoryConfig `yaml:"history"`

	// SpecFile replaces the Consul watch with a single local descriptor
	SpecFile string `yaml:"spec_file"`
}

// ConsulConfig configures the KV watch and the local agent
type ConsulConfig struct {
	Address     string        `yaml:"address"`
	Token       string        `yaml:"token"`
	Key         string        `yaml:"key"`
	Wait        time.Duration `yaml:"wait"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// EngineConfig selects and configures the container engine
type EngineConfig struct {
	Kind                string `yaml:"kind"`
	DockerHost          string `yaml:"docker_host"`
	DockerAPIVersion    string `yaml:"docker_api_version"`
	ContainerdSocket    string `yaml:"containerd_socket"`
	ContainerdNamespace string `yaml:"containerd_namespace"`
}

// DeployConfig tunes the dispatcher and the deployer
type DeployConfig struct {
	AdvertiseHost  string        `yaml:"advertise_host"`
	HealthDeadline time.Duration `yaml:"health_deadline"`
	QueueSize      int           `yaml:"queue_size"`
}

// LogConfig configures the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig configures the metrics and health endpoint. An empty
// address disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// HistoryConfig configures the deploy history database. An empty path
// disables it.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Consul: ConsulConfig{
			Address:     "127.0.0.1:8500",
			Wait:        10 * time.Second,
			RetryDelay:  5 * time.Second,
			MinInterval: time.Second,
		},
		Engine: EngineConfig{
			Kind:                EngineDocker,
			DockerHost:          "unix:///var/run/docker.sock",
			ContainerdSocket:    "/run/containerd/containerd.sock",
			ContainerdNamespace: "condo",
		},
		Deploy: DeployConfig{
			AdvertiseHost:  "127.0.0.1",
			HealthDeadline: 2 * time.Minute,
			QueueSize:      16,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9469",
		},
		History: HistoryConfig{
			Path: DefaultHistoryPath(),
		},
	}
}

// DefaultHistoryPath returns $XDG_STATE_HOME/condo/history.db, falling
// back to ~/.local/state
func DefaultHistoryPath() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".local", "state", "condo", "history.db")
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "condo", "history.db")
}

// Load reads a YAML file over the defaults. Unknown fields are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config %q: %w", path, err)
	}
	return LoadBytes(data, path)
}

// LoadBytes parses YAML over the defaults. The source is used only for
// error messages.
func LoadBytes(data []byte, source string) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config %q: YAML parse error: %w", source, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment through lookup, which is
// os.LookupEnv outside tests
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvConsulAgent); ok && v != "" {
		c.Consul.Address = v
	}
	if v, ok := lookup(EnvConsulToken); ok && v != "" {
		c.Consul.Token = v
	}
	if v, ok := lookup(EnvDockerHost); ok && v != "" {
		c.Engine.DockerHost = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

// Validate reports every problem at once
func (c *Config) Validate() error {
	var errs []string

	if c.SpecFile == "" {
		if strings.TrimSpace(c.Consul.Key) == "" {
			errs = append(errs, "missing consul key (positional KEY argument or consul.key)")
		}
		if strings.TrimSpace(c.Consul.Address) == "" {
			errs = append(errs, fmt.Sprintf("missing consul address (set %s or consul.address)", EnvConsulAgent))
		}
		if c.Consul.Wait <= 0 {
			errs = append(errs, "consul.wait must be positive")
		}
		if c.Consul.RetryDelay <= 0 {
			errs = append(errs, "consul.retry_delay must be positive")
		}
	}

	switch c.Engine.Kind {
	case EngineDocker:
		if c.Engine.DockerHost == "" {
			errs = append(errs, "engine.docker_host is required for the docker engine")
		}
	case EngineContainerd:
		if c.Engine.ContainerdSocket == "" {
			errs = append(errs, "engine.containerd_socket is required for the containerd engine")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported engine %q: expected %q or %q", c.Engine.Kind, EngineDocker, EngineContainerd))
	}

	if c.Deploy.HealthDeadline <= 0 {
		errs = append(errs, "deploy.health_deadline must be positive")
	}
	if c.Deploy.QueueSize <= 0 {
		errs = append(errs, "deploy.queue_size must be positive")
	}
	if c.Deploy.AdvertiseHost == "" {
		errs = append(errs, "deploy.advertise_host is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
