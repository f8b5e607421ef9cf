// Package config loads the octopus-mcp configuration from an optional
// YAML file with environment-variable overrides.
//
// The environment contract matches the fabric's deployment conventions:
// the AWS credentials that anchor role assumption are required
// (DIASPORA_AWS_ACCESS_KEY_ID, DIASPORA_AWS_SECRET_ACCESS_KEY,
// DIASPORA_AWS_DEFAULT_REGION; the DIASPORA_ prefix keeps deployment
// tooling from clobbering them), while the Globus client ID, AWS account
// ID, and bootstrap servers fall back to the public cluster defaults with
// a warning.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/diaspora-project/octopus-mcp/pkg/logging"
)

// Defaults for the public Octopus cluster.
const (
	DefaultGlobusClientID = "ee05bbfa-2a1a-4659-95df-ed8946e3aae6"
	DefaultAWSAccountID   = "423623835312"

	DefaultServerHost = "0.0.0.0"
	DefaultServerPort = 8000
	DefaultServerPath = "/mcps/diaspora"
)

// DefaultBootstrapServers are the public broker endpoints of the shared
// cluster.
var DefaultBootstrapServers = []string{
	"b-1-public.diaspora.jdqn8o.c18.kafka.us-east-1.amazonaws.com:9198",
	"b-2-public.diaspora.jdqn8o.c18.kafka.us-east-1.amazonaws.com:9198",
}

// AWSConfig anchors role assumption for derived cluster access.
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccountID       string `yaml:"accountID"`
	AccessKeyID     string `yaml:"accessKeyID"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

// ClusterConfig describes the brokers and produce semantics.
type ClusterConfig struct {
	BootstrapServers []string `yaml:"bootstrapServers"`

	// AcksAll selects full-replication acknowledgment for produces;
	// leader-only when false.
	AcksAll bool `yaml:"acksAll"`
}

// TokenStorageConfig controls credential persistence across restarts.
type TokenStorageConfig struct {
	Persist bool   `yaml:"persist"`
	Dir     string `yaml:"dir"`
}

// ServerConfig describes the MCP transport.
type ServerConfig struct {
	// Transport is "stdio" or "http".
	Transport string `yaml:"transport"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
}

// Config is the full octopus-mcp configuration.
type Config struct {
	GlobusClientID string             `yaml:"globusClientID"`
	AWS            AWSConfig          `yaml:"aws"`
	Cluster        ClusterConfig      `yaml:"cluster"`
	TokenStorage   TokenStorageConfig `yaml:"tokenStorage"`
	Server         ServerConfig       `yaml:"server"`

	ProduceTimeout time.Duration `yaml:"produceTimeout"`
	ConsumeWait    time.Duration `yaml:"consumeWait"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns the configuration with all defaults applied.
func Default() Config {
	return Config{
		GlobusClientID: DefaultGlobusClientID,
		AWS: AWSConfig{
			AccountID: DefaultAWSAccountID,
		},
		Cluster: ClusterConfig{
			BootstrapServers: DefaultBootstrapServers,
			AcksAll:          true,
		},
		Server: ServerConfig{
			Transport: "stdio",
			Host:      DefaultServerHost,
			Port:      DefaultServerPort,
			Path:      DefaultServerPath,
		},
		ProduceTimeout: 10 * time.Second,
		ConsumeWait:    5 * time.Second,
		LogLevel:       "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty or the file does not exist), then
// environment overrides. Call Validate before using the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
			logging.Info("Config", "Loaded configuration from %s", path)
		case os.IsNotExist(err):
			logging.Debug("Config", "No config file at %s, using defaults and environment", path)
		default:
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays the environment contract onto the configuration.
func (c *Config) applyEnv() {
	if v := os.Getenv("DIASPORA_AWS_ACCESS_KEY_ID"); v != "" {
		c.AWS.AccessKeyID = v
	}
	if v := os.Getenv("DIASPORA_AWS_SECRET_ACCESS_KEY"); v != "" {
		c.AWS.SecretAccessKey = v
	}
	if v := os.Getenv("DIASPORA_AWS_DEFAULT_REGION"); v != "" {
		c.AWS.Region = v
	}

	if v, ok := os.LookupEnv("GLOBUS_CLIENT_ID"); ok && v != "" {
		c.GlobusClientID = v
	} else if c.GlobusClientID == DefaultGlobusClientID {
		logging.Warn("Config", "GLOBUS_CLIENT_ID not set; using default client ID %s", DefaultGlobusClientID)
	}
	if v, ok := os.LookupEnv("AWS_ACCOUNT_ID"); ok && v != "" {
		c.AWS.AccountID = v
	} else if c.AWS.AccountID == DefaultAWSAccountID {
		logging.Warn("Config", "AWS_ACCOUNT_ID not set; using default account %s", DefaultAWSAccountID)
	}
	if v, ok := os.LookupEnv("OCTOPUS_BOOTSTRAP_SERVERS"); ok && v != "" {
		c.Cluster.BootstrapServers = splitServers(v)
	} else if equalStrings(c.Cluster.BootstrapServers, DefaultBootstrapServers) {
		logging.Warn("Config", "OCTOPUS_BOOTSTRAP_SERVERS not set; using default bootstrap servers")
	}
}

// Validate reports the required settings that are missing.
func (c *Config) Validate() error {
	var missing []string
	if c.AWS.AccessKeyID == "" {
		missing = append(missing, "DIASPORA_AWS_ACCESS_KEY_ID")
	}
	if c.AWS.SecretAccessKey == "" {
		missing = append(missing, "DIASPORA_AWS_SECRET_ACCESS_KEY")
	}
	if c.AWS.Region == "" {
		missing = append(missing, "DIASPORA_AWS_DEFAULT_REGION")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if len(c.Cluster.BootstrapServers) == 0 {
		return fmt.Errorf("no bootstrap servers configured")
	}
	return nil
}

func splitServers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
