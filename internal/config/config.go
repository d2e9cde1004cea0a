package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the engine looks for its configuration unless
// overridden by flag or the MADMIN_CONFIG environment variable.
const DefaultPath = "/etc/madmin/madmin.yaml"

type Config struct {
	// DataDir holds the sqlite database.
	DataDir string `yaml:"data_dir"`

	Firewall FirewallConfig `yaml:"firewall"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type FirewallConfig struct {
	// RulesV4 and RulesV6 are the persistent iptables-save artifacts
	// written after every successful synchronization and replayed at boot.
	RulesV4 string `yaml:"rules_v4"`
	RulesV6 string `yaml:"rules_v6"`

	// CommandTimeout bounds every firewall control command.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// Mock logs commands instead of executing them. Used on hosts
	// without iptables (development) and in integration testing.
	Mock bool `yaml:"mock"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

func Default() *Config {
	return &Config{
		DataDir: "/var/lib/madmin",
		Firewall: FirewallConfig{
			RulesV4:        "/etc/madmin/iptables/rules.v4",
			RulesV6:        "/etc/madmin/iptables/rules.v6",
			CommandTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// Load reads the configuration file at path, falling back to MADMIN_CONFIG
// and then DefaultPath when path is empty. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MADMIN_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// EnsureDirs creates the directories the engine writes into.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.Firewall.RulesV4),
		filepath.Dir(c.Firewall.RulesV6),
	}
	if c.Logging.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.Path))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
