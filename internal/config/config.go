package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rogers-f/signoff/internal/domain"
)

// EnvConfigPath names the environment variable consulted when no config path
// is given on the command line.
const EnvConfigPath = "SIGNOFF_CONFIG"

// RedisConfig enables publishing notifications to Redis. An empty Addr
// disables it.
type RedisConfig struct {
	Addr       string `yaml:"addr" json:"addr"`
	Password   string `yaml:"password" json:"password"`
	DB         int    `yaml:"db" json:"db"`
	Channel    string `yaml:"channel" json:"channel"`
	QueueSize  int    `yaml:"queue_size" json:"queue_size"`
	MaxRetries int    `yaml:"max_retries" json:"max_retries"`
}

// Config holds the service's runtime configuration.
type Config struct {
	DBPath             string      `yaml:"db_path" json:"db_path"`
	ListenAddr         string      `yaml:"listen_addr" json:"listen_addr"`
	DefinitionsPath    string      `yaml:"definitions_path" json:"definitions_path"`
	LogLevel           string      `yaml:"log_level" json:"log_level"`
	LogFormat          string      `yaml:"log_format" json:"log_format"`
	Redis              RedisConfig `yaml:"redis" json:"redis"`
	ShutdownTimeoutSec int         `yaml:"shutdown_timeout_sec" json:"shutdown_timeout_sec"`
}

// Load reads a YAML (or JSON) config file, applies defaults, and validates.
// Relative paths inside the file resolve against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.resolvePaths(filepath.Dir(path))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Resolve picks the config file: the explicit path if set, then
// $SIGNOFF_CONFIG, then config.yaml next to the executable, then config.yaml
// in the working directory.
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}

	var candidates []string
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "config.yaml"))
	}
	candidates = append(candidates, "config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config file: pass --config, set %s, or create config.yaml", EnvConfigPath)
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9800"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.ShutdownTimeoutSec == 0 {
		c.ShutdownTimeoutSec = 10
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "signoff.events"
	}
	if c.Redis.QueueSize == 0 {
		c.Redis.QueueSize = 256
	}
	if c.Redis.MaxRetries == 0 {
		c.Redis.MaxRetries = 3
	}
}

func (c *Config) resolvePaths(base string) {
	if c.DBPath != "" && c.DBPath != ":memory:" && !filepath.IsAbs(c.DBPath) {
		c.DBPath = filepath.Join(base, c.DBPath)
	}
	if c.DefinitionsPath != "" && !filepath.IsAbs(c.DefinitionsPath) {
		c.DefinitionsPath = filepath.Join(base, c.DefinitionsPath)
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error", "disabled":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q is not a level", c.LogLevel))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		problems = append(problems, "log_format must be json or console")
	}
	if c.ShutdownTimeoutSec < 0 {
		problems = append(problems, "shutdown_timeout_sec must not be negative")
	}
	if c.Redis.QueueSize < 0 {
		problems = append(problems, "redis.queue_size must not be negative")
	}
	if c.Redis.MaxRetries < 0 {
		problems = append(problems, "redis.max_retries must not be negative")
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}
