// ABOUTME: Configuration loading and parsing for the mcpdoor gateway
// ABOUTME: Supports YAML files with environment variable expansion and validation

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration for one provider
// instance.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Auth     AuthConfig     `yaml:"auth"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// ProviderConfig identifies which tool provider this instance fronts.
type ProviderConfig struct {
	ID string `yaml:"id"`
}

// AuthConfig holds authentication configuration.
//
// Mode selects between "local" (a single shared downstream secret injected
// from configuration, bypassing credential lookup) and "remote" (the full
// credential cache path against the system of record).
type AuthConfig struct {
	Mode string `yaml:"mode"`
	// LocalSecret is the shared downstream secret used in local mode.
	LocalSecret string `yaml:"local_secret"`
	// EncryptionKey is the base64-encoded 32-byte AES-256 key used to
	// decrypt stored provider secrets. Required in remote mode.
	EncryptionKey string `yaml:"encryption_key"`
}

// StoreConfig holds system-of-record connection configuration.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path"`
	// RedisAddr is the address of the Redis instance carrying the change
	// feed. Optional in local mode.
	RedisAddr string `yaml:"redis_addr"`
	// RedisPassword is the optional Redis auth password.
	RedisPassword string `yaml:"redis_password"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "local"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Provider.ID == "" {
		return fmt.Errorf("provider.id is required")
	}

	switch c.Auth.Mode {
	case "local":
	case "remote":
		if c.Auth.EncryptionKey == "" {
			return fmt.Errorf("auth.encryption_key is required in remote mode")
		}
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required in remote mode")
		}
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required in remote mode")
		}
	default:
		return fmt.Errorf("auth.mode must be \"local\" or \"remote\", got %q", c.Auth.Mode)
	}

	return nil
}
