// ABOUTME: Configuration loading and parsing for hello-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hello-gateway configuration
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Keystore  KeystoreConfig  `yaml:"keystore"`
	Challenge ChallengeConfig `yaml:"challenge"`
	Session   SessionConfig   `yaml:"session"`
	Seed      SeedConfig      `yaml:"seed"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig selects where the account collection is persisted
type StorageConfig struct {
	// Driver is "file" (JSON file) or "sqlite"
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// KeystoreConfig holds the software key provider configuration
type KeystoreConfig struct {
	Path           string `yaml:"path"`
	MaxPINAttempts int    `yaml:"max_pin_attempts"`
	// DeviceIDPath is where the generated device id is persisted.
	// Defaults to <keystore path>/device-id.
	DeviceIDPath string `yaml:"device_id_path"`
}

// ChallengeConfig holds sign-in challenge configuration
type ChallengeConfig struct {
	TTL time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TTLRaw string `yaml:"ttl"`
}

// SessionConfig holds session token configuration. Tokens are only issued
// when a secret is set.
type SessionConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TTL       time.Duration `yaml:"-"`

	TTLRaw string `yaml:"ttl"`
}

// SeedConfig controls the sample legacy account created on first run
type SeedConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in the fields that have sensible defaults.
func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Seed.Enabled && c.Seed.Username == "" {
		c.Seed.Username = "sampleUsername"
	}
	if c.Seed.Enabled && c.Seed.Password == "" {
		c.Seed.Password = "samplePassword"
	}
	if c.Keystore.DeviceIDPath == "" && c.Keystore.Path != "" {
		c.Keystore.DeviceIDPath = c.Keystore.Path + "/device-id"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Storage.Driver != "file" && c.Storage.Driver != "sqlite" {
		return fmt.Errorf("storage.driver must be \"file\" or \"sqlite\", got %q", c.Storage.Driver)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Keystore.Path == "" {
		return fmt.Errorf("keystore.path is required")
	}
	if c.Keystore.MaxPINAttempts < 0 {
		return fmt.Errorf("keystore.max_pin_attempts must not be negative")
	}
	if c.Challenge.TTL < 0 {
		return fmt.Errorf("challenge.ttl must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Challenge.TTLRaw != "" {
		cfg.Challenge.TTL, err = time.ParseDuration(cfg.Challenge.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing challenge.ttl %q: %w", cfg.Challenge.TTLRaw, err)
		}
	}

	if cfg.Session.TTLRaw != "" {
		cfg.Session.TTL, err = time.ParseDuration(cfg.Session.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing session.ttl %q: %w", cfg.Session.TTLRaw, err)
		}
	}

	return nil
}
