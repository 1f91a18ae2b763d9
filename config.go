package credgate

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Config.ApplyDefaults.
const (
	DefaultLockTTL       = 10 * time.Second
	DefaultBindingTTL    = time.Hour
	DefaultOwnerTTL      = 100000000 * time.Second // ~3 years, outlives any process
	DefaultRetryAttempts = 10
	DefaultRetryInterval = time.Second
)

// Config is the top-level gate configuration.
type Config struct {
	Credentials       CredentialList `yaml:"credentials"`
	DailyLimit        int64          `yaml:"daily_limit"`
	PrivilegedCallers []string       `yaml:"privileged_callers"`
	LockTTL           time.Duration  `yaml:"lock_ttl"`
	BindingTTL        time.Duration  `yaml:"binding_ttl"`
	OwnerTTL          time.Duration  `yaml:"owner_ttl"`
	RetryAttempts     int            `yaml:"retry_attempts"`
	RetryInterval     time.Duration  `yaml:"retry_interval"`
	Timezone          string         `yaml:"timezone"`
	Store             StoreConfig    `yaml:"store"`
}

// StoreConfig selects and configures the Store backend.
type StoreConfig struct {
	Backend    string `yaml:"backend"` // memory, redis, valkey, postgres, mongo
	Address    string `yaml:"address"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	DSN        string `yaml:"dsn"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
	KeyPrefix  string `yaml:"key_prefix"`
}

// Store backends understood by the factory.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendValkey   = "valkey"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// CredentialList is an ordered list of upstream credentials. In YAML it is
// either a sequence or a single comma-separated string, so that
// "credentials: ${OPENAI_ACCESS_TOKENS}" works after env expansion.
type CredentialList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *CredentialList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = ParseCredentials(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("credgate: config: credentials must be a list or a comma-separated string")
	}
}

// ParseCredentials splits a comma-separated credential list, dropping blanks.
func ParseCredentials(s string) CredentialList {
	var out CredentialList
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
// Defaults are applied before validation.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("credgate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("credgate: parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.LockTTL == 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.BindingTTL == 0 {
		c.BindingTTL = DefaultBindingTTL
	}
	if c.OwnerTTL == 0 {
		c.OwnerTTL = DefaultOwnerTTL
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Credentials) == 0 {
		return fmt.Errorf("credgate: config: at least one credential is required: %w", ErrNoCredentials)
	}

	seen := make(map[string]bool, len(c.Credentials))
	for i, cred := range c.Credentials {
		if strings.TrimSpace(cred) == "" {
			return fmt.Errorf("credgate: config: credentials[%d] is blank: %w", i, ErrInvalidCredential)
		}
		if seen[cred] {
			return fmt.Errorf("credgate: config: credentials[%d] is a duplicate: %w", i, ErrInvalidCredential)
		}
		seen[cred] = true
	}

	if c.LockTTL <= 0 {
		return fmt.Errorf("credgate: config: lock_ttl must be positive")
	}
	if c.BindingTTL <= 0 {
		return fmt.Errorf("credgate: config: binding_ttl must be positive")
	}
	if c.OwnerTTL <= 0 {
		return fmt.Errorf("credgate: config: owner_ttl must be positive")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("credgate: config: retry_attempts must be at least 1")
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("credgate: config: retry_interval must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendValkey, BackendPostgres, BackendMongo:
	default:
		return fmt.Errorf("credgate: config: unknown store backend %q", c.Store.Backend)
	}

	return nil
}

// Location returns the time zone daily quotas reset in. Empty means the
// process-local zone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("credgate: config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
