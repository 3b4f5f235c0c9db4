// Package config loads ward settings from ward.yaml, WARD_* environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: WARD_DB_PATH, WARD_LEASE_DEFAULT_TTL, ...
const EnvPrefix = "WARD"

// Config is the resolved ward configuration.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db_path" yaml:"db_path" json:"db_path" validate:"required"`

	// AuditLog is the hash-chained JSONL audit log. Empty disables it.
	AuditLog string `mapstructure:"audit_log" yaml:"audit_log" json:"audit_log"`

	// PolicyPath is a YAML/JSON policy document. Empty uses the built-in policy.
	PolicyPath string `mapstructure:"policy_path" yaml:"policy_path" json:"policy_path"`

	// EnableIntelligence turns on decision intelligence reports. Off by
	// default; turning it off never changes a decision.
	EnableIntelligence bool `mapstructure:"enable_intelligence" yaml:"enable_intelligence" json:"enable_intelligence"`

	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level" validate:"oneof=debug info warn error"`

	// RevokeOnPolicyChange revokes all active leases when the policy is replaced.
	RevokeOnPolicyChange bool `mapstructure:"revoke_on_policy_change" yaml:"revoke_on_policy_change" json:"revoke_on_policy_change"`

	// MetricsTextfile, when set, receives Prometheus metrics in textfile
	// collector format after each CLI command.
	MetricsTextfile string `mapstructure:"metrics_textfile" yaml:"metrics_textfile" json:"metrics_textfile"`

	Lease LeaseConfig `mapstructure:"lease" yaml:"lease" json:"lease"`
	Agent AgentConfig `mapstructure:"agent" yaml:"agent" json:"agent"`
}

// LeaseConfig holds the lease defaults for allow decisions.
type LeaseConfig struct {
	DefaultTTL      time.Duration `mapstructure:"default_ttl" yaml:"default_ttl" json:"default_ttl" validate:"gt=0"`
	DefaultMaxSteps int           `mapstructure:"default_max_steps" yaml:"default_max_steps" json:"default_max_steps" validate:"gte=0"`
}

// AgentConfig tunes the approval poller.
type AgentConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval" validate:"gt=0"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// Defaults.
const (
	DefaultDBPath       = "ward.db"
	DefaultLogLevel     = "info"
	DefaultLeaseTTL     = 5 * time.Minute
	DefaultLeaseSteps   = 1
	DefaultPollInterval = 2 * time.Second
	DefaultAgentTimeout = 5 * time.Minute
)

var keys = []string{
	"db_path",
	"audit_log",
	"policy_path",
	"enable_intelligence",
	"verbose",
	"log_level",
	"revoke_on_policy_change",
	"metrics_textfile",
	"lease.default_ttl",
	"lease.default_max_steps",
	"agent.poll_interval",
	"agent.timeout",
}

// Load resolves configuration. configFile may be empty, in which case
// ward.yaml (or .yml) is searched for in the working directory and ~/.ward.
// A missing file is not an error.
func Load(configFile string) (*Config, string, error) {
	v := newViper(configFile)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, v.ConfigFileUsed(), nil
}

func newViper(configFile string) *viper.Viper {
	v := viper.New()

	v.SetDefault("db_path", DefaultDBPath)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("lease.default_ttl", DefaultLeaseTTL)
	v.SetDefault("lease.default_max_steps", DefaultLeaseSteps)
	v.SetDefault("agent.poll_interval", DefaultPollInterval)
	v.SetDefault("agent.timeout", DefaultAgentTimeout)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
	} else {
		v.SetConfigName("ward")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	return v
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	return findConfigFileInPaths([]string{".", filepath.Join(home, ".ward")})
}

func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "ward"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// Validate checks struct tags and returns readable messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := e.Namespace()
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", field, e.Param()))
		case "gt":
			messages = append(messages, fmt.Sprintf("%s must be greater than %s", field, e.Param()))
		case "gte":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", field, e.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation: %s", field, e.Tag()))
		}
	}
	return errors.New(strings.Join(messages, "; "))
}
