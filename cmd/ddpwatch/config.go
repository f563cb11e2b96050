package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the ddpwatch configuration file.
	Config struct {
		URL           string               `yaml:"url"`
		Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
		// Collections to print. Empty means the subscription names.
		Collections  []string      `yaml:"collections"`
		RetryDelay   time.Duration `yaml:"retry_delay"`
		PingInterval time.Duration `yaml:"ping_interval"`
		CallTimeout  time.Duration `yaml:"call_timeout"`
		QueueLimit   int           `yaml:"queue_limit"`
		MetricsAddr  string        `yaml:"metrics_addr"` // empty disables /metrics
		NoColor      bool          `yaml:"no_color"`
		Logger       LoggerConfig  `yaml:"logger"`
	}

	// SubscriptionConfig names a publication and its parameters.
	SubscriptionConfig struct {
		Name   string `yaml:"name"`
		Params []any  `yaml:"params"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, text
		FilePath   string `yaml:"file_path"`   // log to this file instead of stderr
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
	}
)

var (
	ErrMissingURL        = errors.New("config: url is required")
	ErrBadScheme         = errors.New("config: url scheme must be ws or wss")
	ErrDuplicateSub      = errors.New("config: duplicate subscription")
	ErrUnnamedSub        = errors.New("config: subscription without a name")
	ErrUnknownLogLevel   = errors.New("config: unknown logger level")
	ErrUnknownLogFormat  = errors.New("config: unknown logger format")
	ErrNegativeSetting   = errors.New("config: negative duration or limit")
	defaultConfigPath    = "ddpwatch.yaml"
	defaultRetryDelay    = time.Second
	defaultCallTimeout   = 30 * time.Second
	envPlaceholderRegexp = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)
)

// LoadConfig reads path, resolving ${VAR} and ${VAR:default} placeholders
// from the environment and an optional .env file. A missing file at the
// default path is not an error.
func LoadConfig(path string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(resolveEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == defaultConfigPath:
	default:
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if v, ok := os.LookupEnv("DDP_URL"); ok && v != "" {
		cfg.URL = v
	}
	cfg.applyDefaults()
	return cfg, nil
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	return envPlaceholderRegexp.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := envPlaceholderRegexp.FindSubmatch(match)
		if value, exists := os.LookupEnv(string(matches[1])); exists {
			return []byte(value)
		}
		return matches[2]
	})
}

func (c *Config) applyDefaults() {
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Logger.MaxSize == 0 {
		c.Logger.MaxSize = 100 // 100MB
	}
	if c.Logger.MaxBackups == 0 {
		c.Logger.MaxBackups = 3
	}
	if c.Logger.MaxAge == 0 {
		c.Logger.MaxAge = 7 // 7 days
	}
}

// WatchedCollections returns the collections whose events are printed.
func (c *Config) WatchedCollections() []string {
	if len(c.Collections) > 0 {
		return c.Collections
	}
	names := make([]string, 0, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		names = append(names, s.Name)
	}
	return names
}

// Validate performs configuration validation
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrMissingURL
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("config: url %q: %w", c.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: %q", ErrBadScheme, c.URL)
	}

	seen := make(map[string]bool)
	for _, s := range c.Subscriptions {
		if s.Name == "" {
			return ErrUnnamedSub
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateSub, s.Name)
		}
		seen[s.Name] = true
	}

	if c.RetryDelay < 0 || c.PingInterval < 0 || c.CallTimeout < 0 || c.QueueLimit < 0 {
		return ErrNegativeSetting
	}
	if _, ok := logLevels[c.Logger.Level]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLogLevel, c.Logger.Level)
	}
	if c.Logger.Format != "text" && c.Logger.Format != "json" {
		return fmt.Errorf("%w: %q", ErrUnknownLogFormat, c.Logger.Format)
	}
	return nil
}
