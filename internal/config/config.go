// ABOUTME: Configuration loading and parsing for dm-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete dm-relay configuration.
type Config struct {
	Account   AccountConfig   `yaml:"account"`
	Transport TransportConfig `yaml:"transport"`
	Responder ResponderConfig `yaml:"responder"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Mail      MailConfig      `yaml:"mail"`
	Database  DatabaseConfig  `yaml:"database"`
	Accounts  AccountsConfig  `yaml:"accounts"`
	Timing    TimingConfig    `yaml:"timing"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AccountConfig identifies the monitored messaging account.
type AccountConfig struct {
	Username string `yaml:"username"`
	// SelfID is the account's numeric transport id, used to classify
	// self-originated message echoes.
	SelfID int64 `yaml:"self_id"`
}

// TransportConfig holds realtime transport agent settings.
type TransportConfig struct {
	AgentURL      string   `yaml:"agent_url"`
	GraphQLSubs   []string `yaml:"graphql_subs"`
	SkywalkerSubs []string `yaml:"skywalker_subs"`
}

// ResponderConfig holds response-generation backend settings.
type ResponderConfig struct {
	BaseURL string `yaml:"base_url"`
}

// GatewayConfig holds the outbound gateway HTTP listener settings.
type GatewayConfig struct {
	Addr string `yaml:"addr"`
}

// MailConfig holds SMTP alert delivery settings.
type MailConfig struct {
	Host       string   `yaml:"smtp_host"`
	Port       int      `yaml:"smtp_port"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	From       string   `yaml:"from"`
	Recipients []string `yaml:"recipients"`
	ClientOrg  string   `yaml:"client_org"`
}

// DatabaseConfig holds audit ledger settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AccountsConfig holds the account-pool session cache settings. Optional;
// the pool variant is disabled when Redis.Addr is empty.
type AccountsConfig struct {
	Redis RedisConfig `yaml:"redis"`
	Proxy ProxyConfig `yaml:"proxy"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProxyConfig holds the geo proxy credential and routing selectors for pool
// accounts.
type ProxyConfig struct {
	Password string `yaml:"password"`
	Country  string `yaml:"country"`
	City     string `yaml:"city"`
}

// TimingConfig holds the coordinator's delays. The defaults are the fixed
// production values; tests override them with millisecond-scale settings.
type TimingConfig struct {
	DebounceWindow time.Duration `yaml:"-"`
	ReplyDelay     time.Duration `yaml:"-"`
	RestartDelay   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DebounceWindowRaw string `yaml:"debounce_window"`
	ReplyDelayRaw     string `yaml:"reply_delay"`
	RestartDelayRaw   string `yaml:"restart_delay"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in the fixed production delays where unset.
func (c *Config) applyDefaults() {
	if c.Timing.DebounceWindow == 0 {
		c.Timing.DebounceWindow = 60 * time.Second
	}
	if c.Timing.ReplyDelay == 0 {
		c.Timing.ReplyDelay = 30 * time.Second
	}
	if c.Timing.RestartDelay == 0 {
		c.Timing.RestartDelay = 30 * time.Second
	}
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = ":3000"
	}
}

// Validate checks that all required configuration fields are present.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Account.Username == "" {
		return fmt.Errorf("account.username is required")
	}
	if c.Account.SelfID == 0 {
		return fmt.Errorf("account.self_id is required")
	}
	if c.Transport.AgentURL == "" {
		return fmt.Errorf("transport.agent_url is required")
	}
	if c.Responder.BaseURL == "" {
		return fmt.Errorf("responder.base_url is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Mail.Host != "" {
		if c.Mail.Port == 0 {
			return fmt.Errorf("mail.smtp_port is required when mail is configured")
		}
		if len(c.Mail.Recipients) == 0 {
			return fmt.Errorf("mail.recipients is required when mail is configured")
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Timing.DebounceWindowRaw != "" {
		cfg.Timing.DebounceWindow, err = time.ParseDuration(cfg.Timing.DebounceWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing debounce_window %q: %w", cfg.Timing.DebounceWindowRaw, err)
		}
	}

	if cfg.Timing.ReplyDelayRaw != "" {
		cfg.Timing.ReplyDelay, err = time.ParseDuration(cfg.Timing.ReplyDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing reply_delay %q: %w", cfg.Timing.ReplyDelayRaw, err)
		}
	}

	if cfg.Timing.RestartDelayRaw != "" {
		cfg.Timing.RestartDelay, err = time.ParseDuration(cfg.Timing.RestartDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing restart_delay %q: %w", cfg.Timing.RestartDelayRaw, err)
		}
	}

	return nil
}
