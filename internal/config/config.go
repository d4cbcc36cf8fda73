package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPollIntervalMin = 20
	defaultWindowDays      = 30
	defaultTimezone        = "America/New_York"
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	Store  StoreConfig  `yaml:"store,omitempty"`
	Poller PollerConfig `yaml:"poller,omitempty"`
	LLM    LLMConfig    `yaml:"llm"`
	Notify NotifyConfig `yaml:"notify"`
}

// StoreConfig locates the sqlite database backing thread and project state.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"`
}

// PollerConfig controls the background mail-polling loop.
type PollerConfig struct {
	IntervalMinutes int    `yaml:"interval_minutes,omitempty"` // Default: 20
	WindowDays      int    `yaml:"window_days,omitempty"`      // Rolling fetch window (default: 30)
	Timezone        string `yaml:"timezone,omitempty"`         // Default active-hours timezone for new projects
}

// LLMConfig holds the text-completion service credentials.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model,omitempty"`       // Default: gpt-4o-mini
	BaseURL     string  `yaml:"base_url,omitempty"`    // Override for OpenAI-compatible endpoints
	Temperature float32 `yaml:"temperature,omitempty"` // Default: 0.7
}

// NotifyConfig holds the sender used for operator escalation mail.
type NotifyConfig struct {
	Provider       string     `yaml:"provider"` // "smtp", "sendgrid", "resend"
	From           string     `yaml:"from"`
	SMTP           SMTPConfig `yaml:"smtp,omitempty"`
	SendGridAPIKey string     `yaml:"sendgrid_api_key,omitempty"`
	ResendAPIKey   string     `yaml:"resend_api_key,omitempty"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".stakeout", "config.yaml")
}

func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "stakeout.db"
	}
	return filepath.Join(home, ".stakeout", "stakeout.db")
}

func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	if cfg.Poller.IntervalMinutes == 0 {
		cfg.Poller.IntervalMinutes = defaultPollIntervalMin
	}
	if cfg.Poller.WindowDays == 0 {
		cfg.Poller.WindowDays = defaultWindowDays
	}
	if cfg.Poller.Timezone == "" {
		cfg.Poller.Timezone = defaultTimezone
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.7
	}
	if cfg.Notify.Provider == "" {
		cfg.Notify.Provider = "smtp"
	}

	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm: api_key is required")
	}
	if _, err := time.LoadLocation(c.Poller.Timezone); err != nil {
		return fmt.Errorf("poller: unknown timezone %q: %w", c.Poller.Timezone, err)
	}
	if c.Notify.From == "" {
		return fmt.Errorf("notify: from address is required")
	}

	switch c.Notify.Provider {
	case "smtp":
		if c.Notify.SMTP.Host == "" {
			return fmt.Errorf("notify.smtp: host is required")
		}
		if c.Notify.SMTP.Port == 0 {
			return fmt.Errorf("notify.smtp: port is required")
		}
	case "sendgrid":
		if c.Notify.SendGridAPIKey == "" {
			return fmt.Errorf("notify: sendgrid_api_key is required")
		}
	case "resend":
		if c.Notify.ResendAPIKey == "" {
			return fmt.Errorf("notify: resend_api_key is required")
		}
	default:
		return fmt.Errorf("notify: unknown provider %q (smtp, sendgrid, resend)", c.Notify.Provider)
	}

	return nil
}
