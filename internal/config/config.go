// Package config loads ~/.leadsync/config.toml and the environment secrets.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Feed transports.
const (
	TransportLocal = "local"
	TransportGRPC  = "grpc"
	TransportRedis = "redis"
)

// Config represents the global config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	// Identity is the agent signed in when the daemon starts. Empty starts
	// signed out.
	Identity string `toml:"identity"`

	Store    StoreConfig    `toml:"store"`
	Feed     FeedConfig     `toml:"feed"`
	Ops      OpsConfig      `toml:"ops"`
	Notifier NotifierConfig `toml:"notifier"`
	Billing  BillingConfig  `toml:"billing"`
}

// StoreConfig locates the SQLite database. Empty Path uses the profile dir.
type StoreConfig struct {
	Path string `toml:"path"`
}

// FeedConfig selects how sessions receive the change feed.
type FeedConfig struct {
	Transport string `toml:"transport"`
	// Listen exposes the local feed over gRPC; empty disables the server.
	Listen string `toml:"listen"`
	// Target is the remote feed server for the grpc transport.
	Target      string `toml:"target"`
	RedisURL    string `toml:"redis_url"`
	RedisPrefix string `toml:"redis_prefix"`
}

// OpsConfig is the health and metrics HTTP listener. Empty disables it.
type OpsConfig struct {
	Listen string `toml:"listen"`
}

// NotifierConfig tunes the notification dispatcher.
type NotifierConfig struct {
	PollInterval   time.Duration `toml:"poll_interval"`
	LeadWindow     time.Duration `toml:"lead_window"`
	RecentCapacity int           `toml:"recent_capacity"`
	ToastTTL       time.Duration `toml:"toast_ttl"`
	Mail           MailConfig    `toml:"mail"`
}

// MailConfig enables email notifications. The password comes from Secrets.
type MailConfig struct {
	Enabled  bool     `toml:"enabled"`
	Host     string   `toml:"host"`
	Port     int      `toml:"port"`
	Username string   `toml:"username"`
	From     string   `toml:"from"`
	To       []string `toml:"to"`
}

// BillingConfig holds the trial length, the gateway and the plan catalogue.
type BillingConfig struct {
	TrialDays  int          `toml:"trial_days"`
	GatewayURL string       `toml:"gateway_url"`
	Plans      []PlanConfig `toml:"plans"`
}

// PlanConfig is one purchasable plan. Amount is in minor units.
type PlanConfig struct {
	Name     string `toml:"name"`
	Amount   int64  `toml:"amount"`
	Currency string `toml:"currency"`
	Months   int    `toml:"months"`
}

// Secrets are read from LEADSYNC_* environment variables.
type Secrets struct {
	PaymentKeyID     string `envconfig:"PAYMENT_KEY_ID"`
	PaymentKeySecret string `envconfig:"PAYMENT_KEY_SECRET"`
	SMTPPassword     string `envconfig:"SMTP_PASSWORD"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Feed:           FeedConfig{Transport: TransportLocal},
		Ops:            OpsConfig{Listen: "127.0.0.1:9464"},
		Notifier: NotifierConfig{
			PollInterval:   60 * time.Second,
			LeadWindow:     15 * time.Minute,
			RecentCapacity: 100,
			ToastTTL:       5 * time.Second,
			Mail:           MailConfig{Port: 587},
		},
		Billing: BillingConfig{TrialDays: 14},
	}
}

var defaultPlans = []PlanConfig{
	{Name: "monthly", Amount: 99900, Currency: "INR", Months: 1},
	{Name: "yearly", Amount: 999900, Currency: "INR", Months: 12},
}

// PlanList returns the configured plans, or the built-in catalogue when none
// are configured.
func (b BillingConfig) PlanList() []PlanConfig {
	if len(b.Plans) == 0 {
		return append([]PlanConfig(nil), defaultPlans...)
	}
	return b.Plans
}

// Load reads config from the given path over the defaults. Returns error if
// the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file is missing.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// LoadSecrets reads Secrets from the environment. A dotenv file at envFile,
// when present, fills variables that are not already set.
func LoadSecrets(envFile string) (Secrets, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Secrets{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var s Secrets
	if err := envconfig.Process("leadsync", &s); err != nil {
		return Secrets{}, fmt.Errorf("load secrets: %w", err)
	}
	return s, nil
}

// Validate checks that the selected feed transport is fully configured.
func (c *Config) Validate() error {
	switch c.Feed.Transport {
	case TransportLocal, "":
	case TransportGRPC:
		if c.Feed.Target == "" {
			return errors.New("feed.target is required for the grpc transport")
		}
	case TransportRedis:
		if c.Feed.RedisURL == "" {
			return errors.New("feed.redis_url is required for the redis transport")
		}
	default:
		return fmt.Errorf("unknown feed transport %q", c.Feed.Transport)
	}
	if c.Notifier.Mail.Enabled && (c.Notifier.Mail.Host == "" || len(c.Notifier.Mail.To) == 0) {
		return errors.New("notifier.mail needs host and to when enabled")
	}
	for _, p := range c.Billing.Plans {
		if p.Name == "" || p.Amount <= 0 || p.Months <= 0 {
			return fmt.Errorf("invalid plan %q", p.Name)
		}
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
