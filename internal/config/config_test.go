package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Feed.Transport = TransportRedis
	cfg.Feed.RedisURL = "redis://localhost:6379/0"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Feed.RedisURL != cfg.Feed.RedisURL {
		t.Errorf("RedisURL = %q", loaded.Feed.RedisURL)
	}
	if loaded.Notifier.LeadWindow != 15*time.Minute {
		t.Errorf("LeadWindow = %v, want 15m", loaded.Notifier.LeadWindow)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
identity = "agent-7"

[notifier]
poll_interval = "30s"

[[billing.plans]]
name = "quarterly"
amount = 249900
currency = "INR"
months = 3
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity != "agent-7" {
		t.Errorf("Identity = %q", cfg.Identity)
	}
	if cfg.Notifier.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.Notifier.PollInterval)
	}
	if cfg.Notifier.LeadWindow != 15*time.Minute {
		t.Errorf("LeadWindow default lost: %v", cfg.Notifier.LeadWindow)
	}
	plans := cfg.Billing.PlanList()
	if len(plans) != 1 || plans[0].Name != "quarterly" {
		t.Errorf("plans = %+v", plans)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Feed.Transport != TransportLocal {
		t.Errorf("Transport = %q, want local", cfg.Feed.Transport)
	}
	if len(cfg.Billing.PlanList()) != 2 {
		t.Errorf("built-in plans missing")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"grpc without target", func(c *Config) { c.Feed.Transport = TransportGRPC }, true},
		{"grpc with target", func(c *Config) { c.Feed.Transport = TransportGRPC; c.Feed.Target = "localhost:7443" }, false},
		{"redis without url", func(c *Config) { c.Feed.Transport = TransportRedis }, true},
		{"unknown transport", func(c *Config) { c.Feed.Transport = "carrier-pigeon" }, true},
		{"mail without host", func(c *Config) { c.Notifier.Mail.Enabled = true }, true},
		{"bad plan", func(c *Config) { c.Billing.Plans = []PlanConfig{{Name: "x"}} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSecrets(t *testing.T) {
	t.Setenv("LEADSYNC_PAYMENT_KEY_ID", "key_123")
	t.Setenv("LEADSYNC_SMTP_PASSWORD", "hunter2")
	s, err := LoadSecrets("")
	if err != nil {
		t.Fatal(err)
	}
	if s.PaymentKeyID != "key_123" || s.SMTPPassword != "hunter2" {
		t.Errorf("secrets = %+v", s)
	}
}

func TestLoadSecretsFromDotenv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "LEADSYNC_PAYMENT_KEY_SECRET=from-file\nLEADSYNC_PAYMENT_KEY_ID=file-id\n"
	if err := os.WriteFile(envFile, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	// Already-set variables win over the file.
	t.Setenv("LEADSYNC_PAYMENT_KEY_ID", "env-id")
	t.Setenv("LEADSYNC_PAYMENT_KEY_SECRET", "")
	_ = os.Unsetenv("LEADSYNC_PAYMENT_KEY_SECRET")

	s, err := LoadSecrets(envFile)
	if err != nil {
		t.Fatal(err)
	}
	if s.PaymentKeySecret != "from-file" {
		t.Errorf("PaymentKeySecret = %q, want from-file", s.PaymentKeySecret)
	}
	if s.PaymentKeyID != "env-id" {
		t.Errorf("PaymentKeyID = %q, want env-id", s.PaymentKeyID)
	}

	if _, err := LoadSecrets(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing dotenv file should be ignored: %v", err)
	}
}
