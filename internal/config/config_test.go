package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "smtp", cfg.Campaign.Transport)
	require.Equal(t, 2500*time.Millisecond, cfg.Campaign.Delay)
	require.Equal(t, 2*time.Second, cfg.Campaign.RetryDelay)
	require.Equal(t, 2, cfg.Campaign.MaxRetries)
	require.Equal(t, "smtp.gmail.com:587", cfg.SMTP.Addr())
	require.Equal(t, 5*time.Minute, cfg.Gmail.ConsentTimeout)
	require.Equal(t, "file", cfg.Credentials.Store)
	require.False(t, cfg.Database.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MAILPROOF_CAMPAIGN_TRANSPORT", "gmail")
	t.Setenv("MAILPROOF_CAMPAIGN_DELAY", "0s")
	t.Setenv("MAILPROOF_CAMPAIGN_MAX_RETRIES", "4")
	t.Setenv("MAILPROOF_GMAIL_IDENTITY", "sender@example.com")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "gmail", cfg.Campaign.Transport)
	require.Equal(t, time.Duration(0), cfg.Campaign.Delay)
	require.Equal(t, 4, cfg.Campaign.MaxRetries)
	require.Equal(t, "sender@example.com", cfg.SenderAddress())
}

func TestLoad_DotEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MAILPROOF_SMTP_USERNAME=relay@example.com\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("smtp:\n  host: mail.example.com\n  port: 2525\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("MAILPROOF_SMTP_USERNAME") })

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "mail.example.com:2525", cfg.SMTP.Addr())
	require.Equal(t, "relay@example.com", cfg.SMTP.Username)
	require.Equal(t, "relay@example.com", cfg.SenderAddress())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Campaign: CampaignConfig{Transport: "smtp", Delay: time.Second},
			SMTP:     SMTPConfig{Host: "localhost", Port: 25, From: "a@example.com"},
			Gmail:    GmailConfig{Identity: "a@example.com", ClientID: "id", ClientSecret: "secret"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "smtp ok", mutate: func(*Config) {}},
		{name: "gmail ok", mutate: func(c *Config) { c.Campaign.Transport = "gmail" }},
		{name: "unknown transport", mutate: func(c *Config) { c.Campaign.Transport = "fax" }, wantErr: ErrInvalidTransport},
		{name: "negative delay", mutate: func(c *Config) { c.Campaign.Delay = -time.Second }, wantErr: ErrInvalidDelay},
		{name: "delay too long", mutate: func(c *Config) { c.Campaign.Delay = 61 * time.Second }, wantErr: ErrInvalidDelay},
		{name: "negative retries", mutate: func(c *Config) { c.Campaign.MaxRetries = -1 }, wantErr: ErrInvalidRetries},
		{name: "smtp without host", mutate: func(c *Config) { c.SMTP.Host = "" }, wantErr: ErrMissingSetting},
		{name: "smtp user without password", mutate: func(c *Config) { c.SMTP.Username = "u" }, wantErr: ErrMissingSetting},
		{name: "gmail without identity", mutate: func(c *Config) {
			c.Campaign.Transport = "gmail"
			c.Gmail.Identity = ""
		}, wantErr: ErrMissingSetting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}
