package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Campaign    CampaignConfig    `mapstructure:"campaign"`
	SMTP        SMTPConfig        `mapstructure:"smtp"`
	Gmail       GmailConfig       `mapstructure:"gmail"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CampaignConfig holds the batch sending parameters.
// They are read once at campaign start and never change during a run.
type CampaignConfig struct {
	// Transport is "smtp" or "gmail"
	Transport string `mapstructure:"transport"`
	// Delay is the pause between two recipients
	Delay time.Duration `mapstructure:"delay"`
	// RetryDelay is the base pause between two attempts for the same recipient
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// MaxRetries is the number of extra attempts after a retryable failure
	MaxRetries int `mapstructure:"max_retries"`
	// EvidenceDir is the root under which one directory per campaign is created
	EvidenceDir string `mapstructure:"evidence_dir"`
	// SenderName is the display name used in the From header
	SenderName string `mapstructure:"sender_name"`
	// MessageDomain overrides the domain part of generated Message-IDs
	MessageDomain string `mapstructure:"message_domain"`
}

// SMTPConfig holds direct relay configuration
type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	TLS      string        `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr returns the relay address
func (c SMTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GmailConfig holds Gmail API configuration
type GmailConfig struct {
	// Identity is the Google account messages are sent from
	Identity string `mapstructure:"identity"`
	// ClientID for the installed-app OAuth client
	ClientID string `mapstructure:"client_id"`
	// ClientSecret for the installed-app OAuth client
	ClientSecret string `mapstructure:"client_secret"`
	// Endpoint overrides the Gmail API base URL
	Endpoint string `mapstructure:"endpoint"`
	// ConsentTimeout bounds the interactive browser step
	ConsentTimeout time.Duration `mapstructure:"consent_timeout"`
	// RevokeURL is the provider revocation endpoint
	RevokeURL string `mapstructure:"revoke_url"`
}

// CredentialsConfig holds OAuth credential persistence configuration
type CredentialsConfig struct {
	// Store is "file" or "redis"
	Store string `mapstructure:"store"`
	// Dir is where file-backed credentials live, outside the evidence tree
	Dir string `mapstructure:"dir"`
	// EncryptionKey is a base64 32-byte key used to seal stored credentials
	EncryptionKey string `mapstructure:"encryption_key"`
	// KeyFile is used (and created) when EncryptionKey is empty
	KeyFile string `mapstructure:"key_file"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// ProgressChannel enables publishing campaign progress when set
	ProgressChannel string `mapstructure:"progress_channel"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL configuration for the evidence index
type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Configuration errors
var (
	ErrInvalidTransport = errors.New("invalid transport")
	ErrInvalidDelay     = errors.New("delay must be between 0 and 60 seconds")
	ErrInvalidRetries   = errors.New("max retries cannot be negative")
	ErrMissingSetting   = errors.New("missing required setting")
)

// Load reads configuration from .env, file and environment variables
func Load() (*Config, error) {
	// .env is optional; existing environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/mailproof")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("MAILPROOF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the settings needed by the selected transport
func (c *Config) Validate() error {
	if c.Campaign.Delay < 0 || c.Campaign.Delay > 60*time.Second {
		return ErrInvalidDelay
	}
	if c.Campaign.MaxRetries < 0 {
		return ErrInvalidRetries
	}

	switch c.Campaign.Transport {
	case "smtp":
		if c.SMTP.Host == "" {
			return fmt.Errorf("%w: smtp.host", ErrMissingSetting)
		}
		if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
			return fmt.Errorf("smtp.port must be between 1 and 65535")
		}
		if c.SMTP.From == "" && c.SMTP.Username == "" {
			return fmt.Errorf("%w: smtp.from", ErrMissingSetting)
		}
		if c.SMTP.Username != "" && c.SMTP.Password == "" {
			return fmt.Errorf("%w: smtp.password", ErrMissingSetting)
		}
	case "gmail":
		if c.Gmail.Identity == "" {
			return fmt.Errorf("%w: gmail.identity", ErrMissingSetting)
		}
		if c.Gmail.ClientID == "" || c.Gmail.ClientSecret == "" {
			return fmt.Errorf("%w: gmail.client_id / gmail.client_secret", ErrMissingSetting)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Campaign.Transport)
	}

	return nil
}

// SenderAddress returns the From address for the selected transport
func (c *Config) SenderAddress() string {
	if c.Campaign.Transport == "gmail" {
		return c.Gmail.Identity
	}
	if c.SMTP.From != "" {
		return c.SMTP.From
	}
	return c.SMTP.Username
}

func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Campaign defaults
	v.SetDefault("campaign.transport", "smtp")
	v.SetDefault("campaign.delay", "2.5s")
	v.SetDefault("campaign.retry_delay", "2s")
	v.SetDefault("campaign.max_retries", 2)
	v.SetDefault("campaign.evidence_dir", "./evidence")
	v.SetDefault("campaign.sender_name", "")
	v.SetDefault("campaign.message_domain", "")

	// SMTP defaults
	v.SetDefault("smtp.host", "smtp.gmail.com")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.tls", "starttls")
	v.SetDefault("smtp.timeout", "30s")

	// Gmail defaults
	v.SetDefault("gmail.identity", "")
	v.SetDefault("gmail.client_id", "")
	v.SetDefault("gmail.client_secret", "")
	v.SetDefault("gmail.endpoint", "")
	v.SetDefault("gmail.consent_timeout", "5m")
	v.SetDefault("gmail.revoke_url", "https://oauth2.googleapis.com/revoke")

	// Credential store defaults
	v.SetDefault("credentials.store", "file")
	v.SetDefault("credentials.dir", "./credentials")
	v.SetDefault("credentials.encryption_key", "")
	v.SetDefault("credentials.key_file", "./credentials/.key")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.progress_channel", "")

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "mailproof")
	v.SetDefault("database.user", "mailproof")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 5)
}
