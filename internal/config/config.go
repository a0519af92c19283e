package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CALSYNC_"

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Google struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	// APIEndpoint overrides the Calendar API base URL.
	APIEndpoint string `yaml:"api_endpoint"`
	// WebhookURL is the public address channels deliver to.
	WebhookURL string `yaml:"webhook_url"`
}

type OpenAI struct {
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	Concurrency int    `yaml:"concurrency"`
}

type Sync struct {
	CallTimeout           time.Duration `yaml:"call_timeout"`
	MaxCredentialFailures int           `yaml:"max_credential_failures"`
	WebhookConcurrency    int           `yaml:"webhook_concurrency"`
	WebhookRateLimit      int           `yaml:"webhook_rate_limit"`
	RenewSchedule         string        `yaml:"renew_schedule"`
	ResyncSchedule        string        `yaml:"resync_schedule"`
	RenewWindow           time.Duration `yaml:"renew_window"`
}

type Config struct {
	Addr           string   `yaml:"addr"`
	LogLevel       string   `yaml:"log_level"`
	LogFormat      string   `yaml:"log_format"`
	JWTSecret      string   `yaml:"jwt_secret"`
	SealKey        string   `yaml:"seal_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	Database Database `yaml:"database"`
	Google   Google   `yaml:"google"`
	OpenAI   OpenAI   `yaml:"openai"`
	Sync     Sync     `yaml:"sync"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Database:  Database{Driver: "sqlite", DSN: "calsync.db"},
		Google:    Google{TokenURL: "https://oauth2.googleapis.com/token"},
		OpenAI:    OpenAI{Model: "text-embedding-3-small", Concurrency: 2},
		Sync: Sync{
			CallTimeout:           15 * time.Second,
			MaxCredentialFailures: 3,
			WebhookConcurrency:    4,
			WebhookRateLimit:      120,
			RenewSchedule:         "@every 1h",
			ResyncSchedule:        "@every 30m",
			RenewWindow:           24 * time.Hour,
		},
	}
}

// Load reads an optional .env file, then the YAML file named by
// CALSYNC_CONFIG if set, then applies CALSYNC_* environment overrides.
func Load() (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv(EnvPrefix + "CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &c.Addr)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("JWT_SECRET", &c.JWTSecret)
	str("SEAL_KEY", &c.SealKey)
	if v, ok := lookup(EnvPrefix + "ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = splitList(v)
	}

	str("DB_DRIVER", &c.Database.Driver)
	str("DB_DSN", &c.Database.DSN)

	str("GOOGLE_CLIENT_ID", &c.Google.ClientID)
	str("GOOGLE_CLIENT_SECRET", &c.Google.ClientSecret)
	str("GOOGLE_TOKEN_URL", &c.Google.TokenURL)
	str("GOOGLE_API_ENDPOINT", &c.Google.APIEndpoint)
	str("GOOGLE_WEBHOOK_URL", &c.Google.WebhookURL)

	str("OPENAI_API_KEY", &c.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	str("OPENAI_MODEL", &c.OpenAI.Model)
	num("OPENAI_CONCURRENCY", &c.OpenAI.Concurrency)

	dur("SYNC_CALL_TIMEOUT", &c.Sync.CallTimeout)
	num("SYNC_MAX_CREDENTIAL_FAILURES", &c.Sync.MaxCredentialFailures)
	num("SYNC_WEBHOOK_CONCURRENCY", &c.Sync.WebhookConcurrency)
	num("SYNC_WEBHOOK_RATE_LIMIT", &c.Sync.WebhookRateLimit)
	str("SYNC_RENEW_SCHEDULE", &c.Sync.RenewSchedule)
	str("SYNC_RESYNC_SCHEDULE", &c.Sync.ResyncSchedule)
	dur("SYNC_RENEW_WINDOW", &c.Sync.RenewWindow)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports every missing or invalid required value.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	if c.SealKey == "" {
		errs = append(errs, errors.New("seal_key is required"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: must be sqlite or postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
		errs = append(errs, errors.New("google.client_id and google.client_secret are required"))
	}
	if c.Sync.CallTimeout <= 0 {
		errs = append(errs, errors.New("sync.call_timeout must be positive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: must be text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

// EmbeddingsEnabled reports whether an embeddings API key is configured.
func (c *Config) EmbeddingsEnabled() bool {
	return c.OpenAI.APIKey != ""
}
