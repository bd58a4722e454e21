package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ListenAddr string   `env:"MEETSCRIBE_LISTEN_ADDR" envDefault:":8080"`
	APIKeys    []string `env:"MEETSCRIBE_API_KEYS" envSeparator:","`
	DBPath     string   `env:"MEETSCRIBE_DB_PATH" envDefault:"meetscribe.db"`
	UploadsDir string   `env:"MEETSCRIBE_UPLOADS_DIR" envDefault:"uploads"`
	RateLimit  int      `env:"MEETSCRIBE_RATE_LIMIT" envDefault:"0"`

	ProviderBaseURL  string `env:"MEETSCRIBE_PROVIDER_BASE_URL" envDefault:"https://api.assemblyai.com"`
	ProviderAPIKey   string `env:"MEETSCRIBE_PROVIDER_API_KEY"`
	ProviderLanguage string `env:"MEETSCRIBE_PROVIDER_LANGUAGE" envDefault:"fr"`

	MaxWorkers         int           `env:"MEETSCRIBE_MAX_WORKERS" envDefault:"8"`
	PoolSize           int           `env:"MEETSCRIBE_POOL_SIZE" envDefault:"4"`
	PoolAcquireTimeout time.Duration `env:"MEETSCRIBE_POOL_ACQUIRE_TIMEOUT" envDefault:"5s"`

	PollMaxAttempts  int           `env:"MEETSCRIBE_POLL_MAX_ATTEMPTS" envDefault:"30"`
	PollBaseInterval time.Duration `env:"MEETSCRIBE_POLL_BASE_INTERVAL" envDefault:"10s"`
	PollMaxInterval  time.Duration `env:"MEETSCRIBE_POLL_MAX_INTERVAL" envDefault:"60s"`

	SweepInterval time.Duration `env:"MEETSCRIBE_SWEEP_INTERVAL" envDefault:"60s"`
	StaleAfter    time.Duration `env:"MEETSCRIBE_STALE_AFTER" envDefault:"30m"`
	EntryMaxAge   time.Duration `env:"MEETSCRIBE_ENTRY_MAX_AGE" envDefault:"24h"`

	SummaryBaseURL string `env:"MEETSCRIBE_SUMMARY_BASE_URL"`
	SummaryAPIKey  string `env:"MEETSCRIBE_SUMMARY_API_KEY"`
	SummaryModel   string `env:"MEETSCRIBE_SUMMARY_MODEL" envDefault:"mistral-small-latest"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	// Drop empty entries produced by stray commas or whitespace.
	keys := cfg.APIKeys[:0]
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	cfg.APIKeys = keys

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.APIKeys) == 0 {
		return errors.New("MEETSCRIBE_API_KEYS must not be empty")
	}
	if c.ProviderAPIKey == "" {
		return errors.New("MEETSCRIBE_PROVIDER_API_KEY must not be empty")
	}
	if c.MaxWorkers < 1 {
		return errors.New("MEETSCRIBE_MAX_WORKERS must be > 0")
	}
	if c.PoolSize < 1 {
		return errors.New("MEETSCRIBE_POOL_SIZE must be > 0")
	}
	if c.PoolAcquireTimeout <= 0 {
		return errors.New("MEETSCRIBE_POOL_ACQUIRE_TIMEOUT must be > 0")
	}
	if c.PollMaxAttempts < 1 {
		return errors.New("MEETSCRIBE_POLL_MAX_ATTEMPTS must be > 0")
	}
	if c.PollBaseInterval <= 0 || c.PollMaxInterval <= 0 {
		return errors.New("poll intervals must be > 0")
	}
	if c.PollMaxInterval < c.PollBaseInterval {
		return fmt.Errorf("MEETSCRIBE_POLL_MAX_INTERVAL %s must be >= MEETSCRIBE_POLL_BASE_INTERVAL %s",
			c.PollMaxInterval, c.PollBaseInterval)
	}
	if c.SweepInterval <= 0 || c.StaleAfter <= 0 || c.EntryMaxAge <= 0 {
		return errors.New("sweep interval, stale threshold and entry max age must be > 0")
	}
	// Summary generation is optional, but a base URL without a key (or the
	// reverse) is a misconfiguration rather than an opt-out.
	if (c.SummaryBaseURL == "") != (c.SummaryAPIKey == "") {
		return errors.New("MEETSCRIBE_SUMMARY_BASE_URL and MEETSCRIBE_SUMMARY_API_KEY must be set together")
	}
	return nil
}

// SummaryEnabled reports whether the downstream summary generator is configured.
func (c *Config) SummaryEnabled() bool {
	return c.SummaryBaseURL != "" && c.SummaryAPIKey != ""
}
