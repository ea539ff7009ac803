package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the application's configuration model.
// It captures credentials, quotas, pacing, retry policy and storage.
type Config struct {
	Account     AccountConfig     `yaml:"account"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Limits      LimitsConfig      `yaml:"limits"`
	Pacing      PacingConfig      `yaml:"pacing"`
	Retry       RetryConfig       `yaml:"retry"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Storage     StorageConfig     `yaml:"storage"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

type AccountConfig struct {
	// If empty, read from env X_USERNAME
	Username string `yaml:"username"`
}

type CredentialsConfig struct {
	// X API bearer token for reads. If empty, read from env X_BEARER_TOKEN
	BearerToken string `yaml:"bearerToken"`
	// OAuth2 user-context token for unfollow. If empty, read X_USER_TOKEN
	UserToken string `yaml:"userToken"`
	// OAuth1.0a credentials; when all four are set they sign write calls
	ConsumerKey    string `yaml:"consumerKey"`
	ConsumerSecret string `yaml:"consumerSecret"`
	AccessToken    string `yaml:"accessToken"`
	AccessSecret   string `yaml:"accessSecret"`
}

type LimitsConfig struct {
	MaxPerDay int `yaml:"maxPerDay"`
	MaxPerRun int `yaml:"maxPerRun"`
	// Handles or IDs that are never unfollowed
	Keep []string `yaml:"keep"`
}

type PacingConfig struct {
	// Delay between successful unfollows is BaseDelay plus a uniform
	// offset in [JitterMin, JitterMax].
	BaseDelay time.Duration `yaml:"baseDelay"`
	JitterMin time.Duration `yaml:"jitterMin"`
	JitterMax time.Duration `yaml:"jitterMax"`
}

type RetryConfig struct {
	// Attempts per account before transient failures give up
	MaxRetries int `yaml:"maxRetries"`
	// Rate-limit pauses per account; counted apart from MaxRetries
	MaxRateLimitPauses int           `yaml:"maxRateLimitPauses"`
	RateLimitMin       time.Duration `yaml:"rateLimitMin"`
	RateLimitMax       time.Duration `yaml:"rateLimitMax"`
	TransientMin       time.Duration `yaml:"transientMin"`
	TransientMax       time.Duration `yaml:"transientMax"`
	// Bound on one unfollow request; a stop signal does not cut it short
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
}

type ScheduleConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Hours (in Timezone) when the daemon does not start runs
	QuietHours []int `yaml:"quietHours"`
	// IANA zone name used for daily quota buckets; "Local" or "UTC"
	Timezone string `yaml:"timezone"`
	// Fetch the snapshot even when the daily quota is spent, so the
	// summary can report how many candidates were skipped.
	FetchWhenExhausted bool `yaml:"fetchWhenExhausted"`
}

type StorageConfig struct {
	// "sqlite" or "json"
	Backend     string `yaml:"backend"`
	DBPath      string `yaml:"dbPath"`
	HistoryPath string `yaml:"historyPath"`
	// A run lease older than this is considered abandoned
	LeaseTTL time.Duration `yaml:"leaseTTL"`
}

type MetricsConfig struct {
	// If empty, read from env METRICS_ADDR; empty disables the server
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Account:     AccountConfig{Username: ""},
		Credentials: CredentialsConfig{},
		Limits:      LimitsConfig{MaxPerDay: 100, MaxPerRun: 50},
		Pacing:      PacingConfig{BaseDelay: 15 * time.Second, JitterMin: -5 * time.Second, JitterMax: 10 * time.Second},
		Retry: RetryConfig{
			MaxRetries:         3,
			MaxRateLimitPauses: 3,
			RateLimitMin:       10 * time.Minute,
			RateLimitMax:       30 * time.Minute,
			TransientMin:       10 * time.Second,
			TransientMax:       40 * time.Second,
			AttemptTimeout:     30 * time.Second,
		},
		Schedule: ScheduleConfig{Interval: 24 * time.Hour, QuietHours: []int{}, Timezone: "Local", FetchWhenExhausted: true},
		Storage:  StorageConfig{Backend: "sqlite", DBPath: "./mutualist.db", HistoryPath: "./unfollow_history.json", LeaseTTL: 12 * time.Hour},
		Metrics:  MetricsConfig{},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	if c.Account.Username == "" {
		c.Account.Username = os.Getenv("X_USERNAME")
	}
	if c.Credentials.BearerToken == "" {
		c.Credentials.BearerToken = os.Getenv("X_BEARER_TOKEN")
	}
	if c.Credentials.UserToken == "" {
		c.Credentials.UserToken = os.Getenv("X_USER_TOKEN")
	}
	if c.Credentials.ConsumerKey == "" {
		c.Credentials.ConsumerKey = os.Getenv("X_CONSUMER_KEY")
	}
	if c.Credentials.ConsumerSecret == "" {
		c.Credentials.ConsumerSecret = os.Getenv("X_CONSUMER_SECRET")
	}
	if c.Credentials.AccessToken == "" {
		c.Credentials.AccessToken = os.Getenv("X_ACCESS_TOKEN")
	}
	if c.Credentials.AccessSecret == "" {
		c.Credentials.AccessSecret = os.Getenv("X_ACCESS_SECRET")
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = os.Getenv("METRICS_ADDR")
	}
}

// HasOAuth1 reports whether all four OAuth1.0a values are present.
func (c CredentialsConfig) HasOAuth1() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.AccessToken != "" && c.AccessSecret != ""
}

// Location resolves Schedule.Timezone.
func (c Config) Location() (*time.Location, error) {
	switch c.Schedule.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	return time.LoadLocation(c.Schedule.Timezone)
}

// Validate rejects settings the engine cannot honour.
func (c Config) Validate() error {
	var errs []error
	if c.Limits.MaxPerDay < 0 || c.Limits.MaxPerRun < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.Pacing.BaseDelay < 0 {
		errs = append(errs, errors.New("pacing.baseDelay must not be negative"))
	}
	if c.Pacing.JitterMin > c.Pacing.JitterMax {
		errs = append(errs, errors.New("pacing.jitterMin is greater than pacing.jitterMax"))
	}
	if c.Storage.LeaseTTL <= 0 {
		errs = append(errs, errors.New("storage.leaseTTL must be positive"))
	}
	if c.Schedule.Interval <= 0 {
		errs = append(errs, errors.New("schedule.interval must be positive"))
	}
	if c.Retry.MaxRetries < 1 {
		errs = append(errs, errors.New("retry.maxRetries must be at least 1"))
	}
	if c.Retry.MaxRateLimitPauses < 0 {
		errs = append(errs, errors.New("retry.maxRateLimitPauses must not be negative"))
	}
	if c.Retry.RateLimitMin > c.Retry.RateLimitMax {
		errs = append(errs, errors.New("retry.rateLimitMin is greater than retry.rateLimitMax"))
	}
	if c.Retry.AttemptTimeout < 0 {
		errs = append(errs, errors.New("retry.attemptTimeout must not be negative"))
	}
	if c.Retry.TransientMin > c.Retry.TransientMax {
		errs = append(errs, errors.New("retry.transientMin is greater than retry.transientMax"))
	}
	for _, h := range c.Schedule.QuietHours {
		if h < 0 || h > 23 {
			errs = append(errs, fmt.Errorf("schedule.quietHours: %d is not an hour", h))
		}
	}
	if len(c.Schedule.QuietHours) >= 24 {
		errs = append(errs, errors.New("schedule.quietHours covers the whole day"))
	}
	switch c.Storage.Backend {
	case "sqlite", "json":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q: want sqlite or json", c.Storage.Backend))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
	}
	return errors.Join(errs...)
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// into the process environment without overriding variables already set.
// Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// Load reads YAML config from path. Fields absent from the file keep
// their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
