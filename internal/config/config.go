package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ButyrinIA/yaksafe/internal/models"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Moderation struct {
		Port        string        `yaml:"port"`
		URL         string        `yaml:"url"`
		Timeout     time.Duration `yaml:"timeout"`
		MaxAttempts int           `yaml:"max_attempts"`
		BackoffBase time.Duration `yaml:"backoff_base"`
		RateLimit   float64       `yaml:"rate_limit"`
	} `yaml:"moderation"`
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`
	Feed struct {
		Window       int    `yaml:"window"`
		MaxLength    int    `yaml:"max_length"`
		RewardPoints int    `yaml:"reward_points"`
		Author       string `yaml:"author"`
		DefaultZone  string `yaml:"default_zone"`
	} `yaml:"feed"`
	Auth struct {
		Secret string        `yaml:"secret"`
		TTL    time.Duration `yaml:"ttl"`
	} `yaml:"auth"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Moderation.Port = "5000"
	cfg.Moderation.URL = "http://127.0.0.1:5000"
	cfg.Moderation.Timeout = 8 * time.Second
	cfg.Moderation.MaxAttempts = 2
	cfg.Moderation.BackoffBase = 400 * time.Millisecond
	cfg.Feed.Window = 50
	cfg.Feed.MaxLength = 280
	cfg.Feed.RewardPoints = 10
	cfg.Feed.Author = "Anonymous"
	cfg.Feed.DefaultZone = string(models.ZoneCampus)
	cfg.Auth.Secret = "dev-secret-change-me"
	cfg.Auth.TTL = 30 * 24 * time.Hour
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load reads the YAML file at path over the defaults. An empty path or a
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Feed.Window <= 0 {
		return errors.New("feed.window must be positive")
	}
	if c.Feed.MaxLength <= 0 {
		return errors.New("feed.max_length must be positive")
	}
	if c.Moderation.MaxAttempts < 1 {
		return errors.New("moderation.max_attempts must be at least 1")
	}
	if c.Moderation.Timeout <= 0 {
		return errors.New("moderation.timeout must be positive")
	}
	if _, err := models.ParseZone(c.Feed.DefaultZone); err != nil {
		return fmt.Errorf("feed.default_zone %q: %w", c.Feed.DefaultZone, err)
	}
	if c.Auth.Secret == "" {
		return errors.New("auth.secret must be set")
	}
	return nil
}
