// Package config loads the chat server configuration from an optional YAML
// file, an optional .env file, and environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalidThresholds is returned by Validate when the escalation thresholds
// do not satisfy block >= warning >= 1.
var ErrInvalidThresholds = errors.New("config: thresholds must satisfy block_threshold >= warning_threshold >= 1")

// Config is the root configuration document.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	NATS       NATSConfig       `yaml:"nats"`
	Auth       AuthConfig       `yaml:"auth"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Moderation ModerationConfig `yaml:"moderation"`
}

type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	Name           string        `yaml:"name"`
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // postgres | sqlite
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig is optional; an empty Addr disables presence and rate limiting.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// NATSConfig is optional; an empty URL disables moderation events.
type NATSConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type ClassifierConfig struct {
	Provider     string        `yaml:"provider"` // groq | gemini | none
	GroqAPIKey   string        `yaml:"groq_api_key"`
	GroqBaseURL  string        `yaml:"groq_base_url"`
	GroqModel    string        `yaml:"groq_model"`
	GeminiAPIKey string        `yaml:"gemini_api_key"`
	GeminiModel  string        `yaml:"gemini_model"`
	ImageURL     string        `yaml:"image_url"`
	ImageToken   string        `yaml:"image_token"`
	Timeout      time.Duration `yaml:"timeout"`
}

type ModerationConfig struct {
	WarningThreshold  int           `yaml:"warning_threshold"`
	BlockThreshold    int           `yaml:"block_threshold"`
	EvidenceDir       string        `yaml:"evidence_dir"`
	MessagesPerWindow int           `yaml:"messages_per_window"`
	RateWindow        time.Duration `yaml:"rate_window"`
}

// Load reads the YAML file at path (skipped when path is empty), applies a
// best-effort .env load, environment overrides and defaults, then validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.Server.Name, "SERVER_NAME")
	setInt(&cfg.Server.WorkerPoolSize, "WORKER_POOL_SIZE")
	setInt(&cfg.Server.MaxConnections, "MAX_CONNECTIONS")
	setDuration(&cfg.Server.ReadTimeout, "READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "WRITE_TIMEOUT")

	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")

	setString(&cfg.Classifier.Provider, "CLASSIFIER_PROVIDER")
	setString(&cfg.Classifier.GroqAPIKey, "GROQ_API_KEY")
	setString(&cfg.Classifier.GeminiAPIKey, "GEMINI_API_KEY")
	setString(&cfg.Classifier.ImageURL, "IMAGE_CLASSIFIER_URL")
	setString(&cfg.Classifier.ImageToken, "HF_TOKEN")
	setDuration(&cfg.Classifier.Timeout, "CLASSIFIER_TIMEOUT")

	setInt(&cfg.Moderation.WarningThreshold, "WARNING_THRESHOLD")
	setInt(&cfg.Moderation.BlockThreshold, "BLOCK_THRESHOLD")
	setString(&cfg.Moderation.EvidenceDir, "EVIDENCE_DIR")
	setInt(&cfg.Moderation.MessagesPerWindow, "MESSAGES_PER_WINDOW")
	setDuration(&cfg.Moderation.RateWindow, "RATE_WINDOW")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.Name == "" {
		cfg.Server.Name, _ = os.Hostname()
		if cfg.Server.Name == "" {
			cfg.Server.Name = "chat-1"
		}
	}
	if cfg.Server.WorkerPoolSize == 0 {
		cfg.Server.WorkerPoolSize = 256
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 100000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.URL == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.URL = "chat.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}

	if cfg.Classifier.Provider == "" {
		switch {
		case cfg.Classifier.GroqAPIKey != "":
			cfg.Classifier.Provider = "groq"
		case cfg.Classifier.GeminiAPIKey != "":
			cfg.Classifier.Provider = "gemini"
		default:
			cfg.Classifier.Provider = "none"
		}
	}
	if cfg.Classifier.GroqBaseURL == "" {
		cfg.Classifier.GroqBaseURL = "https://api.groq.com/openai/v1"
	}
	if cfg.Classifier.GroqModel == "" {
		cfg.Classifier.GroqModel = "llama-3.3-70b-versatile"
	}
	if cfg.Classifier.GeminiModel == "" {
		cfg.Classifier.GeminiModel = "gemini-1.5-flash"
	}
	if cfg.Classifier.Timeout == 0 {
		cfg.Classifier.Timeout = 10 * time.Second
	}

	if cfg.Moderation.WarningThreshold == 0 {
		cfg.Moderation.WarningThreshold = 3
	}
	if cfg.Moderation.BlockThreshold == 0 {
		cfg.Moderation.BlockThreshold = 5
	}
	if cfg.Moderation.EvidenceDir == "" {
		cfg.Moderation.EvidenceDir = "logs"
	}
	if cfg.Moderation.MessagesPerWindow == 0 {
		cfg.Moderation.MessagesPerWindow = 20
	}
	if cfg.Moderation.RateWindow == 0 {
		cfg.Moderation.RateWindow = 10 * time.Second
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	m := c.Moderation
	if m.WarningThreshold < 1 || m.BlockThreshold < m.WarningThreshold {
		return fmt.Errorf("%w (warning=%d block=%d)", ErrInvalidThresholds, m.WarningThreshold, m.BlockThreshold)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwt_secret (JWT_SECRET) is required")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return errors.New("config: database.url (DATABASE_URL) is required")
	}
	switch c.Classifier.Provider {
	case "groq", "gemini", "none":
	default:
		return fmt.Errorf("config: unknown classifier provider %q", c.Classifier.Provider)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Classifier.Timeout < 0 {
		return errors.New("config: timeouts must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
