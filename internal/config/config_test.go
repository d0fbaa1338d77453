package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  listen_addr: ":9000"
database:
  driver: sqlite
  url: /tmp/chat.db
auth:
  jwt_secret: s3cret
moderation:
  warning_threshold: 2
  block_threshold: 4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want :9000", cfg.Server.ListenAddr)
	}
	if cfg.Moderation.WarningThreshold != 2 || cfg.Moderation.BlockThreshold != 4 {
		t.Errorf("thresholds = %d/%d, want 2/4", cfg.Moderation.WarningThreshold, cfg.Moderation.BlockThreshold)
	}
	if cfg.Server.WorkerPoolSize != 256 {
		t.Errorf("WorkerPoolSize default = %d, want 256", cfg.Server.WorkerPoolSize)
	}
	if cfg.Classifier.Timeout != 10*time.Second {
		t.Errorf("Classifier.Timeout default = %s, want 10s", cfg.Classifier.Timeout)
	}
	if cfg.Classifier.GroqModel != "llama-3.3-70b-versatile" {
		t.Errorf("GroqModel default = %q", cfg.Classifier.GroqModel)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, `
database:
  driver: sqlite
  url: chat.db
auth:
  jwt_secret: from-file
`)
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("BLOCK_THRESHOLD", "7")
	t.Setenv("READ_TIMEOUT", "3s")
	t.Setenv("GROQ_API_KEY", "gsk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("JWTSecret = %q, want from-env", cfg.Auth.JWTSecret)
	}
	if cfg.Moderation.BlockThreshold != 7 {
		t.Errorf("BlockThreshold = %d, want 7", cfg.Moderation.BlockThreshold)
	}
	if cfg.Server.ReadTimeout != 3*time.Second {
		t.Errorf("ReadTimeout = %s, want 3s", cfg.Server.ReadTimeout)
	}
	if cfg.Classifier.Provider != "groq" {
		t.Errorf("Provider = %q, want groq when GROQ_API_KEY is set", cfg.Classifier.Provider)
	}
}

func TestValidate_Thresholds(t *testing.T) {
	tests := []struct {
		name    string
		warning int
		block   int
		wantErr bool
	}{
		{"defaults", 3, 5, false},
		{"equal", 4, 4, false},
		{"one and one", 1, 1, false},
		{"block below warning", 5, 3, true},
		{"warning zero", 0, 5, true},
		{"negative", -1, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Database:   DatabaseConfig{Driver: "sqlite", URL: "x.db"},
				Auth:       AuthConfig{JWTSecret: "k"},
				Classifier: ClassifierConfig{Provider: "none"},
				Moderation: ModerationConfig{WarningThreshold: tt.warning, BlockThreshold: tt.block},
			}
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidThresholds) {
				t.Errorf("expected ErrInvalidThresholds, got %v", err)
			}
		})
	}
}

func TestValidate_MissingSecret(t *testing.T) {
	cfg := &Config{
		Database:   DatabaseConfig{Driver: "postgres", URL: "postgres://x"},
		Classifier: ClassifierConfig{Provider: "none"},
		Moderation: ModerationConfig{WarningThreshold: 3, BlockThreshold: 5},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty jwt secret")
	}
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := &Config{
		Database:   DatabaseConfig{Driver: "mysql", URL: "x"},
		Auth:       AuthConfig{JWTSecret: "k"},
		Classifier: ClassifierConfig{Provider: "none"},
		Moderation: ModerationConfig{WarningThreshold: 3, BlockThreshold: 5},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
