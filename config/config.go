// Package config loads the service and CLI configuration from an optional
// YAML file, then applies environment overrides and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/meikuraledutech/flowdag"
	"github.com/meikuraledutech/flowdag/llm"
)

// Config is the full configuration.
type Config struct {
	Listen      string          `yaml:"listen" validate:"required"`
	DatabaseURL string          `yaml:"database_url"`
	Log         LogConfig       `yaml:"log"`
	LLM         LLMConfig       `yaml:"llm"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Tracing     TracingConfig   `yaml:"tracing"`
}

// LogConfig selects the slog level and handler format.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// LLMConfig configures the generation backend.
type LLMConfig struct {
	BaseURL      string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey       string        `yaml:"api_key"`
	DefaultModel string        `yaml:"default_model" validate:"required"`
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
}

// SchedulerConfig bounds runtime scheduling.
type SchedulerConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency" validate:"gte=0"`
	NodeTimeout    time.Duration `yaml:"node_timeout" validate:"gte=0"`
}

// TracingConfig toggles the stdout trace exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen: ":3000",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		LLM: LLMConfig{
			BaseURL:      llm.GeminiBaseURL,
			DefaultModel: flowdag.DefaultModel,
			Timeout:      llm.DefaultTimeout,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path on top of the defaults. An empty path skips the file.
// Environment variables override file values.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg, os.Getenv)

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return Config{}, fmt.Errorf("config: invalid %s: failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides cfg from the environment. The first non-empty API key
// variable wins.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("FLOWDAG_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	for _, key := range []string{"LLM_API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY"} {
		if v := getenv(key); v != "" {
			cfg.LLM.APIKey = v
			break
		}
	}
}
