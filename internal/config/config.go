package config

import (
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Addr          string `koanf:"server.addr"`
	CORSOrigin    string `koanf:"server.cors_origin"`
	DatabaseURL   string `koanf:"database.url"`
	MigrationsDir string `koanf:"database.migrations_dir"`
	// Empty disables Redis; token revocations then live in Postgres.
	RedisURL         string `koanf:"redis.url"`
	JWTSecret        string `koanf:"auth.jwt_secret"`
	AccessTTLSeconds int    `koanf:"auth.access_ttl_seconds"`
	// Reasoning service
	OpenAIBaseURL     string  `koanf:"llm.base_url"`
	OpenAIAPIKey      string  `koanf:"llm.api_key"`
	OpenAIModel       string  `koanf:"llm.model"`
	LLMTimeoutSeconds int     `koanf:"llm.timeout_seconds"`
	LLMRatePerSecond  float64 `koanf:"llm.rate_per_second"`
	LLMBurst          int     `koanf:"llm.burst"`
	LogLevel          string  `koanf:"log.level"`
	LogFormat         string  `koanf:"log.format"`

	AccessTTL  time.Duration `koanf:"-"`
	LLMTimeout time.Duration `koanf:"-"`
}

// envKeys maps the supported environment variables onto config keys.
// Anything not listed here is ignored.
var envKeys = map[string]string{
	"API_ADDR":            "server.addr",
	"CORS_ORIGIN":         "server.cors_origin",
	"DATABASE_URL":        "database.url",
	"MIGRATIONS_DIR":      "database.migrations_dir",
	"REDIS_URL":           "redis.url",
	"JWT_SECRET":          "auth.jwt_secret",
	"ACCESS_TTL_SECONDS":  "auth.access_ttl_seconds",
	"OPENAI_BASE_URL":     "llm.base_url",
	"OPENAI_API_KEY":      "llm.api_key",
	"OPENAI_MODEL":        "llm.model",
	"LLM_TIMEOUT_SECONDS": "llm.timeout_seconds",
	"LLM_RATE_PER_SECOND": "llm.rate_per_second",
	"LLM_BURST":           "llm.burst",
	"LOG_LEVEL":           "log.level",
	"LOG_FORMAT":          "log.format",
}

// Load reads the embedded defaults and overlays environment variables.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{FlatPaths: true}); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.AccessTTL = time.Duration(cfg.AccessTTLSeconds) * time.Second
	cfg.LLMTimeout = time.Duration(cfg.LLMTimeoutSeconds) * time.Second

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.AccessTTL <= 0 {
		errs = append(errs, errors.New("auth.access_ttl_seconds must be positive"))
	}
	if c.OpenAIModel == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if c.LLMTimeout <= 0 {
		errs = append(errs, errors.New("llm.timeout_seconds must be positive"))
	}
	if c.LLMRatePerSecond <= 0 {
		errs = append(errs, errors.New("llm.rate_per_second must be positive"))
	}
	if c.LLMBurst < 1 {
		errs = append(errs, errors.New("llm.burst must be at least 1"))
	}
	return errors.Join(errs...)
}
