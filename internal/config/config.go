// Package config содержит логику чтения конфигурации сервиса розыгрыша призов по чекам.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Варианты хранилища дедупликации входящих сообщений.
const (
	DedupMemory   = "memory"
	DedupDatabase = "database"
)

// OTELConfig параметры трассировки OpenTelemetry.
type OTELConfig struct {
	Enabled     bool    `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Insecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	ServiceName string  `env:"OTEL_SERVICE_NAME" envDefault:"receiptdraw"`
	SampleRatio float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1.0"`
}

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	SQLitePath     string `env:"SQLITE_PATH"`
	TenantSeedFile string `env:"TENANT_SEED_FILE"`

	VerifyToken     string        `env:"FB_VERIFY_TOKEN"`
	PageAccessToken string        `env:"FB_PAGE_ACCESS_TOKEN"`
	GraphAPIURL     string        `env:"GRAPH_API_URL" envDefault:"https://graph.facebook.com/v18.0"`
	SendTimeout     time.Duration `env:"SEND_TIMEOUT" envDefault:"10s"`
	SendRPS         float64       `env:"SEND_RPS" envDefault:"20"`
	SendBurst       int           `env:"SEND_BURST" envDefault:"10"`

	LLMBaseURL    string        `env:"LLM_BASE_URL" envDefault:"https://api.deepseek.com/v1"`
	LLMAPIKey     string        `env:"LLM_API_KEY"`
	LLMModel      string        `env:"LLM_MODEL" envDefault:"deepseek-chat"`
	VisionModel   string        `env:"VISION_MODEL"`
	LLMTimeout    time.Duration `env:"LLM_TIMEOUT" envDefault:"60s"`
	LLMMaxRetries int           `env:"LLM_MAX_RETRIES" envDefault:"2"`

	DedupBackend       string        `env:"DEDUP_BACKEND" envDefault:"memory"`
	DedupTTL           time.Duration `env:"DEDUP_TTL" envDefault:"600s"`
	DedupMaxEntries    int           `env:"DEDUP_MAX_ENTRIES" envDefault:"1000"`
	DedupPurgeInterval time.Duration `env:"DEDUP_PURGE_INTERVAL" envDefault:"1m"`

	PipelineTimeout time.Duration `env:"PIPELINE_TIMEOUT" envDefault:"2m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`

	OTEL OTELConfig
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envSQLitePath := cfg.SQLitePath
	envSeedFile := cfg.TenantSeedFile

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "PostgreSQL database URI")
	flag.StringVar(&cfg.SQLitePath, "s", "receiptdraw.db", "SQLite database path, used when no database URI is set")
	flag.StringVar(&cfg.TenantSeedFile, "seed", "", "YAML file with tenants to import at startup")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envSQLitePath != "" {
		cfg.SQLitePath = envSQLitePath
	}
	if envSeedFile != "" {
		cfg.TenantSeedFile = envSeedFile
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "warning" {
		c.LogLevel = "warn"
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error")
	}

	c.DedupBackend = strings.ToLower(strings.TrimSpace(c.DedupBackend))
	switch c.DedupBackend {
	case DedupMemory, DedupDatabase:
	default:
		return fmt.Errorf("DEDUP_BACKEND must be %q or %q", DedupMemory, DedupDatabase)
	}

	if c.DatabaseURI == "" && strings.TrimSpace(c.SQLitePath) == "" {
		return errors.New("either DATABASE_URI or SQLITE_PATH must be set")
	}
	if c.DedupTTL <= 0 || c.PipelineTimeout <= 0 || c.LLMTimeout <= 0 || c.SendTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if c.DedupMaxEntries < 1 {
		return errors.New("DEDUP_MAX_ENTRIES must be >= 1")
	}
	if c.LLMMaxRetries < 0 {
		return errors.New("LLM_MAX_RETRIES must be >= 0")
	}
	if c.SendRPS < 0 {
		return errors.New("SEND_RPS must be >= 0")
	}
	if c.SendBurst < 1 {
		return errors.New("SEND_BURST must be >= 1")
	}
	if c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// RequiredSettings сообщает, заданы ли настройки, без которых сервис работает частично.
func (c *Config) RequiredSettings() map[string]bool {
	return map[string]bool{
		"FB_VERIFY_TOKEN":      c.VerifyToken != "",
		"FB_PAGE_ACCESS_TOKEN": c.PageAccessToken != "",
		"LLM_API_KEY":          c.LLMAPIKey != "",
	}
}
