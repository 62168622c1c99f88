package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"consensus-research-pipeline/internal/pkg/logger"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	HTTP     HTTPConfig
	Log      logger.LogConfig
	Research ResearchConfig
	Scraper  ScraperConfig
	Search   SearchConfig
	Redis    RedisConfig
}

type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type ResearchConfig struct {
	AgentCount           int
	IterationCount       int
	AgentTimeout         time.Duration
	ConflictThreshold    float64
	ImprovementThreshold float64
	StrategiesFile       string
}

type ScraperConfig struct {
	RequestTimeout    time.Duration
	MaxConcurrency    int
	RequestsPerSecond float64
	CacheSize         int
	MaxContentLength  int
	UserAgent         string
}

type SearchConfig struct {
	BaseURL            string
	Timeout            time.Duration
	RetryAttempts      int
	RequestsPerSecond  float64
	BreakerMaxFailures int
	BreakerTimeout     time.Duration
}

type RedisConfig struct {
	Enabled      bool
	URL          string
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	ResultTTL    time.Duration
	StreamMaxLen int64
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var parseErrs []string
	p := &envParser{errs: &parseErrs}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			Port:         p.int("PORT", 8080),
			ReadTimeout:  p.duration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: p.duration("HTTP_WRITE_TIMEOUT", 30*time.Minute),
			IdleTimeout:  p.duration("HTTP_IDLE_TIMEOUT", 120*time.Second),
		},
		Log: logger.LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			FilePath:   getEnv("LOG_FILE_PATH", ""),
			MaxSizeMB:  p.int("LOG_MAX_SIZE_MB", 100),
			MaxBackups: p.int("LOG_MAX_BACKUPS", 3),
			MaxAgeDays: p.int("LOG_MAX_AGE_DAYS", 28),
		},
		Research: ResearchConfig{
			AgentCount:           p.int("RESEARCH_AGENT_COUNT", 3),
			IterationCount:       p.int("RESEARCH_ITERATION_COUNT", 3),
			AgentTimeout:         p.duration("RESEARCH_AGENT_TIMEOUT", 5*time.Minute),
			ConflictThreshold:    p.float("RESEARCH_CONFLICT_THRESHOLD", 0.7),
			ImprovementThreshold: p.float("RESEARCH_IMPROVEMENT_THRESHOLD", 5),
			StrategiesFile:       getEnv("RESEARCH_STRATEGIES_FILE", ""),
		},
		Scraper: ScraperConfig{
			RequestTimeout:    p.duration("SCRAPER_REQUEST_TIMEOUT", 30*time.Second),
			MaxConcurrency:    p.int("SCRAPER_MAX_CONCURRENCY", 5),
			RequestsPerSecond: p.float("SCRAPER_REQUESTS_PER_SECOND", 2),
			CacheSize:         p.int("SCRAPER_CACHE_SIZE", 512),
			MaxContentLength:  p.int("SCRAPER_MAX_CONTENT_LENGTH", 15000),
			UserAgent:         getEnv("SCRAPER_USER_AGENT", "Consensus-Research-Agent/1.0"),
		},
		Search: SearchConfig{
			BaseURL:            os.Getenv("SEARCH_BASE_URL"),
			Timeout:            p.duration("SEARCH_TIMEOUT", 15*time.Second),
			RetryAttempts:      p.int("SEARCH_RETRY_ATTEMPTS", 3),
			RequestsPerSecond:  p.float("SEARCH_REQUESTS_PER_SECOND", 1),
			BreakerMaxFailures: p.int("SEARCH_BREAKER_MAX_FAILURES", 5),
			BreakerTimeout:     p.duration("SEARCH_BREAKER_TIMEOUT", 60*time.Second),
		},
		Redis: RedisConfig{
			Enabled:      p.bool("REDIS_ENABLED", false),
			URL:          getEnv("REDIS_URL", "redis://localhost:6379"),
			PoolSize:     p.int("REDIS_POOL_SIZE", 10),
			ReadTimeout:  p.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: p.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			DialTimeout:  p.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ResultTTL:    p.duration("REDIS_RESULT_TTL", 24*time.Hour),
			StreamMaxLen: int64(p.int("REDIS_STREAM_MAX_LEN", 1024)),
		},
	}

	if len(parseErrs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(parseErrs, "; "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.Search.BaseURL == "" {
		return errors.New("SEARCH_BASE_URL is required")
	}
	if cfg.Research.AgentCount < 1 {
		return fmt.Errorf("RESEARCH_AGENT_COUNT must be at least 1, got %d", cfg.Research.AgentCount)
	}
	if cfg.Research.IterationCount < 1 {
		return fmt.Errorf("RESEARCH_ITERATION_COUNT must be at least 1, got %d", cfg.Research.IterationCount)
	}
	if cfg.Research.AgentTimeout <= 0 {
		return errors.New("RESEARCH_AGENT_TIMEOUT must be positive")
	}
	if cfg.Research.ConflictThreshold < 0 || cfg.Research.ConflictThreshold > 1 {
		return fmt.Errorf("RESEARCH_CONFLICT_THRESHOLD must be within [0,1], got %v", cfg.Research.ConflictThreshold)
	}
	if cfg.Research.ImprovementThreshold < 0 {
		return fmt.Errorf("RESEARCH_IMPROVEMENT_THRESHOLD must not be negative, got %v", cfg.Research.ImprovementThreshold)
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", cfg.HTTP.Port)
	}
	return nil
}

func (cfg *Config) IsProduction() bool {
	return cfg.Environment == "production"
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

// envParser collects parse errors instead of failing on the first one.
type envParser struct {
	errs *[]string
}

func (p *envParser) int(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return value
}

func (p *envParser) float(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return value
}

func (p *envParser) bool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return value
}

// duration accepts Go duration strings ("90s") or plain seconds ("90").
func (p *envParser) duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return value
}
