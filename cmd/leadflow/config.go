package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/scheduler"
)

// Store backends.
const (
	storeLibSQL = "libsql"
	storeRedis  = "redis"
	storeNone   = "none"
)

// Event hub backends.
const (
	hubMemory = "memory"
	hubRedis  = "redis"
)

// Config holds all leadflow configuration.
// Priority: env vars (including .env) > config file > defaults.
type Config struct {
	ListenAddr  string        `yaml:"listen_addr"`
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
	PoolSize    int           `yaml:"pool_size"`
	StepTimeout time.Duration `yaml:"step_timeout"`
	MaxSteps    int           `yaml:"max_steps"`
	MaxPages    int           `yaml:"max_pages"`
	Metrics     bool          `yaml:"metrics"`
	Hub         string        `yaml:"hub"`

	Store  StoreConfig  `yaml:"store"`
	Places PlacesConfig `yaml:"places"`
	OpenAI OpenAIConfig `yaml:"openai"`

	// RemoteSteps maps a step key to the base URL of a service that serves
	// it. Remote steps replace local steps with the same key.
	RemoteSteps map[string]string `yaml:"remote_steps"`
	Schedules   []scheduler.Job   `yaml:"schedules"`
}

// StoreConfig selects and configures the audit store.
type StoreConfig struct {
	Backend string      `yaml:"backend"`
	DBPath  string      `yaml:"db_path"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis store and hub.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// PlacesConfig configures the lead discovery client.
type PlacesConfig struct {
	APIKey  string  `yaml:"api_key"`
	BaseURL string  `yaml:"base_url"`
	RPS     float64 `yaml:"rps"`
}

// OpenAIConfig configures the scorer and prompt parser. Without a key the
// heuristic scorer is used and prompts are rejected.
type OpenAIConfig struct {
	APIKey   string  `yaml:"api_key"`
	BaseURL  string  `yaml:"base_url"`
	Model    string  `yaml:"model"`
	MinScore float64 `yaml:"min_score"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":4200",
		LogLevel:    "info",
		LogFormat:   "text",
		PoolSize:    engine.DefaultPoolSize,
		StepTimeout: engine.DefaultStepTimeout,
		MaxSteps:    engine.DefaultMaxSteps,
		Metrics:     true,
		Hub:         hubMemory,
		Store: StoreConfig{
			Backend: storeLibSQL,
			DBPath:  filepath.Join(leadflowDir(), "leadflow.db"),
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "leadflow:"},
		},
	}
}

func leadflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".leadflow"
	}
	return filepath.Join(home, ".leadflow")
}

func defaultConfigPath() string {
	return filepath.Join(leadflowDir(), "config.yaml")
}

// loadConfig layers the config file at path and the env file over the
// defaults. A missing default config file or env file is not an error; a
// missing explicit path is.
func loadConfig(path, envFile string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if envFile != "" {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LEADFLOW_LISTEN_ADDR", &cfg.ListenAddr)
	str("LEADFLOW_LOG_LEVEL", &cfg.LogLevel)
	str("LEADFLOW_LOG_FORMAT", &cfg.LogFormat)
	num("LEADFLOW_POOL_SIZE", &cfg.PoolSize)
	dur("LEADFLOW_STEP_TIMEOUT", &cfg.StepTimeout)
	num("LEADFLOW_MAX_STEPS", &cfg.MaxSteps)
	num("LEADFLOW_MAX_PAGES", &cfg.MaxPages)
	str("LEADFLOW_HUB", &cfg.Hub)
	if v := os.Getenv("LEADFLOW_METRICS"); v != "" {
		cfg.Metrics = v == "true" || v == "1"
	}

	str("LEADFLOW_STORE", &cfg.Store.Backend)
	str("LEADFLOW_DB_PATH", &cfg.Store.DBPath)
	str("LEADFLOW_REDIS_ADDR", &cfg.Store.Redis.Addr)
	str("LEADFLOW_REDIS_PASSWORD", &cfg.Store.Redis.Password)
	num("LEADFLOW_REDIS_DB", &cfg.Store.Redis.DB)
	str("LEADFLOW_REDIS_PREFIX", &cfg.Store.Redis.Prefix)
	dur("LEADFLOW_REDIS_TTL", &cfg.Store.Redis.TTL)

	str("PLACES_API_KEY", &cfg.Places.APIKey)
	str("LEADFLOW_PLACES_API_KEY", &cfg.Places.APIKey)
	str("LEADFLOW_PLACES_BASE_URL", &cfg.Places.BaseURL)
	if v := os.Getenv("LEADFLOW_PLACES_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("LEADFLOW_PLACES_RPS: %w", err))
		} else {
			cfg.Places.RPS = f
		}
	}

	str("OPENAI_API_KEY", &cfg.OpenAI.APIKey)
	str("LEADFLOW_OPENAI_API_KEY", &cfg.OpenAI.APIKey)
	str("LEADFLOW_OPENAI_BASE_URL", &cfg.OpenAI.BaseURL)
	str("LEADFLOW_OPENAI_MODEL", &cfg.OpenAI.Model)

	return errors.Join(errs...)
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case storeLibSQL, storeRedis, storeNone:
	default:
		return fmt.Errorf("unknown store backend %q: must be libsql, redis, or none", c.Store.Backend)
	}
	switch c.Hub {
	case hubMemory, hubRedis:
	default:
		return fmt.Errorf("unknown hub %q: must be memory or redis", c.Hub)
	}
	if c.PoolSize < 0 || c.MaxSteps < 0 || c.MaxPages < 0 {
		return errors.New("pool_size, max_steps and max_pages must not be negative")
	}
	for key, url := range c.RemoteSteps {
		if strings.TrimSpace(url) == "" {
			return fmt.Errorf("remote step %q has no URL", key)
		}
	}
	return nil
}

// libsqlDSN turns a plain path into the file URI libsql expects.
func libsqlDSN(path string) string {
	if strings.Contains(path, ":") && !filepath.IsAbs(path) {
		return path
	}
	return "file:" + path
}
