package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the courier service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	DatabaseURL string

	// NotifyURL and CallbackURL are optional HTTP endpoints for client
	// notifications and completion callbacks. Empty means log-only.
	NotifyURL   string
	CallbackURL string

	SandboxWSBaseURL   string
	SandboxDialTimeout time.Duration
	InitTimeout        time.Duration
	AckTimeout         time.Duration
	ReadTimeout        time.Duration
	TaskTimeout        time.Duration

	SandboxLockTTL time.Duration
	TopicLockTTL   time.Duration
	FileLockTTL    time.Duration
	LockSpinWait   time.Duration

	TerminationTTL time.Duration

	BatchSize       int
	MaxRetries      int
	PipelineWorkers int

	// Jobs are recurring task starts registered with the cron scheduler at
	// boot. File-only; there is no env form for a list.
	Jobs []JobConfig
}

// JobConfig describes one recurring task start from the config file.
type JobConfig struct {
	ID        string `yaml:"id"`
	TopicID   string `yaml:"topic_id"`
	ProjectID string `yaml:"project_id"`
	Prompt    string `yaml:"prompt"`
	Schedule  string `yaml:"schedule"`
}

type fileConfig struct {
	BindAddr         string `yaml:"bind_addr"`
	MetricsNamespace string `yaml:"metrics_namespace"`
	DatabaseURL      string `yaml:"database_url"`
	NotifyURL        string `yaml:"notify_url"`
	CallbackURL      string `yaml:"callback_url"`
	SandboxWSBaseURL string `yaml:"sandbox_ws_base_url"`
	TaskTimeout      string `yaml:"task_timeout"`
	BatchSize        int    `yaml:"batch_size"`
	MaxRetries       int    `yaml:"max_retries"`
	PipelineWorkers  int    `yaml:"pipeline_workers"`

	Jobs []JobConfig `yaml:"jobs"`
}

// Load reads the optional config file, then environment variables, and
// applies safe defaults. Environment values win over the file.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           ":8080",
		MetricsNamespace:   "courier",
		SandboxWSBaseURL:   "ws://127.0.0.1:18080",
		ShutdownTimeout:    15 * time.Second,
		SandboxDialTimeout: 5 * time.Second,
		InitTimeout:        15 * time.Minute,
		AckTimeout:         60 * time.Second,
		ReadTimeout:        30 * time.Second,
		TaskTimeout:        30 * time.Minute,
		SandboxLockTTL:     10 * time.Second,
		TopicLockTTL:       15 * time.Second,
		FileLockTTL:        2 * time.Second,
		LockSpinWait:       5 * time.Second,
		TerminationTTL:     10 * time.Minute,
		BatchSize:          50,
		MaxRetries:         3,
		PipelineWorkers:    4,
	}

	if path := envTrimmed("COURIER_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("COURIER_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("COURIER_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.SandboxWSBaseURL = envOrDefault("SANDBOX_WS_BASE_URL", cfg.SandboxWSBaseURL)
	if v := envTrimmed("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	cfg.NotifyURL = envOrDefault("COURIER_NOTIFY_URL", cfg.NotifyURL)
	cfg.CallbackURL = envOrDefault("COURIER_CALLBACK_URL", cfg.CallbackURL)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("COURIER_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SandboxDialTimeout, err = durationFromEnv("SANDBOX_DIAL_TIMEOUT", cfg.SandboxDialTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.InitTimeout, err = durationFromEnv("SANDBOX_INIT_TIMEOUT", cfg.InitTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AckTimeout, err = durationFromEnv("SANDBOX_ACK_TIMEOUT", cfg.AckTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReadTimeout, err = durationFromEnv("SANDBOX_READ_TIMEOUT", cfg.ReadTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskTimeout, err = durationFromEnv("COURIER_TASK_TIMEOUT", cfg.TaskTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TerminationTTL, err = durationFromEnv("COURIER_TERMINATION_TTL", cfg.TerminationTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.BatchSize, err = intFromEnv("COURIER_BATCH_SIZE", cfg.BatchSize)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxRetries, err = intFromEnv("COURIER_MAX_RETRIES", cfg.MaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.PipelineWorkers, err = intFromEnv("COURIER_PIPELINE_WORKERS", cfg.PipelineWorkers)
	if err != nil {
		return Config{}, err
	}

	if cfg.BatchSize <= 0 {
		return Config{}, fmt.Errorf("COURIER_BATCH_SIZE must be positive")
	}
	if cfg.MaxRetries < 0 {
		return Config{}, fmt.Errorf("COURIER_MAX_RETRIES must be >= 0")
	}
	if cfg.PipelineWorkers <= 0 {
		return Config{}, fmt.Errorf("COURIER_PIPELINE_WORKERS must be positive")
	}
	if cfg.AckTimeout < time.Second {
		return Config{}, fmt.Errorf("SANDBOX_ACK_TIMEOUT must be at least 1s")
	}
	if !strings.HasPrefix(cfg.SandboxWSBaseURL, "ws://") && !strings.HasPrefix(cfg.SandboxWSBaseURL, "wss://") {
		return Config{}, fmt.Errorf("SANDBOX_WS_BASE_URL must use ws:// or wss://")
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if v := strings.TrimSpace(fc.BindAddr); v != "" {
		cfg.BindAddr = v
	}
	if v := strings.TrimSpace(fc.MetricsNamespace); v != "" {
		cfg.MetricsNamespace = v
	}
	if v := strings.TrimSpace(fc.DatabaseURL); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(fc.NotifyURL); v != "" {
		cfg.NotifyURL = v
	}
	if v := strings.TrimSpace(fc.CallbackURL); v != "" {
		cfg.CallbackURL = v
	}
	if v := strings.TrimSpace(fc.SandboxWSBaseURL); v != "" {
		cfg.SandboxWSBaseURL = v
	}
	if v := strings.TrimSpace(fc.TaskTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config file task_timeout: %w", err)
		}
		cfg.TaskTimeout = d
	}
	if fc.BatchSize > 0 {
		cfg.BatchSize = fc.BatchSize
	}
	if fc.MaxRetries > 0 {
		cfg.MaxRetries = fc.MaxRetries
	}
	if fc.PipelineWorkers > 0 {
		cfg.PipelineWorkers = fc.PipelineWorkers
	}
	for _, j := range fc.Jobs {
		if j.ID == "" || j.TopicID == "" || j.Prompt == "" || j.Schedule == "" {
			return fmt.Errorf("config file job %q: id, topic_id, prompt and schedule are required", j.ID)
		}
		cfg.Jobs = append(cfg.Jobs, j)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
