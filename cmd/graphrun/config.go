package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/rendis/graphrun/internal/engine"
	"github.com/rendis/graphrun/internal/queue"
	"github.com/rendis/graphrun/internal/scheduler"
	"github.com/rendis/graphrun/internal/tools"
)

// Config holds all graphrun configuration.
// Priority: env vars > .env > settings.json > defaults.
type Config struct {
	DBPath    string `json:"db_path"`
	RedisURL  string `json:"redis_url"` // empty keeps stop flags in process memory
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // text or json

	MaxParallel      int      `json:"max_parallel"`
	MaxSteps         int      `json:"max_steps"`
	MaxExecutionTime Duration `json:"max_execution_time"`
	PollInterval     Duration `json:"poll_interval"`
	PingInterval     Duration `json:"ping_interval"`

	SandboxRoot    string   `json:"sandbox_root"`
	SandboxTimeout Duration `json:"sandbox_timeout"`

	PauseTTL       Duration `json:"pause_ttl"`
	SweepSchedule  string   `json:"sweep_schedule"`
	WebhookBaseURL string   `json:"webhook_base_url"`

	OpenAIAPIKey  string `json:"openai_api_key"`
	OpenAIBaseURL string `json:"openai_base_url"`
	OllamaBaseURL string `json:"ollama_base_url"`

	ToolServers []tools.ServerConfig `json:"tool_servers"`
}

// Duration is a time.Duration read from "90s" style strings or from
// a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds: %s", data)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func defaultConfig() Config {
	q := queue.DefaultConfig()
	return Config{
		DBPath:           filepath.Join(graphrunDir(), "graphrun.db"),
		LogLevel:         "info",
		LogFormat:        "text",
		MaxParallel:      engine.DefaultMaxParallel,
		MaxSteps:         engine.DefaultMaxSteps,
		MaxExecutionTime: Duration(q.MaxExecutionTime),
		PollInterval:     Duration(q.PollInterval),
		PingInterval:     Duration(q.PingInterval),
		SandboxRoot:      filepath.Join(graphrunDir(), "sandboxes"),
		SandboxTimeout:   Duration(30 * time.Second),
		PauseTTL:         Duration(24 * time.Hour),
		SweepSchedule:    scheduler.DefaultSchedule,
		WebhookBaseURL:   "http://localhost:4200/hooks",
	}
}

func graphrunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".graphrun"
	}
	return filepath.Join(home, ".graphrun")
}

func settingsPath() string {
	return filepath.Join(graphrunDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: .env in the working directory feeds the environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	// Layer 4: env vars override.
	str := map[string]*string{
		"GRAPHRUN_DB_PATH":          &cfg.DBPath,
		"GRAPHRUN_REDIS_URL":        &cfg.RedisURL,
		"GRAPHRUN_LOG_LEVEL":        &cfg.LogLevel,
		"GRAPHRUN_LOG_FORMAT":       &cfg.LogFormat,
		"GRAPHRUN_SANDBOX_ROOT":     &cfg.SandboxRoot,
		"GRAPHRUN_SWEEP_SCHEDULE":   &cfg.SweepSchedule,
		"GRAPHRUN_WEBHOOK_BASE_URL": &cfg.WebhookBaseURL,
		"OPENAI_API_KEY":            &cfg.OpenAIAPIKey,
		"OPENAI_BASE_URL":           &cfg.OpenAIBaseURL,
		"OLLAMA_BASE_URL":           &cfg.OllamaBaseURL,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"GRAPHRUN_MAX_PARALLEL": &cfg.MaxParallel,
		"GRAPHRUN_MAX_STEPS":    &cfg.MaxSteps,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}
	durations := map[string]*Duration{
		"GRAPHRUN_MAX_EXECUTION_TIME": &cfg.MaxExecutionTime,
		"GRAPHRUN_POLL_INTERVAL":      &cfg.PollInterval,
		"GRAPHRUN_PING_INTERVAL":      &cfg.PingInterval,
		"GRAPHRUN_SANDBOX_TIMEOUT":    &cfg.SandboxTimeout,
		"GRAPHRUN_PAUSE_TTL":          &cfg.PauseTTL,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}
	return cfg, nil
}
