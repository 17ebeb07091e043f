package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "devgodzilla.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "DEVGODZILLA_PORT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setString(&cfg.Postgres.DSN, "DEVGODZILLA_DB_URL")
	setInt32(&cfg.Postgres.MaxConns, "DEVGODZILLA_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "DEVGODZILLA_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "DEVGODZILLA_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "DEVGODZILLA_PG_MAX_CONN_IDLE_TIME")
	setString(&cfg.Redis.URL, "DEVGODZILLA_REDIS_URL")
	setBool(&cfg.Redis.AllowMemory, "DEVGODZILLA_QUEUE_ALLOW_MEMORY")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "DEVGODZILLA_LOG_LEVEL")
	setString(&cfg.Logging.Service, "DEVGODZILLA_LOG_SERVICE")
	setInt(&cfg.Git.MaxConcurrent, "DEVGODZILLA_GIT_MAX_CONCURRENT")
	setInt(&cfg.Worker.Count, "DEVGODZILLA_WORKER_COUNT")
	setString(&cfg.Worker.Queue, "DEVGODZILLA_WORKER_QUEUE")
	setDuration(&cfg.Worker.PollInterval, "DEVGODZILLA_WORKER_POLL_INTERVAL")
	setDuration(&cfg.Worker.VisibilityTimeout, "DEVGODZILLA_WORKER_VISIBILITY_TIMEOUT")
	setDuration(&cfg.Worker.HeartbeatInterval, "DEVGODZILLA_WORKER_HEARTBEAT_INTERVAL")
	setBool(&cfg.Worker.AutoQAAfterExec, "DEVGODZILLA_AUTO_QA_AFTER_EXEC")
	setBool(&cfg.Worker.AutoClone, "DEVGODZILLA_AUTO_CLONE")
	setInt(&cfg.Worker.MaxStepRetries, "DEVGODZILLA_MAX_STEP_RETRIES")
	setString(&cfg.Engines.Default, "DEVGODZILLA_DEFAULT_ENGINE")
	setString(&cfg.Engines.OpenCodeAPIKey, "DEVGODZILLA_OPENCODE_API_KEY")
	setString(&cfg.Engines.OpenCodeBaseURL, "DEVGODZILLA_OPENCODE_BASE_URL")
	setSeconds(&cfg.Engines.OpenCodeTimeout, "DEVGODZILLA_OPENCODE_TIMEOUT_SECONDS")
	setSeconds(&cfg.Engines.OpenCodeChunkTimeout, "DEVGODZILLA_OPENCODE_CHUNK_TIMEOUT_SECONDS")
	setString(&cfg.Engines.GitHubToken, "GITHUB_TOKEN")
	setString(&cfg.Engines.CopilotModel, "DEVGODZILLA_COPILOT_MODEL")
	setString(&cfg.Secrets.Key, "DEVGODZILLA_SECRET_KEY")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Redis.URL == "" && !cfg.Redis.AllowMemory {
		return errors.New("redis.url is required unless redis.allow_memory is set")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Worker.Count < 1 {
		return errors.New("worker.count must be >= 1")
	}
	if cfg.Worker.PollInterval < 100*time.Millisecond {
		return errors.New("worker.poll_interval must be >= 100ms")
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
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
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

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
