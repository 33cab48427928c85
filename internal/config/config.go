// Package config holds the environment-driven configuration surface for the
// bridge: Redis and session settings, worker launch command and timeouts,
// the reaper interval, the sensitive parameter classes, and optional NATS
// and PostgreSQL endpoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full bridge configuration.
type Config struct {
	ListenAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SessionKeyPrefix string
	SessionIdleTTL   time.Duration

	WorkerCommand string
	WorkerArgs    []string
	SpawnTimeout  time.Duration
	InvokeTimeout time.Duration
	StopGrace     time.Duration

	ReapInterval time.Duration

	// SensitiveParams are the credential-class parameter names that are
	// always injected from session credentials and never accepted from
	// callers.
	SensitiveParams []string

	NATSURL     string // empty disables event publishing
	PostgresDSN string // empty disables the invocation audit log
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		RedisAddr:        "localhost:6379",
		SessionKeyPrefix: "mcpsession:",
		SessionIdleTTL:   24 * time.Hour,
		SpawnTimeout:     30 * time.Second,
		InvokeTimeout:    5 * time.Minute,
		StopGrace:        5 * time.Second,
		ReapInterval:     5 * time.Minute,
		SensitiveParams:  []string{"apiUrl", "jwtToken"},
	}
}

// FromEnv returns the default configuration with environment overrides
// applied, validated.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("BRIDGE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}
	if v := os.Getenv("SESSION_KEY_PREFIX"); v != "" {
		cfg.SessionKeyPrefix = v
	}
	if v := os.Getenv("SESSION_IDLE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("config: SESSION_IDLE_TTL: %w", err)
		}
		cfg.SessionIdleTTL = d
	}
	if v := os.Getenv("WORKER_CMD"); v != "" {
		fields := strings.Fields(v)
		cfg.WorkerCommand = fields[0]
		cfg.WorkerArgs = fields[1:]
	}
	if v := os.Getenv("SPAWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("config: SPAWN_TIMEOUT: %w", err)
		}
		cfg.SpawnTimeout = d
	}
	if v := os.Getenv("INVOKE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("config: INVOKE_TIMEOUT: %w", err)
		}
		cfg.InvokeTimeout = d
	}
	if v := os.Getenv("STOP_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("config: STOP_GRACE: %w", err)
		}
		cfg.StopGrace = d
	}
	if v := os.Getenv("REAP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("config: REAP_INTERVAL: %w", err)
		}
		cfg.ReapInterval = d
	}
	if v := os.Getenv("SENSITIVE_PARAMS"); v != "" {
		parts := strings.Split(v, ",")
		names := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				names = append(names, p)
			}
		}
		cfg.SensitiveParams = names
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for values the bridge cannot run with.
func (c Config) Validate() error {
	var errs []string
	if c.RedisAddr == "" {
		errs = append(errs, "REDIS_ADDR is required")
	}
	if c.WorkerCommand == "" {
		errs = append(errs, "WORKER_CMD is required")
	}
	if c.SessionIdleTTL <= 0 {
		errs = append(errs, "SESSION_IDLE_TTL must be positive")
	}
	if c.InvokeTimeout <= 0 {
		errs = append(errs, "INVOKE_TIMEOUT must be positive")
	}
	if c.SpawnTimeout <= 0 {
		errs = append(errs, "SPAWN_TIMEOUT must be positive")
	}
	if c.ReapInterval <= 0 {
		errs = append(errs, "REAP_INTERVAL must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
