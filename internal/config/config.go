// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all service configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	// Port is the loopback port the HTTP bridge listens on.
	Port int    `env:"PORT" envDefault:"8095"`
	Host string `env:"HOST" envDefault:"127.0.0.1"`
	// DataDir holds the state database and generated job files.
	DataDir string `env:"DATA_DIR" envDefault:"memory-bank"`
	// ScratchDir is where target files for raw-device inputs and worker
	// temp files live.
	ScratchDir string `env:"SCRATCH_DIR" envDefault:"/tmp/showdisk"`
	// WorkerPath, when set, pins the worker binary instead of searching
	// the candidate paths.
	WorkerPath string `env:"WORKER_PATH"`
	// ProbeTimeout bounds external command probes (worker version,
	// process listing).
	ProbeTimeout time.Duration `env:"PROBE_TIMEOUT" envDefault:"5s"`
	// SupervisionBuffer is added to the plan's wall-clock total to form
	// the per-test deadline.
	SupervisionBuffer time.Duration `env:"SUPERVISION_BUFFER" envDefault:"120s"`
	// GraceTimeout is how long the supervisor waits after graceful
	// termination before force-killing the process group.
	GraceTimeout time.Duration `env:"GRACE_TIMEOUT" envDefault:"2s"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// HistoryLimit caps the rows returned by the history endpoint.
	HistoryLimit      int           `env:"HISTORY_LIMIT" envDefault:"50"`
	DataRetentionDays int           `env:"DATA_RETENTION_DAYS" envDefault:"30"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// DBPath is the location of the single-file state database.
func (c Config) DBPath() string { return filepath.Join(c.DataDir, "benchmarks.db") }

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
