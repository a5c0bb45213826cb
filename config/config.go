// Package config provides runtime configuration for the token ledger server.
//
// Precedence, lowest to highest: built-in defaults, a .env file in the
// working directory (if present), process environment, command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds every knob of the server.
type Config struct {
	Port        int
	StoreDriver string
	DBPath      string
	DatabaseURL string

	LockTimeout       time.Duration
	StorageRetries    int
	AccountPolicy     string
	LowStockThreshold int
	AuditInterval     time.Duration

	// EnableScenarios mounts the demo scenario routes, which wipe the store.
	// Defaults to off for postgres.
	EnableScenarios bool

	LogLevel  string
	LogFormat string

	ShutdownTimeout time.Duration

	parseErrs []error
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envReader reads typed values and remembers the ones it could not parse,
// so Validate can report them instead of silently using the default.
type envReader struct {
	errs []error
}

func (r *envReader) int(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (r *envReader) bool(key string, def bool) bool {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (r *envReader) ms(key string, defMs int) time.Duration {
	return time.Duration(r.int(key, defMs)) * time.Millisecond
}

func (r *envReader) seconds(key string, defSec int) time.Duration {
	return time.Duration(r.int(key, defSec)) * time.Second
}

// FromEnv collects configuration from the environment with defaults.
// Unparsable values keep their default and are reported by Validate.
func FromEnv() Config {
	var r envReader
	driver := strings.ToLower(getenv("STORE_DRIVER", DriverSQLite))
	cfg := Config{
		Port:              r.int("PORT", 8080),
		StoreDriver:       driver,
		DBPath:            getenv("DB_PATH", "tokenledger.db"),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		LockTimeout:       r.ms("LOCK_TIMEOUT_MS", 5000),
		StorageRetries:    r.int("STORAGE_RETRIES", 2),
		AccountPolicy:     strings.ToLower(getenv("ACCOUNT_POLICY", "auto")),
		LowStockThreshold: r.int("LOW_STOCK_THRESHOLD", 3),
		AuditInterval:     r.seconds("AUDIT_INTERVAL_S", 300),
		EnableScenarios:   r.bool("ENABLE_SCENARIOS", driver != DriverPostgres),
		LogLevel:          strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getenv("LOG_FORMAT", "json")),
		ShutdownTimeout:   r.seconds("SHUTDOWN_TIMEOUT_S", 30),
	}
	cfg.parseErrs = r.errs
	return cfg
}

// Load reads .env (if present), the environment, then args as flags.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := FromEnv()

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "store driver: sqlite, postgres or memory")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection URL")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if getenv("ENABLE_SCENARIOS", "") == "" {
		cfg.EnableScenarios = cfg.StoreDriver != DriverPostgres
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	errs := append([]error(nil), c.parseErrs...)
	switch c.StoreDriver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.AccountPolicy != "auto" && c.AccountPolicy != "strict" {
		errs = append(errs, fmt.Errorf("unknown account policy %q", c.AccountPolicy))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("lock timeout must be positive"))
	}
	if c.StorageRetries < 0 {
		errs = append(errs, errors.New("storage retries cannot be negative"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
