/*
Package config reads server settings.

SOURCES (later wins):
  1. Built-in defaults
  2. A .env file, if present (never overrides variables already set)
  3. Environment variables
  4. Command-line flags

KEYS:
  PORT                       HTTP port (8080)
  DB_DRIVER                  sqlite3 | pgx (sqlite3)
  DATABASE_URL               SQLite path or Postgres URL (balance.db)
  JWT_SECRET                 HS256 secret for bearer tokens
  DEV_AUTH                   accept X-Owner-ID without a token (false)
  CORS_ORIGINS               comma-separated allowed origins
  SCHEDULER_INTERVAL         period expiry sweep interval, 0 disables (1h)
  SCHEDULER_AUTO_REFUND      refund expired periods to the primary account (false)
  ALLOW_OVERDRAFT_RECURRENT  recurrent pockets may go below zero (false)
  ALLOW_OVERDRAFT_SHARED     shared pockets may go below zero (false)
  MAX_CONFLICT_RETRIES       extra attempts after a write conflict (3)
  GEMINI_API_KEY             enables receipt extraction
  GEMINI_MODEL               model name (gemini-1.5-flash)
  LOG_LEVEL                  debug | info | warn | error (info)
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        int
	DBDriver    string
	DatabaseURL string

	JWTSecret   string
	DevAuth     bool
	CORSOrigins []string

	SchedulerInterval time.Duration
	AutoRefund        bool

	AllowOverdraftRecurrent bool
	AllowOverdraftShared    bool
	MaxConflictRetries      int

	GeminiAPIKey string
	GeminiModel  string

	LogLevel slog.Level
}

// LoadEnvFile loads path into the process environment. A missing file is
// not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Load builds a Config from getenv and the command-line args (without the
// program name).
func Load(args []string, getenv func(string) string) (Config, error) {
	env := envReader{get: getenv}
	var cfg Config

	flags := flag.NewFlagSet("balance-engine", flag.ContinueOnError)
	flags.IntVar(&cfg.Port, "port", env.integer("PORT", 8080), "HTTP server port")
	flags.StringVar(&cfg.DBDriver, "db-driver", env.str("DB_DRIVER", "sqlite3"), "database driver: sqlite3 or pgx")
	flags.StringVar(&cfg.DatabaseURL, "db", env.str("DATABASE_URL", "balance.db"), "SQLite path (\":memory:\" for in-memory) or Postgres URL")
	flags.StringVar(&cfg.JWTSecret, "jwt-secret", env.str("JWT_SECRET", ""), "HS256 secret for bearer tokens")
	flags.BoolVar(&cfg.DevAuth, "dev-auth", env.boolean("DEV_AUTH", false), "accept the X-Owner-ID header without a token")
	origins := flags.String("cors-origins", env.str("CORS_ORIGINS", ""), "comma-separated allowed origins")
	flags.DurationVar(&cfg.SchedulerInterval, "scheduler-interval", env.dur("SCHEDULER_INTERVAL", time.Hour), "period expiry interval (0 disables)")
	flags.BoolVar(&cfg.AutoRefund, "scheduler-auto-refund", env.boolean("SCHEDULER_AUTO_REFUND", false), "refund expired periods to the primary account")
	flags.BoolVar(&cfg.AllowOverdraftRecurrent, "allow-overdraft-recurrent", env.boolean("ALLOW_OVERDRAFT_RECURRENT", false), "recurrent pockets may go below zero")
	flags.BoolVar(&cfg.AllowOverdraftShared, "allow-overdraft-shared", env.boolean("ALLOW_OVERDRAFT_SHARED", false), "shared pockets may go below zero")
	flags.IntVar(&cfg.MaxConflictRetries, "max-conflict-retries", env.integer("MAX_CONFLICT_RETRIES", 3), "extra attempts after a write conflict")
	flags.StringVar(&cfg.GeminiAPIKey, "gemini-api-key", env.str("GEMINI_API_KEY", ""), "Gemini API key for receipt extraction")
	flags.StringVar(&cfg.GeminiModel, "gemini-model", env.str("GEMINI_MODEL", "gemini-1.5-flash"), "Gemini model")
	level := flags.String("log-level", env.str("LOG_LEVEL", "info"), "debug, info, warn or error")

	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	if env.err != nil {
		return Config{}, env.err
	}

	for _, o := range strings.Split(*origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(*level)); err != nil {
		return Config{}, fmt.Errorf("log level: %w", err)
	}
	return cfg, cfg.validate()
}

// FromOS is Load over os.Args and os.Getenv.
func FromOS() (Config, error) {
	return Load(os.Args[1:], os.Getenv)
}

func (c Config) validate() error {
	switch c.DBDriver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite3 or pgx, got %q", c.DBDriver)
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.JWTSecret == "" && !c.DevAuth {
		return errors.New("JWT_SECRET is required unless DEV_AUTH is enabled")
	}
	if c.SchedulerInterval < 0 {
		return errors.New("SCHEDULER_INTERVAL must not be negative")
	}
	if c.MaxConflictRetries < 0 {
		return errors.New("MAX_CONFLICT_RETRIES must not be negative")
	}
	return nil
}

// envReader remembers the first malformed variable so Load can report it.
type envReader struct {
	get func(string) string
	err error
}

func (e *envReader) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) integer(key string, def int) int {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(key, raw)
		return def
	}
	return n
}

func (e *envReader) boolean(key string, def bool) bool {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		e.fail(key, raw)
		return def
	}
	return b
}

func (e *envReader) dur(key string, def time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.fail(key, raw)
		return def
	}
	return d
}

func (e *envReader) fail(key, raw string) {
	if e.err == nil {
		e.err = fmt.Errorf("%s: cannot parse %q", key, raw)
	}
}
