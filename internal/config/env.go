package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultPort          = 8889
	DefaultHost          = "127.0.0.1"
	DefaultRetentionDays = 30
	DefaultRedisStream   = "pai:events"
	DefaultRedisMaxLen   = 10000
)

// Config is the server's runtime configuration, read from the environment.
type Config struct {
	Port          int
	Host          string
	Enabled       bool
	DBPath        string
	// DBReaders and DBBusyTimeout are left to the store's defaults when zero.
	DBReaders     int
	DBBusyTimeout time.Duration
	RetentionDays int
	LogLevel      slog.Level
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisMaxLen   int
	OTel          bool
}

func (c Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// BaseURL is where a local emitter should post events.
func (c Config) BaseURL() string {
	host := c.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "http://" + host + ":" + strconv.Itoa(c.Port)
}

// LoadEnvFile loads KEY=VALUE pairs from path without overriding variables
// that are already set. A missing file is not an error when optional is true.
func LoadEnvFile(path string, optional bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func Load() Config {
	cfg := Config{
		Port:          ParseIntEnv("PAI_OBSERVABILITY_PORT", DefaultPort),
		Host:          strings.TrimSpace(os.Getenv("PAI_OBSERVABILITY_HOST")),
		Enabled:       ParseBoolString(os.Getenv("PAI_OBSERVABILITY_ENABLED"), true),
		DBPath:        strings.TrimSpace(os.Getenv("PAI_OBSERVABILITY_DB_PATH")),
		DBReaders:     ParseIntEnv("PAI_OBSERVABILITY_DB_READERS", 0),
		DBBusyTimeout: time.Duration(ParseIntEnv("PAI_OBSERVABILITY_DB_BUSY_TIMEOUT_MS", 0)) * time.Millisecond,
		RetentionDays: ParseIntEnv("PAI_OBSERVABILITY_RETENTION_DAYS", DefaultRetentionDays),
		LogLevel:      ParseLevel(os.Getenv("PAI_OBSERVABILITY_LOG_LEVEL")),
		RedisAddr:     strings.TrimSpace(os.Getenv("PAI_OBSERVABILITY_REDIS_ADDR")),
		RedisPassword: os.Getenv("PAI_OBSERVABILITY_REDIS_PASSWORD"),
		RedisDB:       ParseIntEnv("PAI_OBSERVABILITY_REDIS_DB", 0),
		RedisStream:   strings.TrimSpace(os.Getenv("PAI_OBSERVABILITY_REDIS_STREAM")),
		RedisMaxLen:   ParseIntEnv("PAI_OBSERVABILITY_REDIS_MAXLEN", DefaultRedisMaxLen),
		OTel:          ParseBoolString(os.Getenv("PAI_OBSERVABILITY_OTEL"), false),
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = DefaultPort
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	if cfg.DBReaders < 0 {
		cfg.DBReaders = 0
	}
	if cfg.DBBusyTimeout < 0 {
		cfg.DBBusyTimeout = 0
	}
	if cfg.RedisDB < 0 {
		cfg.RedisDB = 0
	}
	if cfg.RetentionDays < 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.RedisStream == "" {
		cfg.RedisStream = DefaultRedisStream
	}
	if cfg.RedisMaxLen <= 0 {
		cfg.RedisMaxLen = DefaultRedisMaxLen
	}
	return cfg
}

// DefaultDBPath is $OPENCODE_DIR/observability-server/data/events.db, with
// OPENCODE_DIR defaulting to ~/.opencode.
func DefaultDBPath() string {
	root := strings.TrimSpace(os.Getenv("OPENCODE_DIR"))
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		root = filepath.Join(home, ".opencode")
	}
	return filepath.Join(root, "observability-server", "data", "events.db")
}

func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ParseIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func ParseBoolString(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
