// Package config loads the settings recognized by spec.md §6's
// Configuration table, the way every teacher main() loads its .env:
// godotenv.Load() followed by os.Getenv reads, failing fast on anything
// required that is missing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything cmd/cdc-reader needs to start a reader.
type Config struct {
	Host     string
	Port     uint16
	User     string
	Password string

	ServerID  uint32
	KeepAlive bool

	ConnectTimeout time.Duration

	IncludeSchemaChanges bool

	// OffsetDSN/HistoryDSN point at the database backing
	// internal/store's offset and schema-history tables. They may share
	// a DSN with the replicated server or point elsewhere.
	OffsetDSN  string
	HistoryDSN string

	// HistoryArchiveDir holds the zstd-compressed archive blobs written by
	// periodic schema-history compaction; HistoryRetainEntries is how many
	// of the most recent history rows CompactBefore leaves live, and
	// HistoryCompactInterval is how often compaction runs.
	HistoryArchiveDir      string
	HistoryRetainEntries   int
	HistoryCompactInterval time.Duration

	LogFilePath string
}

// Load reads .env (if present — a missing file is not an error, matching
// godotenv's own convention for optional overrides) and then the
// environment, validating every option spec.md §6 calls required.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	cfg.Host = getEnvDefault("CDC_HOSTNAME", "127.0.0.1")
	cfg.User = os.Getenv("CDC_USER")
	if cfg.User == "" {
		return Config{}, fmt.Errorf("config: CDC_USER not set")
	}
	cfg.Password = os.Getenv("CDC_PASSWORD")
	if cfg.Password == "" {
		return Config{}, fmt.Errorf("config: CDC_PASSWORD not set")
	}

	port, err := parseUintEnv("CDC_PORT", 3306)
	if err != nil {
		return Config{}, err
	}
	cfg.Port = uint16(port)

	serverID, err := parseUintEnv("CDC_SERVER_ID", 0)
	if err != nil {
		return Config{}, err
	}
	if serverID == 0 {
		return Config{}, fmt.Errorf("config: CDC_SERVER_ID not set")
	}
	cfg.ServerID = uint32(serverID)

	cfg.KeepAlive = getEnvBool("CDC_KEEP_ALIVE", true)

	timeoutMS, err := parseUintEnv("CDC_CONNECT_TIMEOUT_MS", 5000)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout = time.Duration(timeoutMS) * time.Millisecond

	cfg.IncludeSchemaChanges = getEnvBool("CDC_INCLUDE_SCHEMA_CHANGES", true)

	cfg.OffsetDSN = os.Getenv("CDC_OFFSET_DSN")
	if cfg.OffsetDSN == "" {
		return Config{}, fmt.Errorf("config: CDC_OFFSET_DSN not set")
	}
	cfg.HistoryDSN = getEnvDefault("CDC_HISTORY_DSN", cfg.OffsetDSN)

	cfg.HistoryArchiveDir = getEnvDefault("CDC_HISTORY_ARCHIVE_DIR", "history-archive")
	retain, err := parseUintEnv("CDC_HISTORY_RETAIN_ENTRIES", 10000)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryRetainEntries = int(retain)
	compactMinutes, err := parseUintEnv("CDC_HISTORY_COMPACT_INTERVAL_MIN", 60)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryCompactInterval = time.Duration(compactMinutes) * time.Minute

	cfg.LogFilePath = getEnvDefault("CDC_LOG_FILE", "cdc-reader.log")

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseUintEnv(key string, def uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}
