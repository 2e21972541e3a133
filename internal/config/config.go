// Package config loads process configuration from the environment.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the wallet/market-data core.
type Config struct {
	// DataDir is the directory holding the SQLite database files.
	DataDir string

	Port     int
	LogLevel string
	DevMode  bool

	// QuoteServiceURL is the base URL of the market-data service consumed
	// by internal/quoteclient.
	QuoteServiceURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// IngestLockTTLSeconds is the TTL applied to the distributed ingestion lock.
	IngestLockTTLSeconds int
	// QuoteCacheTTLSeconds is the TTL applied to quote-cache hash keys.
	QuoteCacheTTLSeconds int

	// S3 snapshot archive settings (Cloudflare R2 or any S3-compatible endpoint).
	S3AccountID  string
	S3AccessKey  string
	S3SecretKey  string
	S3Bucket     string
	S3ArchiveDir string

	// SchedulerWorkers is the number of worker goroutines draining the job queue.
	SchedulerWorkers int
	// SchedulerMaxMemoryMB bounds the process's resident memory as sampled by
	// the worker pool; there is no per-worker limit. While the process is over
	// it, each worker logs a warning and pauses before its next pickup.
	SchedulerMaxMemoryMB int

	// MarketSourceURLTemplate builds a market's HTML-table listing URL from
	// its MIC via fmt.Sprintf(template, mic). Ingestion tasks for a market
	// are only scheduled once this is set.
	MarketSourceURLTemplate string

	// AccountEncryptionKey is the 32-byte AES-256 key (base64-encoded in the
	// environment) internal/security uses to seal account numbers and IBANs.
	AccountEncryptionKey []byte
}

// Load reads configuration from environment variables, optionally loading a
// .env file first. An optional CLI-provided data directory takes precedence
// over TRADER_DATA_DIR/DATA_DIR.
func Load(dataDirFlag ...string) (*Config, error) {
	// Ignore a missing .env file; environment variables already set win.
	_ = godotenv.Load()

	dataDir := ""
	if len(dataDirFlag) > 0 && dataDirFlag[0] != "" {
		dataDir = dataDirFlag[0]
	} else if v := os.Getenv("TRADER_DATA_DIR"); v != "" {
		dataDir = v
	} else if v := os.Getenv("DATA_DIR"); v != "" {
		dataDir = v
	} else {
		dataDir = "/home/arduino/data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:              absDataDir,
		Port:                 envInt("PORT", 8001),
		LogLevel:             envString("LOG_LEVEL", "info"),
		DevMode:              envBool("DEV_MODE", false),
		QuoteServiceURL:      envString("QUOTE_SERVICE_URL", "http://localhost:9000"),
		RedisAddr:            envString("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        envString("REDIS_PASSWORD", ""),
		RedisDB:              envInt("REDIS_DB", 0),
		IngestLockTTLSeconds: envInt("INGEST_LOCK_TTL_SECONDS", 13*60),
		QuoteCacheTTLSeconds: envInt("QUOTE_CACHE_TTL_SECONDS", 3600),
		S3AccountID:          envString("S3_ACCOUNT_ID", ""),
		S3AccessKey:          envString("S3_ACCESS_KEY", ""),
		S3SecretKey:          envString("S3_SECRET_KEY", ""),
		S3Bucket:             envString("S3_BUCKET", ""),
		S3ArchiveDir:         envString("S3_ARCHIVE_PREFIX", "snapshots"),
		SchedulerWorkers:        envInt("SCHEDULER_WORKERS", 4),
		SchedulerMaxMemoryMB:    envInt("SCHEDULER_MAX_MEMORY_MB", 512),
		MarketSourceURLTemplate: envString("MARKET_SOURCE_URL_TEMPLATE", ""),
	}

	key, err := encryptionKey()
	if err != nil {
		return nil, err
	}
	cfg.AccountEncryptionKey = key

	return cfg, nil
}

// encryptionKey reads ACCOUNT_ENCRYPTION_KEY as base64. In dev mode, a
// missing key falls back to a fixed development key so the server can run
// without extra setup; production deployments must set the variable.
func encryptionKey() ([]byte, error) {
	raw := os.Getenv("ACCOUNT_ENCRYPTION_KEY")
	if raw == "" {
		if envBool("DEV_MODE", false) {
			return []byte("dev-mode-insecure-32-byte-key!!!"), nil
		}
		return nil, fmt.Errorf("ACCOUNT_ENCRYPTION_KEY is required outside DEV_MODE")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("ACCOUNT_ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("ACCOUNT_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v == "1" || v == "true" || v == "yes"
}
