package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for marksync.
type Config struct {
	// Collection toggles. At least one must be true.
	EnableBookmarks   bool `env:"ENABLE_BOOKMARKS" envDefault:"true"`
	EnableReadingList bool `env:"ENABLE_READING_LIST" envDefault:"false"`

	// Sync server host for the bookmarks collection, e.g. "sync.example.com"
	// or a full "wss://" URL. Required when bookmarks are enabled.
	Server string `env:"SYNC_SERVER"`

	// Account name this client syncs as.
	Account string `env:"SYNC_ACCOUNT"`

	// Secret the payload keys are derived from. Never sent to the server;
	// only its derived key hash is. Required when bookmarks are enabled.
	Secret string `env:"SYNC_SECRET"`

	// Base URL of the reading-list API. Required when the reading list
	// is enabled.
	ReadingListURL string `env:"READING_LIST_URL"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Path of the places database. When empty it defaults to
	// ~/.marksync/places.db.
	DatabasePath string `env:"MARKSYNC_DB"`

	// Path of the sync-state database (clean-record tracker, cursors).
	// When empty it defaults to state.db next to the places database.
	StatePath string `env:"MARKSYNC_STATE"`

	// Interval between sync passes in daemon mode. Zero means run a single
	// pass and exit.
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"15m"`

	// WatchDatabase triggers an early pass when the places database
	// changes between intervals. Only meaningful in daemon mode.
	WatchDatabase bool `env:"WATCH_DB" envDefault:"true"`

	// Batch sizes for applying server records locally.
	InsertFlushThreshold int `env:"INSERT_FLUSH_THRESHOLD" envDefault:"50"`
	DeleteFlushThreshold int `env:"DELETE_FLUSH_THRESHOLD" envDefault:"50"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Log verbosity: debug, info, warn or error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// When set, logs go to this file with rotation instead of stderr.
	LogFile string `env:"LOG_FILE"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "marksync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.DatabasePath == "" {
		defaultPath, err := defaultDatabasePath()
		if err != nil {
			return nil, err
		}

		cfg.DatabasePath = defaultPath
	}

	// Resolve paths to absolute at startup. The database watcher compares
	// event paths against the configured path by string, which only works
	// reliably with absolute paths.
	absDB, err := filepath.Abs(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("resolving database path: %w", err)
	}

	cfg.DatabasePath = absDB

	if cfg.StatePath == "" {
		cfg.StatePath = filepath.Join(filepath.Dir(cfg.DatabasePath), "state.db")
	}

	absState, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path: %w", err)
	}

	cfg.StatePath = absState

	return cfg, nil
}

func (c *Config) validate() error {
	if !c.EnableBookmarks && !c.EnableReadingList {
		return fmt.Errorf("at least one of ENABLE_BOOKMARKS or ENABLE_READING_LIST must be true")
	}

	if c.Account == "" {
		return fmt.Errorf("SYNC_ACCOUNT is required")
	}

	if c.EnableBookmarks {
		if c.Server == "" {
			return fmt.Errorf("SYNC_SERVER is required when bookmarks are enabled")
		}

		if c.Secret == "" {
			return fmt.Errorf("SYNC_SECRET is required when bookmarks are enabled")
		}
	}

	if c.EnableReadingList && c.ReadingListURL == "" {
		return fmt.Errorf("READING_LIST_URL is required when the reading list is enabled")
	}

	if c.SyncInterval < 0 {
		return fmt.Errorf("SYNC_INTERVAL must not be negative")
	}

	if c.InsertFlushThreshold < 1 {
		return fmt.Errorf("INSERT_FLUSH_THRESHOLD must be at least 1")
	}

	if c.DeleteFlushThreshold < 1 {
		return fmt.Errorf("DELETE_FLUSH_THRESHOLD must be at least 1")
	}

	return nil
}

// defaultDatabasePath returns the default places database location:
// ~/.marksync/places.db
func defaultDatabasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".marksync", "places.db"), nil
}

// Daemon returns true when the client should keep running between passes.
func (c *Config) Daemon() bool {
	return c.SyncInterval > 0
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
