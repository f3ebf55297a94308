package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DataDirName is the per-workspace data directory.
const DataDirName = ".offboard"

// Config holds all runtime settings for the queue, daemon, and dashboard.
type Config struct {
	// DBPath is the SQLite queue database, relative to the data dir
	// unless absolute.
	DBPath string `mapstructure:"db_path"`

	// SpoolDir is where external tooling drops mutation JSON files for
	// the daemon to ingest.
	SpoolDir string `mapstructure:"spool_dir"`

	// FlushWindow is the batching coordinator's collection window.
	FlushWindow time.Duration `mapstructure:"flush_window"`

	// SyncInterval is how often the daemon runs a sync pass over every
	// queue.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// DebounceInterval is how long the daemon waits before ingesting
	// spool file changes, batching rapid writes together.
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`

	// RemoteURL is the endpoint mutations are synced to. Empty means no
	// remote is configured; sync passes then use the accept-all dev syncer.
	RemoteURL string `mapstructure:"remote_url"`

	// DashboardPort is the websocket dashboard listen port.
	DashboardPort int `mapstructure:"dashboard_port"`

	// LogFile is the daemon's rotating log file, relative to the data
	// dir unless absolute. Empty means stderr.
	LogFile string `mapstructure:"log_file"`

	// LogMaxSizeMB and LogMaxBackups control log rotation.
	LogMaxSizeMB  int `mapstructure:"log_max_size_mb"`
	LogMaxBackups int `mapstructure:"log_max_backups"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DBPath:           "queue.db",
		SpoolDir:         "spool",
		FlushWindow:      10 * time.Millisecond,
		SyncInterval:     5 * time.Second,
		DebounceInterval: 100 * time.Millisecond,
		DashboardPort:    8377,
		LogFile:          "daemon.log",
		LogMaxSizeMB:     10,
		LogMaxBackups:    3,
	}
}

// Load reads config.yaml from the given data directory, if present, and
// applies OFFBOARD_* environment overrides on top of the defaults.
func Load(dataDir string) (*Config, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault("db_path", defaults.DBPath)
	v.SetDefault("spool_dir", defaults.SpoolDir)
	v.SetDefault("flush_window", defaults.FlushWindow)
	v.SetDefault("sync_interval", defaults.SyncInterval)
	v.SetDefault("debounce_interval", defaults.DebounceInterval)
	v.SetDefault("remote_url", defaults.RemoteURL)
	v.SetDefault("dashboard_port", defaults.DashboardPort)
	v.SetDefault("log_file", defaults.LogFile)
	v.SetDefault("log_max_size_mb", defaults.LogMaxSizeMB)
	v.SetDefault("log_max_backups", defaults.LogMaxBackups)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)

	v.SetEnvPrefix("OFFBOARD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.FlushWindow <= 0 {
		return nil, fmt.Errorf("flush_window must be positive, got %s", cfg.FlushWindow)
	}
	if cfg.SyncInterval <= 0 {
		return nil, fmt.Errorf("sync_interval must be positive, got %s", cfg.SyncInterval)
	}
	if cfg.DebounceInterval <= 0 {
		return nil, fmt.Errorf("debounce_interval must be positive, got %s", cfg.DebounceInterval)
	}
	if cfg.DashboardPort <= 0 || cfg.DashboardPort > 65535 {
		return nil, fmt.Errorf("dashboard_port must be in 1..65535, got %d", cfg.DashboardPort)
	}

	return &cfg, nil
}

// ResolvePath anchors a configured path under the data directory.
// Absolute paths pass through unchanged.
func ResolvePath(dataDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dataDir, path)
}

// FindDataDir walks up from startDir looking for a .offboard directory.
// Returns the data directory path, or an error if none is found before
// the filesystem root.
func FindDataDir(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", startDir, err)
	}

	for {
		candidate := filepath.Join(dir, DataDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s directory found from %s upward", DataDirName, startDir)
		}
		dir = parent
	}
}

// InitDataDir creates the data directory layout under parentDir: the
// .offboard directory and its spool subdirectory. It is safe to call on
// an existing workspace.
func InitDataDir(parentDir string) (string, error) {
	dataDir := filepath.Join(parentDir, DataDirName)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, Default().SpoolDir), 0755); err != nil {
		return "", fmt.Errorf("failed to create spool directory: %w", err)
	}
	return dataDir, nil
}

// LogWriter returns the daemon log destination for the given data dir:
// a size-rotated file when cfg.LogFile is set, stderr otherwise.
func (c *Config) LogWriter(dataDir string) io.Writer {
	if c.LogFile == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   ResolvePath(dataDir, c.LogFile),
		MaxSize:    c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
	}
}
