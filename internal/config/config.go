package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/mongo-backup/internal/scheduler"
)

// LocalConfigName is looked up in the working directory and its parents
const LocalConfigName = ".mongo-backup.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Mongo         MongoConfig         `toml:"mongo"`
	Storage       StorageConfig       `toml:"storage"`
	Schedule      ScheduleConfig      `toml:"schedule"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	BackupRoot         string `toml:"backup_root"`
	HistoryPath        string `toml:"history_path"`
	MaxParallelExports int    `toml:"max_parallel_exports"`
	LogLevel           string `toml:"log_level"`
}

// MongoConfig holds database connection settings
type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
	Timeout  string `toml:"timeout"`
}

// StorageConfig holds object storage settings
type StorageConfig struct {
	Bucket       string `toml:"bucket"`
	Region       string `toml:"region"`
	Endpoint     string `toml:"endpoint"`
	AccessKey    string `toml:"access_key"`
	SecretKey    string `toml:"secret_key"`
	KeyPrefix    string `toml:"key_prefix"`
	UsePathStyle bool   `toml:"use_path_style"`
}

// ScheduleConfig holds the backup trigger settings
type ScheduleConfig struct {
	Cron        string `toml:"cron"`
	MaxDuration string `toml:"max_duration"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			BackupRoot:         "backups",
			HistoryPath:        filepath.Join(home, ".mongo-backup", "history.db"),
			MaxParallelExports: 4,
			LogLevel:           "info",
		},
		Mongo: MongoConfig{
			Timeout: "30s",
		},
		Storage: StorageConfig{
			KeyPrefix: "backups",
		},
		Schedule: ScheduleConfig{
			Cron:        "0 2 * * 0", // Sundays at 02:00
			MaxDuration: "4h",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults, and
// applies environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.Getenv)

	// Expand paths
	cfg.General.BackupRoot = ExpandPath(cfg.General.BackupRoot)
	cfg.General.HistoryPath = ExpandPath(cfg.General.HistoryPath)

	return cfg, nil
}

// LoadWithLocalFallback loads path when given, else a local config found by
// FindLocalConfig, else the default config location
func LoadWithLocalFallback(path string) (*Config, error) {
	if path == "" {
		path = FindLocalConfig()
	}
	if path == "" {
		path = DefaultConfigPath()
	}
	return Load(path)
}

// ApplyEnv overrides settings with the environment variables the deployment
// already provides
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Mongo.URI, "MONGO_URI")
	set(&c.Storage.Bucket, "AWS_BUCKET_NAME")
	set(&c.Storage.Region, "AWS_REGION")
	set(&c.Storage.AccessKey, "AWS_ACCESS_KEY_ID")
	set(&c.Storage.SecretKey, "AWS_SECRET_ACCESS_KEY")
	set(&c.Storage.Endpoint, "AWS_ENDPOINT_URL")
}

// Validate checks the settings a backup run needs
func (c *Config) Validate() error {
	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo uri is required (set mongo.uri or MONGO_URI)")
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket is required (set storage.bucket or AWS_BUCKET_NAME)")
	}
	if c.General.BackupRoot == "" {
		return fmt.Errorf("general.backup_root is required")
	}
	if c.General.MaxParallelExports <= 0 {
		return fmt.Errorf("general.max_parallel_exports must be positive, got %d", c.General.MaxParallelExports)
	}
	if _, err := c.MongoTimeout(); err != nil {
		return err
	}
	if _, err := c.MaxRunDuration(); err != nil {
		return err
	}
	if _, err := scheduler.ParseCron(c.Schedule.Cron); err != nil {
		return fmt.Errorf("invalid schedule.cron: %w", err)
	}
	return nil
}

// MongoTimeout returns the dial timeout; zero means the driver default
func (c *Config) MongoTimeout() (time.Duration, error) {
	return parseDuration("mongo.timeout", c.Mongo.Timeout)
}

// MaxRunDuration returns the limit for a scheduled run; zero means none
func (c *Config) MaxRunDuration() (time.Duration, error) {
	return parseDuration("schedule.max_duration", c.Schedule.MaxDuration)
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: negative duration %s", name, value)
	}
	return d, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "mongo-backup", "config.toml")
}

// FindLocalConfig walks up from the working directory looking for
// LocalConfigName and returns its path, or "" if there is none
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
