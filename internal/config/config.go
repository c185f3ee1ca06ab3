// Package config loads posync configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns.
type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Store     StoreConfig     `yaml:"store"`
	Session   SessionConfig   `yaml:"session"`
	Sync      SyncConfig      `yaml:"sync"`
	Hydration HydrationConfig `yaml:"hydration"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Server    ServerConfig    `yaml:"server"`
	Backup    BackupConfig    `yaml:"backup"`
	Log       LogConfig       `yaml:"log"`
}

// RemoteConfig contains data service settings.
type RemoteConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// StoreConfig contains local store settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig contains session settings.
type SessionConfig struct {
	Token    string `yaml:"-"` // env-only, never in YAML
	DeviceID string `yaml:"device_id"`
}

// SyncConfig contains mutation queue drain settings.
type SyncConfig struct {
	BackoffMin  Duration `yaml:"backoff_min"`
	BackoffMax  Duration `yaml:"backoff_max"`
	CallTimeout Duration `yaml:"call_timeout"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// HydrationConfig contains hydration settings.
type HydrationConfig struct {
	PageSize      int      `yaml:"page_size"`
	QuickWindow   Duration `yaml:"quick_window"`
	QuickInterval Duration `yaml:"quick_interval"`
	StaleAfter    Duration `yaml:"stale_after"`
}

// MonitorConfig contains network monitor settings.
type MonitorConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// SnapshotConfig contains snapshot cache settings.
type SnapshotConfig struct {
	TTL Duration `yaml:"ttl"`
}

// ProxyConfig contains caching proxy settings.
type ProxyConfig struct {
	Listen         string   `yaml:"listen"`
	Origin         string   `yaml:"origin"`
	CachePath      string   `yaml:"cache_path"`
	Prefix         string   `yaml:"prefix"`
	Version        string   `yaml:"version"`
	Manifest       string   `yaml:"manifest"`
	CommandURL     string   `yaml:"command_url"` // CommandURL канал команд для клиента
	APIPrefixes    []string `yaml:"api_prefixes"`
	SyncTags       []string `yaml:"sync_tags"`
	Precache       []string `yaml:"precache"`
	NetworkTimeout Duration `yaml:"network_timeout"`
	SkipWaiting    bool     `yaml:"skip_waiting"`
}

// ServerConfig contains reference data service settings.
type ServerConfig struct {
	Listen          string   `yaml:"listen"`
	DBPath          string   `yaml:"db_path"`
	JWTSecret       string   `yaml:"-"` // env-only, never in YAML
	TokenTTL        Duration `yaml:"token_ttl"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	DevTokens       bool     `yaml:"dev_tokens"`
}

// BackupConfig contains backup archive settings.
type BackupConfig struct {
	Dir         string `yaml:"dir"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3AccessKey string `yaml:"-"` // env-only
	S3SecretKey string `yaml:"-"` // env-only
	S3UseSSL    bool   `yaml:"s3_use_ssl"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → .env → env vars.
func Load() (*Config, error) {
	// .env не перезаписывает уже выставленные переменные окружения
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := newDefaults()

	configPath := getEnv("POSYNC_CONFIG", "posync.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Remote: RemoteConfig{
			URL:     "http://localhost:8080",
			Timeout: Duration(30 * time.Second),
		},
		Store: StoreConfig{
			Path: "posync.db",
		},
		Sync: SyncConfig{
			BackoffMin:  Duration(time.Second),
			BackoffMax:  Duration(5 * time.Minute),
			CallTimeout: Duration(30 * time.Second),
			MaxAttempts: 10,
		},
		Hydration: HydrationConfig{
			PageSize:      500,
			QuickWindow:   Duration(time.Hour),
			QuickInterval: Duration(5 * time.Minute),
			StaleAfter:    Duration(24 * time.Hour),
		},
		Monitor: MonitorConfig{
			Interval: Duration(15 * time.Second),
			Timeout:  Duration(5 * time.Second),
		},
		Snapshot: SnapshotConfig{
			TTL: Duration(5 * time.Minute),
		},
		Proxy: ProxyConfig{
			Listen:         ":8090",
			Origin:         "http://localhost:3000",
			CachePath:      "posync-cache.db",
			Prefix:         "posync",
			Version:        "v1",
			APIPrefixes:    []string{"/rest/v1/"},
			SyncTags:       []string{"sync-orders", "sync-queue"},
			NetworkTimeout: Duration(10 * time.Second),
		},
		Server: ServerConfig{
			Listen:          ":8080",
			DBPath:          "posync-server.db",
			TokenTTL:        Duration(24 * time.Hour),
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Backup: BackupConfig{
			Dir: "backups",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies POSYNC_* environment variables.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Remote
	setString(&cfg.Remote.URL, "POSYNC_REMOTE_URL")
	setDuration(&cfg.Remote.Timeout, "POSYNC_REMOTE_TIMEOUT")

	// Store & session
	setString(&cfg.Store.Path, "POSYNC_STORE_PATH")
	setString(&cfg.Session.Token, "POSYNC_TOKEN")
	setString(&cfg.Session.DeviceID, "POSYNC_DEVICE_ID")

	// Sync
	setDuration(&cfg.Sync.BackoffMin, "POSYNC_SYNC_BACKOFF_MIN")
	setDuration(&cfg.Sync.BackoffMax, "POSYNC_SYNC_BACKOFF_MAX")
	setDuration(&cfg.Sync.CallTimeout, "POSYNC_SYNC_CALL_TIMEOUT")
	setInt(&cfg.Sync.MaxAttempts, "POSYNC_SYNC_MAX_ATTEMPTS")

	// Hydration
	setInt(&cfg.Hydration.PageSize, "POSYNC_HYDRATION_PAGE_SIZE")
	setDuration(&cfg.Hydration.QuickWindow, "POSYNC_HYDRATION_QUICK_WINDOW")
	setDuration(&cfg.Hydration.QuickInterval, "POSYNC_HYDRATION_QUICK_INTERVAL")
	setDuration(&cfg.Hydration.StaleAfter, "POSYNC_HYDRATION_STALE_AFTER")

	// Monitor & snapshot
	setDuration(&cfg.Monitor.Interval, "POSYNC_MONITOR_INTERVAL")
	setDuration(&cfg.Monitor.Timeout, "POSYNC_MONITOR_TIMEOUT")
	setDuration(&cfg.Snapshot.TTL, "POSYNC_SNAPSHOT_TTL")

	// Proxy
	setString(&cfg.Proxy.Listen, "POSYNC_PROXY_LISTEN")
	setString(&cfg.Proxy.Origin, "POSYNC_PROXY_ORIGIN")
	setString(&cfg.Proxy.CachePath, "POSYNC_PROXY_CACHE_PATH")
	setString(&cfg.Proxy.Version, "POSYNC_PROXY_VERSION")
	setString(&cfg.Proxy.Manifest, "POSYNC_PROXY_MANIFEST")
	setString(&cfg.Proxy.CommandURL, "POSYNC_PROXY_COMMAND_URL")
	setBool(&cfg.Proxy.SkipWaiting, "POSYNC_PROXY_SKIP_WAITING")
	if v := os.Getenv("POSYNC_PROXY_API_PREFIXES"); v != "" {
		cfg.Proxy.APIPrefixes = splitList(v)
	}

	// Server
	setString(&cfg.Server.Listen, "POSYNC_SERVER_LISTEN")
	setString(&cfg.Server.DBPath, "POSYNC_SERVER_DB_PATH")
	setString(&cfg.Server.JWTSecret, "POSYNC_JWT_SECRET")
	setDuration(&cfg.Server.TokenTTL, "POSYNC_SERVER_TOKEN_TTL")
	setBool(&cfg.Server.DevTokens, "POSYNC_SERVER_DEV_TOKENS")

	// Backup
	setString(&cfg.Backup.Dir, "POSYNC_BACKUP_DIR")
	setString(&cfg.Backup.S3Endpoint, "POSYNC_S3_ENDPOINT")
	setString(&cfg.Backup.S3Bucket, "POSYNC_S3_BUCKET")
	setString(&cfg.Backup.S3Region, "POSYNC_S3_REGION")
	setString(&cfg.Backup.S3AccessKey, "POSYNC_S3_ACCESS_KEY")
	setString(&cfg.Backup.S3SecretKey, "POSYNC_S3_SECRET_KEY")
	setBool(&cfg.Backup.S3UseSSL, "POSYNC_S3_USE_SSL")

	// Log
	setString(&cfg.Log.Level, "POSYNC_LOG_LEVEL")
	setString(&cfg.Log.Format, "POSYNC_LOG_FORMAT")
	setString(&cfg.Log.File, "POSYNC_LOG_FILE")
}

// validate checks that configuration values are usable.
func (c *Config) validate() error {
	if c.Sync.MaxAttempts < 1 {
		return errors.New("sync.max_attempts must be positive")
	}
	if c.Sync.BackoffMin.D() <= 0 || c.Sync.BackoffMax.D() < c.Sync.BackoffMin.D() {
		return errors.New("sync backoff must satisfy 0 < backoff_min <= backoff_max")
	}
	if c.Hydration.PageSize < 1 {
		return errors.New("hydration.page_size must be positive")
	}
	if c.Snapshot.TTL.D() <= 0 {
		return errors.New("snapshot.ttl must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
