package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Device     DeviceConfig     `yaml:"device"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Remote     RemoteConfig     `yaml:"remote"`
	Sync       SyncConfig       `yaml:"sync"`
	Polling    PollingConfig    `yaml:"polling"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// DeviceConfig identifies this device towards the session store.
type DeviceConfig struct {
	ID string `yaml:"id"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// RemoteConfig describes the remote system the queue is replayed against.
type RemoteConfig struct {
	BaseURL        string             `yaml:"base_url"`
	APIKey         string             `yaml:"api_key"`
	APIExtra       string             `yaml:"api_extra"`
	Timeout        time.Duration      `yaml:"timeout"`
	CacheTTL       time.Duration      `yaml:"cache_ttl"`
	HealthInterval time.Duration      `yaml:"health_interval"`
	RateLimit      APIRateLimitConfig `yaml:"rate_limit"`
	Retry          RetryConfig        `yaml:"retry"`
}

type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        float64       `yaml:"jitter"`
}

type SyncConfig struct {
	MaxRetries           int           `yaml:"max_retries"`
	LoginSyncConcurrency int           `yaml:"login_sync_concurrency"`
	RetryInterval        time.Duration `yaml:"retry_interval"`
	DeadLetterKey        string        `yaml:"dead_letter_key"`
	SessionKeyPrefix     string        `yaml:"session_key_prefix"`
}

type PollingConfig struct {
	ActiveInterval     time.Duration `yaml:"active_interval"`
	BackgroundInterval time.Duration `yaml:"background_interval"`
	InitialMode        string        `yaml:"initial_mode"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

// Load reads the YAML file at configPath after loading an optional .env
// file, expanding ${VARS} and applying defaults.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Device.ID == "" {
		return errors.New("device id is required")
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}
	if !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		return fmt.Errorf("remote base_url %q must be http(s)", c.Remote.BaseURL)
	}
	if c.Remote.Retry.Jitter < 0 || c.Remote.Retry.Jitter > 1 {
		return fmt.Errorf("remote retry jitter %v must be within [0, 1]", c.Remote.Retry.Jitter)
	}
	if c.Sync.MaxRetries < 0 {
		return errors.New("sync max_retries must not be negative")
	}
	switch c.Polling.InitialMode {
	case "active", "background", "offline":
	default:
		return fmt.Errorf("unknown polling initial_mode %q", c.Polling.InitialMode)
	}
	if c.API.Enabled && c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api auth is enabled but no api_keys are configured")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "fieldsync"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	// auth enabled by default when API is enabled
	if c.API.Enabled && !c.API.Auth.Enabled {
		c.API.Auth.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}

	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 10 * time.Second
	}
	if c.Remote.HealthInterval == 0 {
		c.Remote.HealthInterval = 30 * time.Second
	}
	if c.Remote.Retry.MaxRetries == 0 {
		c.Remote.Retry.MaxRetries = 2
	}
	if c.Remote.Retry.InitialDelay == 0 {
		c.Remote.Retry.InitialDelay = 500 * time.Millisecond
	}
	if c.Remote.Retry.MaxDelay == 0 {
		c.Remote.Retry.MaxDelay = 5 * time.Second
	}
	if c.Remote.Retry.BackoffFactor == 0 {
		c.Remote.Retry.BackoffFactor = 2
	}

	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Sync.LoginSyncConcurrency == 0 {
		c.Sync.LoginSyncConcurrency = 4
	}
	if c.Sync.DeadLetterKey == "" {
		c.Sync.DeadLetterKey = "fieldsync:deadletter"
	}
	if c.Sync.SessionKeyPrefix == "" {
		c.Sync.SessionKeyPrefix = "fieldsync:session:"
	}

	if c.Polling.ActiveInterval == 0 {
		c.Polling.ActiveInterval = 15 * time.Minute
	}
	if c.Polling.BackgroundInterval == 0 {
		c.Polling.BackgroundInterval = 30 * time.Minute
	}
	if c.Polling.InitialMode == "" {
		c.Polling.InitialMode = "active"
	}

	if c.Backup.Schedule == "" {
		c.Backup.Schedule = "24h"
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
