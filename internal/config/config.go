package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Remote  RemoteConfig  `json:"remote"`
	Engine  EngineConfig  `json:"engine"`
	API     APIConfig     `json:"api"`
	Storage StorageConfig `json:"storage"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`

	mu       sync.RWMutex
	filePath string
}

// RemoteConfig points at the backend testing service (catalog fetch plus
// batch probing).
type RemoteConfig struct {
	BaseURL            string `json:"base_url"`
	TimeoutMs          int    `json:"timeout_ms"`
	UserAgent          string `json:"user_agent"`
	Socks5Proxy        string `json:"socks5_proxy"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
}

type EngineConfig struct {
	BatchSize              int    `json:"batch_size"`
	DefaultSubscriptionURL string `json:"default_subscription_url"`
}

type APIConfig struct {
	Addr               string `json:"addr"`
	APIKeyEnv          string `json:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit"`
	EnableCORS         bool   `json:"enable_cors"`
}

type StorageConfig struct {
	Type string `json:"type"` // "file", "sqlite", "redis"
	Path string `json:"path"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Namespace string `json:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Load reads configuration from a JSON file, applies CONNECTOR_* environment
// overrides, fills defaults and validates. A missing file is not an error:
// defaults plus environment are enough to run.
func Load(filePath string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.filePath = filePath

	// Environment wins over the file, e.g. CONNECTOR_REMOTE_BASEURL.
	if err := envconfig.Process("connector", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	// Set defaults
	if cfg.Remote.BaseURL == "" {
		cfg.Remote.BaseURL = "http://localhost:8001/api"
	}
	if cfg.Remote.TimeoutMs == 0 {
		cfg.Remote.TimeoutMs = 20000
	}
	if cfg.Remote.UserAgent == "" {
		cfg.Remote.UserAgent = "v2ray-connector/1.0"
	}
	if cfg.Engine.BatchSize == 0 {
		cfg.Engine.BatchSize = 50
	}
	if cfg.Engine.DefaultSubscriptionURL == "" {
		cfg.Engine.DefaultSubscriptionURL = "https://raw.githubusercontent.com/barry-far/V2ray-Configs/main/All_Configs_Sub.txt"
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8082"
	}
	if cfg.API.RateLimitPerMinute == 0 {
		cfg.API.RateLimitPerMinute = 600
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "file"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data"
	}
	if cfg.Metrics.Endpoint == "" {
		cfg.Metrics.Endpoint = "/metrics"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "connector"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	globalConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// Reload reloads configuration from file
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newCfg, err := Load(c.filePath)
	if err != nil {
		return err
	}

	c.Remote = newCfg.Remote
	c.Engine = newCfg.Engine
	c.API = newCfg.API
	c.Storage = newCfg.Storage
	c.Metrics = newCfg.Metrics
	c.Logging = newCfg.Logging
	c.filePath = newCfg.filePath
	return nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Engine.BatchSize < 1 || c.Engine.BatchSize > 10000 {
		return fmt.Errorf("batch_size must be between 1 and 10000")
	}
	if c.Remote.TimeoutMs < 100 || c.Remote.TimeoutMs > 300000 {
		return fmt.Errorf("timeout_ms must be between 100 and 300000")
	}
	if !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		return fmt.Errorf("remote base_url must be an http(s) URL")
	}
	if c.Storage.Type != "file" && c.Storage.Type != "sqlite" && c.Storage.Type != "redis" {
		return fmt.Errorf("storage type must be 'file', 'sqlite', or 'redis'")
	}
	return nil
}

// GetGlobal returns global config instance
func GetGlobal() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
