package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the relay and its clients.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Collab      CollabConfig              `json:"collab" yaml:"collab"`
	Discovery   DiscoveryConfig           `json:"discovery" yaml:"discovery"`
}

type BasicConfig struct {
	ServerAddress     string   `json:"server_address" yaml:"server_address"`
	MinWorkers        int      `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int      `json:"max_workers" yaml:"max_workers"`
	QueueSize         int      `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout int      `json:"worker_idle_timeout" yaml:"worker_idle_timeout"` // minutes
	HostTokenTTL      int      `json:"host_token_ttl" yaml:"host_token_ttl"`           // hours
	AllowedOrigins    []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// DatabaseConfig holds either a DSN (sqlite, postgres) or discrete
// connection fields (mysql, postgres).
type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// CollabConfig tunes client coordinators. A negative cursor interval
// disables throttling.
type CollabConfig struct {
	CursorIntervalMS     int `json:"cursor_interval_ms" yaml:"cursor_interval_ms"`
	IdleThresholdSeconds int `json:"idle_threshold_seconds" yaml:"idle_threshold_seconds"`
	JoinTimeoutSeconds   int `json:"join_timeout_seconds" yaml:"join_timeout_seconds"`
}

type DiscoveryConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Instance string `json:"instance" yaml:"instance"`
}

const (
	defaultServerAddress = ":8090"
	defaultMinWorkers    = 2
	defaultMaxWorkers    = 8
	defaultQueueSize     = 256
	defaultCursorMS      = 50
	defaultIdleSeconds   = 60
)

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	for _, name := range []string{"sqlite", "sqlite3"} {
		db, ok := cfg.Databases[name]
		if !ok || db.DSN == "" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") {
			continue
		}
		if !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = defaultServerAddress
	}
	if c.BasicConfig.MinWorkers <= 0 {
		c.BasicConfig.MinWorkers = defaultMinWorkers
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		c.BasicConfig.MaxWorkers = defaultMaxWorkers
		if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
			c.BasicConfig.MaxWorkers = c.BasicConfig.MinWorkers
		}
	}
	if c.BasicConfig.QueueSize <= 0 {
		c.BasicConfig.QueueSize = defaultQueueSize
	}
	if c.Collab.CursorIntervalMS < 0 {
		c.Collab.CursorIntervalMS = 0
	} else if c.Collab.CursorIntervalMS == 0 {
		c.Collab.CursorIntervalMS = defaultCursorMS
	}
	if c.Collab.IdleThresholdSeconds <= 0 {
		c.Collab.IdleThresholdSeconds = defaultIdleSeconds
	}
}

// CursorInterval is the minimum spacing between outgoing cursor updates.
func (c CollabConfig) CursorInterval() time.Duration {
	return time.Duration(c.CursorIntervalMS) * time.Millisecond
}

func (c CollabConfig) IdleThreshold() time.Duration {
	return time.Duration(c.IdleThresholdSeconds) * time.Second
}

// JoinTimeout returns zero when joins are bounded only by the caller.
func (c CollabConfig) JoinTimeout() time.Duration {
	return time.Duration(c.JoinTimeoutSeconds) * time.Second
}
