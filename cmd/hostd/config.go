package main

import (
	"fmt"
	"os"
	"time"

	"hostbox/internal/ai"
	"hostbox/internal/common/cache"
	"hostbox/internal/common/db"
	"hostbox/internal/common/mq"
	"hostbox/internal/common/storage"
	"hostbox/internal/host/service"
	"hostbox/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxUploadBytes  = 60 << 20
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	MaxUploadBytes int64         `yaml:"maxUploadBytes"`
}

// AuthConfig holds tenant token settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	JWTIssuer string `yaml:"jwtIssuer"`
}

// EventsConfig holds audit/notification topic settings.
type EventsConfig struct {
	AuditTopic  string `yaml:"auditTopic"`
	NotifyTopic string `yaml:"notifyTopic"`
}

// AppConfig holds hostd config.
type AppConfig struct {
	Server ServerConfig        `yaml:"server"`
	Logger logger.Config       `yaml:"logger"`
	Auth   AuthConfig          `yaml:"auth"`
	Host   service.Config      `yaml:"host"`
	AI     ai.ClientConfig     `yaml:"ai"`
	Redis  cache.RedisConfig   `yaml:"redis"`
	Kafka  mq.KafkaConfig      `yaml:"kafka"`
	MySQL  db.MySQLConfig      `yaml:"database"`
	MinIO  storage.MinIOConfig `yaml:"minio"`
	Events EventsConfig        `yaml:"events"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth jwt secret is required")
	}
	if cfg.AI.APIKey == "" {
		return nil, fmt.Errorf("ai api key is required")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		cfg.Server.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.Events.AuditTopic == "" {
		cfg.Events.AuditTopic = "hostbox.audit"
	}
	if cfg.Events.NotifyTopic == "" {
		cfg.Events.NotifyTopic = "hostbox.notify"
	}
	applyRedisDefaults(&cfg.Redis)
	return &cfg, nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
}
