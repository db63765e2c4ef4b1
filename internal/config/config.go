package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string

	Store      StoreConfig
	Auth       AuthConfig
	Realtime   RealtimeConfig
	RabbitMQ   RabbitMQConfig
	ClickHouse ClickHouseConfig
	Audit      AuditConfig
}

type StoreConfig struct {
	Driver   string // postgres | memory
	DBSource string
	// Delivered notifications older than this are purged.
	Retention time.Duration
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type RealtimeConfig struct {
	SendBuffer    int
	ReplayTimeout time.Duration
}

// RabbitMQConfig is shared by the transfer event publisher and the audit
// consumer. An empty URL disables publishing.
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

type ClickHouseConfig struct {
	Host     string
	Database string
	User     string
	Password string
}

type AuditConfig struct {
	Queue string
	Port  string
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Load reads the relay server configuration.
func Load() (*Config, error) {
	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}

	switch cfg.Store.Driver {
	case DriverPostgres:
		if cfg.Store.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Store.Driver)
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	return cfg, nil
}

// LoadAuditor reads the audit consumer configuration.
func LoadAuditor() (*Config, error) {
	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL environment variable is required")
	}
	return cfg, nil
}

func fromEnv() (*Config, error) {
	tokenTTL, err := getEnvDuration("JWT_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	replayTimeout, err := getEnvDuration("REPLAY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	retention, err := getEnvDuration("NOTIFICATION_RETENTION", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}
	sendBuffer, err := strconv.Atoi(getEnv("WS_SEND_BUFFER", "64"))
	if err != nil || sendBuffer <= 0 {
		return nil, fmt.Errorf("WS_SEND_BUFFER must be a positive integer")
	}

	return &Config{
		Port:     getEnv("SERVER_PORT", "8080"),
		Env:      getEnv("ENVIRONMENT", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Store: StoreConfig{
			Driver:    getEnv("STORE_DRIVER", DriverPostgres),
			DBSource:  os.Getenv("DB_SOURCE"),
			Retention: retention,
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			TokenTTL:  tokenTTL,
		},
		Realtime: RealtimeConfig{
			SendBuffer:    sendBuffer,
			ReplayTimeout: replayTimeout,
		},
		RabbitMQ: RabbitMQConfig{
			URL:      os.Getenv("RABBITMQ_URL"),
			Exchange: getEnv("RABBITMQ_EXCHANGE", "vcard.transfers"),
		},
		ClickHouse: ClickHouseConfig{
			Host:     getEnv("CLICKHOUSE_HOST", "localhost:9000"),
			Database: getEnv("CLICKHOUSE_DB", "default"),
			User:     getEnv("CLICKHOUSE_USER", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Audit: AuditConfig{
			Queue: getEnv("AUDIT_QUEUE", "vcard.audit"),
			Port:  getEnv("AUDIT_PORT", "8081"),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
