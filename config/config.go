package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds the application configuration
type Config struct {
	// Server
	ServerPort string `yaml:"server_port"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Job store
	StoreBackend       string `yaml:"store_backend"`
	JobsTable          string `yaml:"jobs_table"`
	PrimaryStatusIndex string `yaml:"primary_status_index"`
	ReplicaStatusIndex string `yaml:"replica_status_index"`
	ConnectionsTable   string `yaml:"connections_table"`

	// AWS
	AWSRegion    string `yaml:"aws_region"`
	AWSEndpoint  string `yaml:"aws_endpoint"`
	WebsocketURL string `yaml:"websocket_url"`

	// Postgres
	DatabaseURL   string `yaml:"database_url"`
	NotifyChannel string `yaml:"notify_channel"`

	// Reservation calendar
	ReservationURL  string   `yaml:"reservation_url"`
	PrivilegedRoles []string `yaml:"privileged_roles"`

	// Redis broadcast
	RedisAddr          string `yaml:"redis_addr"`
	RedisPassword      string `yaml:"redis_password"`
	RedisDB            int    `yaml:"redis_db"`
	RedisChannelPrefix string `yaml:"redis_channel_prefix"`

	// Self-hosted websocket broadcast
	EnableWebsocketHub bool `yaml:"enable_websocket_hub"`

	// Timeouts and limits
	StoreTimeout       time.Duration `yaml:"store_timeout"`
	ReservationTimeout time.Duration `yaml:"reservation_timeout"`
	PublishTimeout     time.Duration `yaml:"publish_timeout"`
	StreamPollInterval time.Duration `yaml:"stream_poll_interval"`
	NotifyRetryInitial time.Duration `yaml:"notify_retry_initial"`
	NotifyRetryMax     time.Duration `yaml:"notify_retry_max"`
	CreateRatePerSite  float64       `yaml:"create_rate_per_site"`
	CreateBurstPerSite int           `yaml:"create_burst_per_site"`
}

// Load loads configuration from environment variables. When CONFIG_FILE names
// a YAML file its values become the defaults the environment overrides.
func Load() (*Config, error) {
	base := defaults()
	if file := os.Getenv("CONFIG_FILE"); file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, base); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg := &Config{
		ServerPort:         getEnv("SERVER_PORT", base.ServerPort),
		LogLevel:           getEnv("LOG_LEVEL", base.LogLevel),
		LogFormat:          getEnv("LOG_FORMAT", base.LogFormat),
		StoreBackend:       getEnv("STORE_BACKEND", base.StoreBackend),
		JobsTable:          getEnv("DYNAMODB_JOBS", base.JobsTable),
		PrimaryStatusIndex: getEnv("PRIMARY_STATUS_INDEX", base.PrimaryStatusIndex),
		ReplicaStatusIndex: getEnv("REPLICA_STATUS_INDEX", base.ReplicaStatusIndex),
		ConnectionsTable:   getEnv("JOBS_CONNECTION_TABLE", base.ConnectionsTable),
		AWSRegion:          getEnv("AWS_REGION", base.AWSRegion),
		AWSEndpoint:        getEnv("AWS_ENDPOINT", base.AWSEndpoint),
		WebsocketURL:       getEnv("WSS_URL", base.WebsocketURL),
		DatabaseURL:        getEnv("DATABASE_URL", base.DatabaseURL),
		NotifyChannel:      getEnv("NOTIFY_CHANNEL", base.NotifyChannel),
		ReservationURL:     getEnv("RESERVATION_URL", base.ReservationURL),
		PrivilegedRoles:    getEnvList("PRIVILEGED_ROLES", base.PrivilegedRoles),
		RedisAddr:          getEnv("REDIS_ADDR", base.RedisAddr),
		RedisPassword:      getEnv("REDIS_PASSWORD", base.RedisPassword),
		RedisDB:            getEnvInt("REDIS_DB", base.RedisDB),
		RedisChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", base.RedisChannelPrefix),
		EnableWebsocketHub: getEnvBool("ENABLE_WEBSOCKET_HUB", base.EnableWebsocketHub),
		StoreTimeout:       getEnvDuration("STORE_TIMEOUT", base.StoreTimeout),
		ReservationTimeout: getEnvDuration("RESERVATION_TIMEOUT", base.ReservationTimeout),
		PublishTimeout:     getEnvDuration("PUBLISH_TIMEOUT", base.PublishTimeout),
		StreamPollInterval: getEnvDuration("STREAM_POLL_INTERVAL", base.StreamPollInterval),
		NotifyRetryInitial: getEnvDuration("NOTIFY_RETRY_INITIAL", base.NotifyRetryInitial),
		NotifyRetryMax:     getEnvDuration("NOTIFY_RETRY_MAX", base.NotifyRetryMax),
		CreateRatePerSite:  getEnvFloat("CREATE_RATE_PER_SITE", base.CreateRatePerSite),
		CreateBurstPerSite: getEnvInt("CREATE_BURST_PER_SITE", base.CreateBurstPerSite),
	}
	return cfg, cfg.Validate()
}

func defaults() *Config {
	return &Config{
		ServerPort:         "8080",
		LogLevel:           "info",
		LogFormat:          "text",
		StoreBackend:       BackendDynamoDB,
		JobsTable:          "photonranch-jobs-dev",
		PrimaryStatusIndex: "StatusId",
		ReplicaStatusIndex: "ReplicaStatusId",
		ConnectionsTable:   "photonranch-jobs-connections-dev",
		AWSRegion:          "us-east-1",
		NotifyChannel:      "job_changes",
		ReservationURL:     "https://calendar.photonranch.org/dev",
		PrivilegedRoles:    []string{"admin"},
		RedisChannelPrefix: "jobs",
		StoreTimeout:       5 * time.Second,
		ReservationTimeout: 8 * time.Second,
		PublishTimeout:     5 * time.Second,
		StreamPollInterval: time.Second,
		NotifyRetryInitial: time.Second,
		NotifyRetryMax:     time.Minute,
		CreateRatePerSite:  5,
		CreateBurstPerSite: 20,
	}
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendDynamoDB:
		if c.JobsTable == "" {
			return fmt.Errorf("config: DYNAMODB_JOBS is required for the %s backend", c.StoreBackend)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the %s backend", c.StoreBackend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown store backend %q", c.StoreBackend)
	}
	if c.ReservationURL == "" {
		return fmt.Errorf("config: RESERVATION_URL is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
