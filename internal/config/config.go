package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreDriverRedis    = "redis"
	StoreDriverPostgres = "postgres"
)

type Config struct {
	Server    ServerConfig
	Worker    WorkerConfig
	Store     StoreConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	MinIO     MinIOConfig
	RabbitMQ  RabbitMQConfig
	Backend   BackendConfig
	Cache     CacheConfig
	Usage     UsageConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port            int           `envconfig:"API_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"API_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"API_WRITE_TIMEOUT" default:"45s"`
	ShutdownTimeout time.Duration `envconfig:"API_SHUTDOWN_TIMEOUT" default:"10s"`
	MaxUploadBytes  int64         `envconfig:"API_MAX_UPLOAD_BYTES" default:"10485760"`
}

type WorkerConfig struct {
	MaxRetries      int           `envconfig:"WORKER_MAX_RETRIES" default:"3"`
	ShutdownTimeout time.Duration `envconfig:"WORKER_SHUTDOWN_TIMEOUT" default:"30s"`
}

type StoreConfig struct {
	Driver string `envconfig:"STORE_DRIVER" default:"redis"`
}

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"sumvid"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"sumvid"`
	DBName   string `envconfig:"POSTGRES_DB" default:"sumvid"`
	SSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

type MinIOConfig struct {
	Endpoint       string        `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	PublicEndpoint string        `envconfig:"MINIO_PUBLIC_ENDPOINT" default:""`
	AccessKey      string        `envconfig:"MINIO_ACCESS_KEY" default:"minioadmin"`
	SecretKey      string        `envconfig:"MINIO_SECRET_KEY" default:"minioadmin"`
	Bucket         string        `envconfig:"MINIO_BUCKET" default:"uploads"`
	UseSSL         bool          `envconfig:"MINIO_USE_SSL" default:"false"`
	URLExpiry      time.Duration `envconfig:"MINIO_URL_EXPIRY" default:"1h"`
}

type RabbitMQConfig struct {
	Enabled  bool   `envconfig:"RABBITMQ_ENABLED" default:"true"`
	Host     string `envconfig:"RABBITMQ_HOST" default:"localhost"`
	Port     int    `envconfig:"RABBITMQ_PORT" default:"5672"`
	User     string `envconfig:"RABBITMQ_USER" default:"sumvid"`
	Password string `envconfig:"RABBITMQ_PASSWORD" default:"sumvid"`
	VHost    string `envconfig:"RABBITMQ_VHOST" default:"/"`
}

func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%d%s",
		c.User, c.Password, c.Host, c.Port, c.VHost,
	)
}

// BackendConfig points at the remote generation service.
type BackendConfig struct {
	URL     string        `envconfig:"BACKEND_URL" default:"https://sumvid-learn-backend.onrender.com"`
	Timeout time.Duration `envconfig:"BACKEND_TIMEOUT" default:"30s"`
}

type CacheConfig struct {
	TTL time.Duration `envconfig:"CACHE_TTL" default:"24h"`
}

type UsageConfig struct {
	DefaultLimit    int           `envconfig:"USAGE_DEFAULT_LIMIT" default:"10"`
	Window          time.Duration `envconfig:"USAGE_WINDOW" default:"24h"`
	UploadLimit     int           `envconfig:"USAGE_UPLOAD_LIMIT" default:"2"`
	UploadLogSize   int           `envconfig:"USAGE_UPLOAD_LOG_SIZE" default:"10"`
	PremiumCacheTTL time.Duration `envconfig:"USAGE_PREMIUM_CACHE_TTL" default:"30s"`
	LockTTL         time.Duration `envconfig:"USAGE_LOCK_TTL" default:"10s"`
	LockWait        time.Duration `envconfig:"USAGE_LOCK_WAIT" default:"2s"`
}

type RateLimitConfig struct {
	RPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"5"`
	Burst int     `envconfig:"RATE_LIMIT_BURST" default:"10"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Store.Driver != StoreDriverRedis && cfg.Store.Driver != StoreDriverPostgres {
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
	return &cfg, nil
}
