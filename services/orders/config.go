package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	TriggerKafka = "kafka"
	TriggerDTM   = "dtm"
)

// Config is the runtime configuration, read from the environment
type Config struct {
	Port        string
	ServiceName string
	ServiceURL  string

	DatabaseHost     string
	DatabasePort     string
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string

	RedisAddr string

	TriggerBackend string
	KafkaBrokers   string
	OrdersTopic    string
	ConsumerGroup  string
	DTMServer      string

	ProductServiceURL string
	UserServiceURL    string
	UserServiceEmail  string
	UserServicePass   string

	HTTPTimeout       time.Duration
	LockTimeout       time.Duration
	WorkerConcurrency int

	OTLPEndpoint string
}

// LoadConfig reads the configuration from the environment
func LoadConfig() (*Config, error) {
	httpTimeout, err := getEnvDuration("HTTP_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	lockTimeout, err := getEnvDuration("LOCK_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	if lockTimeout < time.Millisecond {
		return nil, fmt.Errorf("LOCK_TIMEOUT must be at least 1ms, got %s", lockTimeout)
	}
	workers, err := getEnvInt("WORKER_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", workers)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "orders-service"),
		ServiceURL:  getEnv("SERVICE_URL", "http://orders:8080"),

		DatabaseHost:     getEnv("DATABASE_HOST", "localhost"),
		DatabasePort:     getEnv("DATABASE_PORT", "5432"),
		DatabaseUser:     getEnv("DATABASE_USER", "root"),
		DatabasePassword: getEnv("DATABASE_PASSWORD", "pass"),
		DatabaseName:     getEnv("DATABASE_NAME", "orders_db"),

		RedisAddr: getEnv("REDIS_ADDR", "redis://localhost:6379/0"),

		TriggerBackend: getEnv("TRIGGER_BACKEND", TriggerKafka),
		KafkaBrokers:   getEnv("KAFKA_BROKERS", "localhost:9092"),
		OrdersTopic:    getEnv("ORDERS_TOPIC", "orders.process"),
		ConsumerGroup:  getEnv("CONSUMER_GROUP", "orders-processor"),
		DTMServer:      getEnv("DTM_SERVER", "http://dtm:36789/api/dtmsvr"),

		ProductServiceURL: getEnv("PRODUCT_SERVICE_URL", "http://localhost:8000/api/v1"),
		UserServiceURL:    getEnv("USER_SERVICE_URL", "http://localhost:8001/api/v1"),
		UserServiceEmail:  getEnv("USER_SERVICE_ADMIN_EMAIL", "admin@example.com"),
		UserServicePass:   getEnv("USER_SERVICE_ADMIN_PASSWORD", "admin"),

		HTTPTimeout:       httpTimeout,
		LockTimeout:       lockTimeout,
		WorkerConcurrency: workers,

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
	}

	if cfg.TriggerBackend != TriggerKafka && cfg.TriggerBackend != TriggerDTM {
		return nil, fmt.Errorf("unknown TRIGGER_BACKEND %q", cfg.TriggerBackend)
	}

	return cfg, nil
}

// DatabaseDSN builds the pgx connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&pool_max_conns=25&pool_min_conns=5",
		c.DatabaseUser,
		c.DatabasePassword,
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseName,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
