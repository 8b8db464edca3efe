package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	Timezone            string

	// Worker settings.
	PollInterval   time.Duration
	LeaseTimeout   time.Duration
	ConnectTimeout time.Duration
	FetchLimit     int
	JobRetention   time.Duration

	// Ingest policy overrides.
	SingletonThreads bool
	NoReplyPatterns  []string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILROOST_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	pollInterval, err := getDurationOrDefault("MAILROOST_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, err
	}
	leaseTimeout, err := getDurationOrDefault("MAILROOST_LEASE_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	connectTimeout, err := getDurationOrDefault("MAILROOST_CONNECT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	jobRetention, err := getDurationOrDefault("MAILROOST_JOB_RETENTION", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}
	fetchLimit, err := getIntOrDefault("MAILROOST_FETCH_LIMIT", 50)
	if err != nil {
		return nil, err
	}
	singletonThreads, err := getBoolOrDefault("MAILROOST_SINGLETON_THREADS", true)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("MAILROOST_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("MAILROOST_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILROOST_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILROOST_DB_USER", "mailroost"),
		DBPassword:          os.Getenv("MAILROOST_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILROOST_DB_NAME", "mailroost"),
		DBSSLMode:           getEnvOrDefault("MAILROOST_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		Timezone:            getEnvOrDefault("TZ", "UTC"),
		PollInterval:        pollInterval,
		LeaseTimeout:        leaseTimeout,
		ConnectTimeout:      connectTimeout,
		FetchLimit:          fetchLimit,
		JobRetention:        jobRetention,
		SingletonThreads:    singletonThreads,
		NoReplyPatterns:     getListOrNil("MAILROOST_NOREPLY_PATTERNS"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILROOST_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILROOST_DB_PASSWORD is required")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("MAILROOST_POLL_INTERVAL must be positive")
	}

	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("MAILROOST_LEASE_TIMEOUT must be positive")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid duration: %w", key, err)
	}
	return d, nil
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid integer: %w", key, err)
	}
	return n, nil
}

func getBoolOrDefault(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s is not a valid boolean: %w", key, err)
	}
	return b, nil
}

// getListOrNil splits a comma-separated env value. Nil means "use defaults".
func getListOrNil(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
