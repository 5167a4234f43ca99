package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Job backends.
const (
	JobBackendInProcess = "inprocess"
	JobBackendAsynq     = "asynq"
)

// Credential backends.
const (
	CredentialBackendSQLite  = "sqlite"
	CredentialBackendKeyring = "keyring"
	CredentialBackendMemory  = "memory"
)

type Config struct {
	// Server
	Port      int
	Env       string
	Version   string
	LogLevel  string
	LogFormat string

	// Redis
	RedisURL  string
	RedisAddr string // host:port format for Asynq

	// Jobs
	JobBackend string

	// HTTP
	CORSAllowedOrigins []string
	APIToken           string

	// Hosts
	HostsFile      string
	KnownHostsFile string
	// SubsystemsFile overrides the built-in subsystem kinds when set.
	SubsystemsFile string

	// Credentials
	CredentialBackend string
	CredentialDB      string
	ShareCredentials  bool

	// Connect pacing; a zero rate disables the limiter.
	ConnectRate  float64
	ConnectBurst int
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnvAsInt("PORT", 8080),
		Env:                getEnv("ENV", "development"),
		Version:            getEnv("VERSION", "0.1.0"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		JobBackend:         getEnv("JOB_BACKEND", JobBackendInProcess),
		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		APIToken:           getEnv("API_TOKEN", ""),
		HostsFile:          getEnv("HOSTS_FILE", "hosts.yaml"),
		KnownHostsFile:     getEnv("KNOWN_HOSTS", ""),
		SubsystemsFile:     getEnv("SUBSYSTEMS_FILE", ""),
		CredentialBackend:  getEnv("CREDENTIAL_BACKEND", CredentialBackendSQLite),
		CredentialDB:       getEnv("CREDENTIAL_DB", "connhub.db"),
		ShareCredentials:   getEnvAsBool("SHARE_CREDENTIALS", false),
		ConnectRate:        getEnvAsFloat("CONNECT_RATE", 0),
		ConnectBurst:       getEnvAsInt("CONNECT_BURST", 1),
	}

	// Parse Redis URL to get host:port
	cfg.RedisAddr = parseRedisAddr(cfg.RedisURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown backend names and out-of-range values.
func (c *Config) Validate() error {
	switch c.JobBackend {
	case JobBackendInProcess, JobBackendAsynq:
	default:
		return fmt.Errorf("config: JOB_BACKEND %q: want %s or %s", c.JobBackend, JobBackendInProcess, JobBackendAsynq)
	}
	switch c.CredentialBackend {
	case CredentialBackendSQLite, CredentialBackendKeyring, CredentialBackendMemory:
	default:
		return fmt.Errorf("config: CREDENTIAL_BACKEND %q: want sqlite, keyring or memory", c.CredentialBackend)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	}
	if c.ConnectRate < 0 {
		return fmt.Errorf("config: CONNECT_RATE must not be negative")
	}
	if c.ConnectBurst < 1 {
		c.ConnectBurst = 1
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

// parseRedisAddr extracts host:port from Redis URL
// Supports: redis://host:port, host:port, host
func parseRedisAddr(redisURL string) string {
	addr := strings.TrimPrefix(redisURL, "redis://")
	addr = strings.TrimPrefix(addr, "rediss://")
	addr = strings.TrimSuffix(addr, "/")

	// If no port specified, add default Redis port
	if !strings.Contains(addr, ":") {
		addr = addr + ":6379"
	}

	return addr
}
