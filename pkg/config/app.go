package config

import "time"

// AppConfig holds runtime configuration for the builder API service.
type AppConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	DockerHost         string
	SandboxImage       string
	SandboxAppPort     int
	PreviewQuietWindow time.Duration
	PreviewRetryDelay  time.Duration
	PreviewMaxAttempts int
	AgentEndpoint      string
	AgentTimeout       time.Duration
	AgentTokenLimit    int
	AgentQueueSize     int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	LogLevel           string
	ShutdownTimeout    time.Duration
}

// LoadAppConfig constructs an AppConfig from environment variables.
func LoadAppConfig() AppConfig {
	return AppConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://gorilla:gorilla@db:5432/gorilla?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		DockerHost:         GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		SandboxImage:       GetString("SANDBOX_IMAGE", "python:3.12-slim"),
		SandboxAppPort:     GetInt("SANDBOX_APP_PORT", 3000),
		PreviewQuietWindow: time.Duration(GetInt("PREVIEW_QUIET_WINDOW_SECONDS", 3)) * time.Second,
		PreviewRetryDelay:  time.Duration(GetInt("PREVIEW_RETRY_DELAY_SECONDS", 10)) * time.Second,
		PreviewMaxAttempts: GetInt("PREVIEW_MAX_ATTEMPTS", 0),
		AgentEndpoint:      GetString("AGENT_ENDPOINT", ""),
		AgentTimeout:       time.Duration(GetInt("AGENT_TIMEOUT_SECONDS", 120)) * time.Second,
		AgentTokenLimit:    GetInt("AGENT_TOKEN_LIMIT", 0),
		AgentQueueSize:     GetInt("AGENT_QUEUE_SIZE", 32),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		ShutdownTimeout:    time.Duration(GetInt("SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
	}
}
