package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultCandidates is the model preference order used when none is configured
var defaultCandidates = []string{"gemini-2.5-flash", "gemini-2.5-flash-lite", "gemini-2.0-flash"}

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Chat          ChatConfig
	Upstream      UpstreamConfig
	AttemptLog    AttemptLogConfig
	RateLimit     RateLimitConfig
	Auth          AuthConfig
	CORS          CORSConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host              string
	Port              int
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration // cleared per response once a chat stream starts
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
// The database is optional; without it the rate limiter runs in memory and
// the analytics tools are not offered.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// ChatConfig holds the fallback gateway settings
type ChatConfig struct {
	Candidates       []string
	CandidatesFile   string
	FirstByteTimeout time.Duration
	MaxToolRounds    int
	MaxBodyBytes     int64
	AppName          string
	Timezone         string
	ToolCacheTTL     time.Duration // 0 disables the tool result cache
	ToolCacheSize    int
}

// UpstreamConfig holds the OpenAI-compatible endpoint settings
type UpstreamConfig struct {
	Name           string
	APIKey         string
	BaseURL        string
	ConnectTimeout time.Duration
}

// AttemptLogConfig holds the attempt log file settings
type AttemptLogConfig struct {
	Path       string
	BufferSize int
}

// RateLimitConfig holds rate limit gate settings
type RateLimitConfig struct {
	Enabled           bool
	Backend           string // memory or postgres
	RequestsPerMinute int
	RequestsPerHour   int
	CleanupSchedule   string // cron spec
	Retention         time.Duration
	IdleTTL           time.Duration
}

// AuthConfig holds bearer token settings
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
	Leeway    time.Duration
	Disabled  bool
}

// CORSConfig holds allowed browser origins
type CORSConfig struct {
	AllowedOrigins []string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// candidateFile is the YAML layout of CHAT_MODELS_FILE
type candidateFile struct {
	Candidates []string `yaml:"candidates"`
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			Port:              getPort(),
			ReadHeaderTimeout: getEnvAsDuration("SERVER_READ_HEADER_TIMEOUT", 10*time.Second),
			ReadTimeout:       getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:      getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:       getEnvAsDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout:   getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: loadDatabaseConfig(),
		Chat: ChatConfig{
			CandidatesFile:   getEnv("CHAT_MODELS_FILE", ""),
			FirstByteTimeout: getEnvAsDuration("CHAT_FIRST_BYTE_TIMEOUT", 30*time.Second),
			MaxToolRounds:    getEnvAsInt("CHAT_MAX_TOOL_ROUNDS", 3),
			MaxBodyBytes:     int64(getEnvAsInt("CHAT_MAX_BODY_BYTES", 1<<20)),
			AppName:          getEnv("CHAT_APP_NAME", "CrewLedger"),
			Timezone:         getEnv("CHAT_TIMEZONE", "UTC"),
			ToolCacheTTL:     getEnvAsDuration("CHAT_TOOL_CACHE_TTL", time.Minute),
			ToolCacheSize:    getEnvAsInt("CHAT_TOOL_CACHE_SIZE", 256),
		},
		Upstream: UpstreamConfig{
			Name:           getEnv("UPSTREAM_NAME", "gemini"),
			APIKey:         getEnv("UPSTREAM_API_KEY", ""),
			BaseURL:        getEnv("UPSTREAM_BASE_URL", ""),
			ConnectTimeout: getEnvAsDuration("UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),
		},
		AttemptLog: AttemptLogConfig{
			Path:       getEnv("ATTEMPT_LOG_PATH", "logs/chat-attempts.log"),
			BufferSize: getEnvAsInt("ATTEMPT_LOG_BUFFER", 1024),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnvAsBool("RATE_LIMIT_ENABLED", true),
			Backend:           getEnv("RATE_LIMIT_BACKEND", "memory"),
			RequestsPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 20),
			RequestsPerHour:   getEnvAsInt("RATE_LIMIT_PER_HOUR", 300),
			CleanupSchedule:   getEnv("RATE_LIMIT_CLEANUP_SCHEDULE", "@every 10m"),
			Retention:         getEnvAsDuration("RATE_LIMIT_RETENTION", 2*time.Hour),
			IdleTTL:           getEnvAsDuration("RATE_LIMIT_IDLE_TTL", 30*time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			Issuer:    getEnv("AUTH_ISSUER", ""),
			Audience:  getEnv("AUTH_AUDIENCE", ""),
			Leeway:    getEnvAsDuration("AUTH_LEEWAY", 30*time.Second),
			Disabled:  getEnvAsBool("AUTH_DISABLED", false),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	candidates, err := loadCandidates(cfg.Chat.CandidatesFile)
	if err != nil {
		return nil, err
	}
	cfg.Chat.Candidates = candidates

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if len(c.Chat.Candidates) == 0 {
		return fmt.Errorf("at least one chat model is required: set CHAT_MODELS or CHAT_MODELS_FILE")
	}
	for i, model := range c.Chat.Candidates {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("chat model %d is blank", i)
		}
	}
	if c.Chat.FirstByteTimeout <= 0 {
		return fmt.Errorf("chat first byte timeout must be positive")
	}
	if c.Chat.MaxToolRounds < 0 {
		return fmt.Errorf("chat max tool rounds must not be negative")
	}
	if c.Chat.MaxBodyBytes <= 0 {
		return fmt.Errorf("chat max body bytes must be positive")
	}
	if _, err := c.Chat.Location(); err != nil {
		return err
	}
	if c.Chat.ToolCacheTTL > 0 && c.Chat.ToolCacheSize <= 0 {
		return fmt.Errorf("chat tool cache size must be positive when the cache is enabled")
	}

	if c.AttemptLog.BufferSize <= 0 {
		return fmt.Errorf("attempt log buffer must be positive")
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case "memory":
		case "postgres":
			if !c.Database.Enabled() {
				return fmt.Errorf("postgres rate limit backend requires DATABASE_URL or DB_HOST")
			}
		default:
			return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
		}
		if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.RequestsPerHour < 0 {
			return fmt.Errorf("rate limits must not be negative")
		}
	}

	if c.Database.Enabled() && c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Auth.Disabled {
		if c.IsProduction() {
			return fmt.Errorf("auth cannot be disabled in production")
		}
	} else if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth JWT secret is required: set AUTH_JWT_SECRET or AUTH_DISABLED=true")
	}

	if c.IsProduction() && c.Upstream.APIKey == "" {
		return fmt.Errorf("upstream API key is required in production")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Location resolves the timezone used for dates in the system prompt
func (c *ChatConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid chat timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Enabled reports whether a database is configured
func (c *DatabaseConfig) Enabled() bool {
	return c.ConnectionString != "" || c.Host != ""
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", ""),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", ""),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", ""),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadCandidates reads the model order from the YAML file when one is given,
// otherwise from CHAT_MODELS
func loadCandidates(path string) ([]string, error) {
	if path == "" {
		return getEnvAsList("CHAT_MODELS", defaultCandidates), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chat models file: %w", err)
	}

	var file candidateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse chat models file %s: %w", path, err)
	}

	return file.Candidates, nil
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping blank entries
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var values []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
