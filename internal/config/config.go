package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lpernett/godotenv"
)

const (
	BackendFS    = "fs"
	BackendMinio = "minio"
)

type Config struct {
	Port     string
	LogLevel slog.Level

	StorageBackend string
	DataDir        string
	MaxNameLength  int

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	MaxUploadSize   int64
	ModExtension    string
	ReindexOnUpload bool

	HashWorkers  int
	IndexFormats []string
	RepoTitle    string
	PublicURL    string
	Downpath     string

	JWTSecretKey string
	SessionTTL   time.Duration
	AuthLoginURL string

	DatabaseURL   string
	JobHistoryCap int

	RabbitMQURL string
	EventQueue  string

	ShutdownTimeout time.Duration
}

// Load reads the optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		// Not fatal - will use defaults
		fmt.Fprintln(os.Stderr, "Warning: .env file not found, using defaults")
	}

	shutdownTimeout, err := time.ParseDuration(getEnvOrDefault("SHUTDOWN_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	sessionTTL, err := time.ParseDuration(getEnvOrDefault("SESSION_TTL", "168h"))
	if err != nil {
		return nil, fmt.Errorf("invalid SESSION_TTL: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnvOrDefault("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	maxUpload, err := strconv.ParseInt(getEnvOrDefault("MAX_UPLOAD_SIZE", "1073741824"), 10, 64)
	if err != nil || maxUpload < 0 {
		return nil, fmt.Errorf("invalid MAX_UPLOAD_SIZE")
	}

	cfg := &Config{
		Port:     getEnvOrDefault("PORT", ":3000"),
		LogLevel: level,

		StorageBackend: strings.ToLower(getEnvOrDefault("STORAGE_BACKEND", BackendFS)),
		DataDir:        getEnvOrDefault("DATA_DIR", "./data"),
		MaxNameLength:  getEnvInt("MAX_NAME_LENGTH", 255),

		MinioEndpoint:  getEnvOrDefault("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getEnvOrDefault("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnvOrDefault("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:    getEnvOrDefault("MINIO_BUCKET", "mods"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		MaxUploadSize:   maxUpload,
		ModExtension:    os.Getenv("MOD_EXTENSION"),
		ReindexOnUpload: getEnvBool("REINDEX_ON_UPLOAD", true),

		HashWorkers:  getEnvInt("HASH_WORKERS", 4),
		IndexFormats: splitList(getEnvOrDefault("INDEX_FORMATS", "omx")),
		RepoTitle:    getEnvOrDefault("REPO_TITLE", "Mod Repository"),
		PublicURL:    getEnvOrDefault("PUBLIC_URL", "http://localhost:3000/"),
		Downpath:     os.Getenv("DOWNPATH"),

		JWTSecretKey: os.Getenv("JWT_SECRET"),
		SessionTTL:   sessionTTL,
		AuthLoginURL: os.Getenv("AUTH_LOGIN_URL"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		JobHistoryCap: getEnvInt("JOB_HISTORY_CAP", 100),

		RabbitMQURL: os.Getenv("RABBITMQ_URL"),
		EventQueue:  getEnvOrDefault("RABBITMQ_EVENT_QUEUE", "index_events"),

		ShutdownTimeout: shutdownTimeout,
	}

	if cfg.Downpath == "" {
		cfg.Downpath = strings.TrimSuffix(cfg.PublicURL, "/") + "/repo/mods/"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendFS, BackendMinio:
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.MaxNameLength <= 0 {
		return fmt.Errorf("MAX_NAME_LENGTH must be positive")
	}
	if c.HashWorkers <= 0 {
		return fmt.Errorf("HASH_WORKERS must be positive")
	}
	if len(c.IndexFormats) == 0 {
		return fmt.Errorf("INDEX_FORMATS must name at least one format")
	}
	if c.ModExtension != "" && !strings.HasPrefix(c.ModExtension, ".") {
		return fmt.Errorf("MOD_EXTENSION must start with a dot")
	}
	return nil
}

// AuthEnabled reports whether /api routes require a session token.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecretKey != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
