package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr string
	// Database connection, assembled into a DSN at startup
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string

	TokenSecret string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration

	MigrationsDir string
	CORSOrigin    string

	// Upload handling
	UploadsDir     string
	MaxUploadBytes int64

	// MinIO object storage
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Meilisearch
	MeiliURL       string
	MeiliMasterKey string

	// Redis
	RedisURL string
}

func Load() Config {
	return Config{
		Addr:          getenv("API_ADDR", ":8080"),
		DBHost:        getenv("DB_HOST", "localhost"),
		DBPort:        getenv("DB_PORT", "5432"),
		DBName:        getenv("DB_NAME", "bidboard"),
		DBUser:        getenv("DB_USER", "bidboard"),
		DBPassword:    getenv("DB_PASSWORD", "bidboard"),
		TokenSecret:   getenv("BIDBOARD_TOKEN_SECRET", "bidboard-dev-secret"),
		AccessTTL:     time.Duration(getenvInt("BIDBOARD_ACCESS_TTL_SECONDS", 900)) * time.Second,
		RefreshTTL:    time.Duration(getenvInt("BIDBOARD_REFRESH_TTL_SECONDS", 2592000)) * time.Second,
		MigrationsDir: getenv("BIDBOARD_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:    getenv("BIDBOARD_CORS_ORIGIN", "*"),

		UploadsDir:     getenv("BIDBOARD_UPLOADS_DIR", "./data/uploads"),
		MaxUploadBytes: int64(getenvInt("BIDBOARD_MAX_UPLOAD_BYTES", 10*1024*1024)),

		// MinIO - empty by default, uploads go to the local dir if not configured
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "bidboard-uploads"),
		MinioUseSSL:    getenv("MINIO_USE_SSL", "") == "true",

		// Meilisearch - empty by default, search falls back to Postgres FTS
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),

		// Redis - empty by default, refresh tokens fall back to Postgres
		RedisURL: getenv("REDIS_URL", ""),
	}
}

// DatabaseDSN builds the pgx connection string from the DB_* variables.
func (c Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword)
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
