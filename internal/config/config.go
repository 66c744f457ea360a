// Package config loads the service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr         string
	DataDir            string
	SessionDBPath      string
	SearchIndexPath    string
	ArtifactDir        string
	DropDir            string
	SessionTTL         time.Duration
	PurgeInterval      time.Duration
	CORSAllowedOrigins []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string

	ReferenceImageCount int
	MaxScenes           int
	SecondsPerScene     int
	QualityThreshold    float64
	QualityMaxAttempts  int
	Workers             int
}

func Load() Config {
	port := envOrDefault("STORYLOOM_PORT", "8080")
	dataDir := envOrDefault("STORYLOOM_DATA_DIR", "./data")

	return Config{
		ListenAddr:         ":" + port,
		DataDir:            dataDir,
		SessionDBPath:      envOrDefault("SESSION_DB_PATH", dataDir+"/sessions.db"),
		SearchIndexPath:    envOrDefault("SEARCH_INDEX_PATH", dataDir+"/sessions.bleve"),
		ArtifactDir:        envOrDefault("ARTIFACT_DIR", dataDir+"/artifacts"),
		DropDir:            os.Getenv("MANUAL_ASSET_DROP_DIR"),
		SessionTTL:         envOrDefaultDuration("SESSION_TTL", 24*time.Hour),
		PurgeInterval:      envOrDefaultDuration("SESSION_PURGE_INTERVAL", 10*time.Minute),
		CORSAllowedOrigins: parseCSV(envOrDefault("CORS_ALLOWED_ORIGINS", "*")),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envOrDefaultInt("REDIS_DB", 0),

		S3Region:    envOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3Bucket:    os.Getenv("S3_BUCKET"),

		ReferenceImageCount: envOrDefaultInt("REFERENCE_IMAGE_COUNT", 4),
		MaxScenes:           envOrDefaultInt("MAX_SCENES", 12),
		SecondsPerScene:     envOrDefaultInt("SECONDS_PER_SCENE", 5),
		QualityThreshold:    envOrDefaultFloat("QUALITY_THRESHOLD", 0.7),
		QualityMaxAttempts:  envOrDefaultInt("QUALITY_MAX_ATTEMPTS", 3),
		Workers:             envOrDefaultInt("GENERATION_WORKERS", 4),
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
