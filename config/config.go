package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the signaling broker settings, read from the environment
type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Admin          AdminConfig
	Registry       string        // "memory" or "redis"
	PeerTTL        time.Duration // identity claim lifetime without heartbeat
	Redis          RedisConfig
}

// AdminConfig holds the credentials allowed to evict stale host claims
type AdminConfig struct {
	User     string
	Password string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Admin: AdminConfig{
			User:     getEnv("ADMIN_USER", "admin"),
			Password: getEnv("ADMIN_PASSWORD", ""),
		},
		Registry: getEnv("REGISTRY", "memory"),
		PeerTTL:  getDuration("PEER_TTL", 30*time.Second),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
