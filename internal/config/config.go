package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the hub binary.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	JWTSecret   string
	TokenTTL    time.Duration
	StaticDir   string

	// CallDrain is how long the signaling/control channel outlives the rest
	// of a torn-down call so the end-of-call notification is not lost.
	CallDrain time.Duration

	// HandshakeTimeout bounds the wait for a key-exchange reply.
	HandshakeTimeout time.Duration
}

// Load reads configuration from environment variables. In development a .env
// file is honored if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:             getEnv("PORT", "8000"),
		Env:              getEnv("ENV", "development"),
		DatabaseURL:      getEnv("DATABASE_URL", "./data/veilchat.db"),
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret-change-me"),
		TokenTTL:         getDuration("TOKEN_TTL", 24*time.Hour),
		StaticDir:        getEnv("STATIC_DIR", "./web/build"),
		CallDrain:        getDuration("CALL_DRAIN", time.Second),
		HandshakeTimeout: getDuration("HANDSHAKE_TIMEOUT", 10*time.Second),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return d
}
