package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port            string
	Storage         string // "sqlite" or "memory"
	DBPath          string
	CSRFKey         []byte
	SessionKey      []byte
	CookieDomain    string
	CookieSecure    bool
	PasswordHasher  string
	UploadDir       string
	BillingSchedule string
	LogLevel        slog.Level
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8585"),
		Storage:         getEnv("STORAGE", "sqlite"),
		DBPath:          getEnv("DB_PATH", "./market.db"),
		CookieDomain:    getEnv("COOKIE_DOMAIN", ""),
		CookieSecure:    getEnv("COOKIE_SECURE", "false") == "true",
		PasswordHasher:  getEnv("PASSWORD_HASHER", "scrypt"),
		UploadDir:       getEnv("UPLOAD_DIR", "./static/uploads"),
		BillingSchedule: getEnv("BILLING_SCHEDULE", "@every 1m"),
	}

	var err error
	if cfg.CSRFKey, err = loadKey("CSRF_KEY"); err != nil {
		return nil, err
	}
	if cfg.SessionKey, err = loadKey("SESSION_KEY"); err != nil {
		return nil, err
	}

	if _, err := strconv.Atoi(cfg.Port); err != nil {
		slog.Error("Invalid PORT environment variable. Falling back to default.", "PORT", os.Getenv("PORT"))
		cfg.Port = "8585"
	}

	switch cfg.Storage {
	case "sqlite", "memory":
	default:
		return nil, fmt.Errorf("STORAGE must be sqlite or memory, got %q", cfg.Storage)
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(strings.ToUpper(getEnv("LOG_LEVEL", "debug")))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// loadKey decodes a base64 key of at least 32 bytes. A missing or short key
// is replaced by a random one so development works out of the box.
func loadKey(name string) ([]byte, error) {
	raw := os.Getenv(name)
	if raw == "" {
		slog.Warn(name + " environment variable not set. Generating a random key for development. PLEASE SET " + name + " IN PRODUCTION!")
		return generateRandomBytes(32)
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(decoded) < 32 {
		slog.Warn(name + " is invalid or too short (min 32 bytes). Generating a random key for development. PLEASE SET A SECURE " + name + " IN PRODUCTION!")
		return generateRandomBytes(32)
	}
	return decoded, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func generateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}
