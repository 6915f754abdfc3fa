// Package config reads the process-wide configuration once at startup, the
// way every exosphere service does: plain os.Getenv with defaults, no
// indirection layer.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds every environment-driven setting the process needs at startup.
type Config struct {
	MongoURI           string
	MongoDatabase      string
	StateManagerSecret string
	EncryptionKeyB64   string
	TriggerWorkers     int
	TriggerRetention   int // days
	RunTTLDays         int
	NodeTimeoutMinutes int
	HTTPAddr           string
	JSONLog            bool
}

// Load reads Config from the environment, applying documented defaults.
func Load() (Config, error) {
	cfg := Config{
		MongoURI:           os.Getenv("MONGO_URI"),
		MongoDatabase:      getEnvDefault("MONGO_DATABASE_NAME", "exosphere-state-manager"),
		StateManagerSecret: os.Getenv("STATE_MANAGER_SECRET"),
		EncryptionKeyB64:   os.Getenv("SECRETS_ENCRYPTION_KEY"),
		TriggerWorkers:     getEnvIntDefault("TRIGGER_WORKERS", 1),
		TriggerRetention:   getEnvIntDefault("TRIGGER_RETENTION_DAYS", 30),
		RunTTLDays:         getEnvIntDefault("RUN_TTL_DAYS", 30),
		NodeTimeoutMinutes: getEnvIntDefault("NODE_TIMEOUT_MINUTES", 30),
		HTTPAddr:           getEnvDefault("STATE_MANAGER_HTTP_ADDR", ":8080"),
		JSONLog:            os.Getenv("STATE_MANAGER_JSON_LOG") != "",
	}
	if cfg.MongoURI == "" {
		return cfg, fmt.Errorf("config: MONGO_URI is required")
	}
	if cfg.StateManagerSecret == "" {
		return cfg, fmt.Errorf("config: STATE_MANAGER_SECRET is required")
	}
	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
