package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the coordinator service.
type Config struct {
	BindAddr        string
	ShutdownTimeout time.Duration

	MetricsNamespace string
	AllowAnyOrigin   bool

	// WSEventBuffer is the per-observer outbound buffer on the realtime
	// bridge; events past it are dropped for that observer.
	WSEventBuffer int

	// DatabaseURL selects postgres; SQLitePath selects the embedded store.
	// With neither set the coordinator runs fully in memory.
	DatabaseURL string
	SQLitePath  string

	ManifestDir string
	SkillsDir   string
	WorkDir     string

	AgentCommand   string
	AgentArgs      []string
	AgentModel     string
	PermissionMode string

	// APIURL is handed to spawned agent processes so they can reach back.
	APIURL string
}

// Load reads an optional .env file, then environment variables, and applies
// safe defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:         envOrDefault("MAESTRO_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("MAESTRO_METRICS_NAMESPACE", "maestro"),
		AllowAnyOrigin:   false,
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		SQLitePath:       stringsTrimSpace("MAESTRO_SQLITE_PATH"),
		ManifestDir:      envOrDefault("MAESTRO_MANIFEST_DIR", ".maestro/manifests"),
		SkillsDir:        envOrDefault("MAESTRO_SKILLS_DIR", ".maestro/skills"),
		WorkDir:          envOrDefault("MAESTRO_WORK_DIR", ".maestro/sessions"),
		AgentCommand:     envOrDefault("MAESTRO_AGENT_COMMAND", "agent"),
		AgentModel:       stringsTrimSpace("MAESTRO_AGENT_MODEL"),
		PermissionMode:   stringsTrimSpace("MAESTRO_PERMISSION_MODE"),
		ShutdownTimeout:  15 * time.Second,
	}
	if raw := stringsTrimSpace("MAESTRO_AGENT_ARGS"); raw != "" {
		cfg.AgentArgs = strings.Fields(raw)
	}
	cfg.APIURL = envOrDefault("MAESTRO_API_URL", defaultAPIURL(cfg.BindAddr))

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("MAESTRO_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("MAESTRO_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.WSEventBuffer, err = intFromEnv("MAESTRO_WS_EVENT_BUFFER", 256)
	if err != nil {
		return Config{}, err
	}

	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("MAESTRO_SHUTDOWN_TIMEOUT must be positive")
	}
	if cfg.WSEventBuffer <= 0 {
		return Config{}, fmt.Errorf("MAESTRO_WS_EVENT_BUFFER must be positive")
	}
	if cfg.AgentCommand == "" {
		return Config{}, fmt.Errorf("MAESTRO_AGENT_COMMAND must not be empty")
	}

	return cfg, nil
}

// defaultAPIURL turns the bind address into a loopback URL agents can use
// when no explicit MAESTRO_API_URL is set.
func defaultAPIURL(bindAddr string) string {
	host, port, ok := strings.Cut(bindAddr, ":")
	if !ok {
		return "http://127.0.0.1:8080"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%s", host, port)
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
