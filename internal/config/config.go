package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	RedisURL      string
	// Search
	MeiliURL       string
	MeiliMasterKey string
	// Storage: ReposDir enables git-backed notebooks, otherwise notebooks
	// are plain .ipynb files under NotebooksDir.
	ReposDir     string
	NotebooksDir string
	// Collaboration sessions. APIKeyHash, a bcrypt hash, takes precedence
	// over the plain APIKey.
	APIKey        string
	APIKeyHash    string
	SessionSecret string
	SessionTTL    time.Duration
	// ForkSyncTimeout of zero waits for fork sync indefinitely.
	ForkSyncTimeout   time.Duration
	MoveRebindTimeout time.Duration
	SettingsPath      string
	UserName          string
	CORSOrigin        string
}

// Load reads the environment. Empty DatabaseURL, RedisURL or MeiliURL
// disables the decision log, the shared fork directory or search.
func Load() Config {
	return Config{
		Addr:              getenv("SUGGESTIONS_ADDR", ":8788"),
		DatabaseURL:       getenv("SUGGESTIONS_DATABASE_URL", ""),
		MigrationsDir:     getenv("SUGGESTIONS_MIGRATIONS_DIR", "./db/migrations"),
		RedisURL:          getenv("SUGGESTIONS_REDIS_URL", ""),
		MeiliURL:          getenv("MEILI_URL", ""),
		MeiliMasterKey:    getenv("MEILI_MASTER_KEY", ""),
		ReposDir:          getenv("SUGGESTIONS_REPOS_DIR", ""),
		NotebooksDir:      getenv("SUGGESTIONS_NOTEBOOKS_DIR", "./data/notebooks"),
		APIKey:            getenv("SUGGESTIONS_API_KEY", "suggestions-dev-key"),
		APIKeyHash:        getenv("SUGGESTIONS_API_KEY_HASH", ""),
		SessionSecret:     getenv("SUGGESTIONS_SESSION_SECRET", "suggestions-dev-secret"),
		SessionTTL:        time.Duration(getenvInt("SUGGESTIONS_SESSION_TTL_SECONDS", 3600)) * time.Second,
		ForkSyncTimeout:   getenvDuration("SUGGESTIONS_FORK_SYNC_TIMEOUT", 0),
		MoveRebindTimeout: getenvDuration("SUGGESTIONS_MOVE_REBIND_TIMEOUT", 5*time.Second),
		SettingsPath:      getenv("SUGGESTIONS_SETTINGS", "./data/settings.jsonc"),
		UserName:          getenv("SUGGESTIONS_USER", ""),
		CORSOrigin:        getenv("SUGGESTIONS_CORS_ORIGIN", "*"),
	}
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

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
