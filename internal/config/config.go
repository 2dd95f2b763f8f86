// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
)

// Config holds every environment-sourced setting the process needs.
// Required fields fail process startup; optional fields degrade their
// owning collaborator gracefully.
type Config struct {
	DBPath string

	AppTokenSecret        string // verifies opaque bearer tokens (authn.Resolver)
	AppLegacyHeaderSecret string // legacy header guard for the /api surface

	LLMAPIKey  string
	LLMBaseURL string

	EmbeddingAPIKey string // optional: absence degrades Consulta to non-semantic mode

	GmailOAuthClientID     string // optional: server-side token exchange
	GmailOAuthClientSecret string

	PushServiceAccountPath string

	LogPath  string
	LogLevel string
	AppEnv   string
}

// Load reads all environment variables, failing fast if a required one is
// missing. Optional settings are left blank and handled by their owners.
func Load() (*Config, error) {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "/data/nexus.sqlite"
	}

	llmBaseURL := os.Getenv("LLM_BASE_URL")
	if llmBaseURL == "" {
		llmBaseURL = "https://api.deepseek.com/chat/completions"
	}

	logPath := os.Getenv("LOG_PATH")
	if logPath == "" {
		logPath = "/var/log/nexus/nexus.log"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	c := &Config{
		DBPath:                 dbPath,
		AppTokenSecret:         os.Getenv("APP_TOKEN_SECRET"),
		AppLegacyHeaderSecret:  os.Getenv("APP_LEGACY_HEADER_SECRET"),
		LLMAPIKey:              os.Getenv("LLM_API_KEY"),
		LLMBaseURL:             llmBaseURL,
		EmbeddingAPIKey:        os.Getenv("EMBEDDING_API_KEY"),
		GmailOAuthClientID:     os.Getenv("GMAIL_OAUTH_CLIENT_ID"),
		GmailOAuthClientSecret: os.Getenv("GMAIL_OAUTH_CLIENT_SECRET"),
		PushServiceAccountPath: os.Getenv("PUSH_SERVICE_ACCOUNT_PATH"),
		LogPath:                logPath,
		LogLevel:               logLevel,
		AppEnv:                 os.Getenv("APP_ENV"),
	}

	required := map[string]string{
		"APP_TOKEN_SECRET": c.AppTokenSecret,
		"LLM_API_KEY":      c.LLMAPIKey,
	}

	for key, val := range required {
		if val == "" {
			return nil, fmt.Errorf("config: missing required environment variable: %s", key)
		}
	}

	return c, nil
}
