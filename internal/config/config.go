package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort               = "8080"
	defaultSessionCookieName  = "session"
	defaultSessionTTLHours    = 24 * 30
	defaultDefaultModel       = "gemini-2.0-flash-001"
	defaultFrontendOrigin     = "https://chat.konchat.app"
	defaultOpenRouterBaseURL  = "https://openrouter.ai/api/v1"
	defaultBraveBaseURL       = "https://api.search.brave.com/res/v1"
	defaultOpenAIBaseURL      = "https://api.openai.com/v1"
	defaultLimitCacheTTLHours = 24
	defaultAnonymousCredits   = 100
	defaultSignupCredits      = 500
	defaultMaxToolSteps       = 5
	defaultToolRequestsPerSec = 1.0
)

type Config struct {
	Port                     string
	Environment              string
	LogMode                  string
	FrontendOrigin           string
	AllowedOrigins           []string
	CookieSecure             bool
	SessionCookieName        string
	SessionTTL               time.Duration
	GoogleClientID           string
	InsecureSkipGoogleVerify bool
	TursoDatabaseURL         string
	TursoAuthToken           string
	OpenRouterAPIKey         string
	OpenRouterBaseURL        string
	DefaultModel             string
	BraveAPIKey              string
	BraveBaseURL             string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	LimitCacheTTL            time.Duration
	AnonymousCredits         int64
	SignupCredits            int64
	MaxToolSteps             int
	ToolRequestsPerSecond    float64
	BillingWebhookSecret     string
	OpenAIAPIKey             string
	OpenAIBaseURL            string
	GCSBucket                string
	ObjectPublicBaseURL      string
}

func (c Config) ListenAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

func Load() (Config, error) {
	cfg := Config{
		Port:                     envOrDefault("PORT", defaultPort),
		Environment:              envOrDefault("APP_ENV", "development"),
		LogMode:                  envOrDefault("LOG_MODE", "development"),
		FrontendOrigin:           envOrDefault("FRONTEND_ORIGIN", defaultFrontendOrigin),
		CookieSecure:             boolOrDefault("COOKIE_SECURE", false),
		SessionCookieName:        envOrDefault("SESSION_COOKIE_NAME", defaultSessionCookieName),
		GoogleClientID:           strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
		InsecureSkipGoogleVerify: boolOrDefault("AUTH_INSECURE_SKIP_GOOGLE_VERIFY", false),
		TursoDatabaseURL:         strings.TrimSpace(os.Getenv("TURSO_DATABASE_URL")),
		TursoAuthToken:           strings.TrimSpace(os.Getenv("TURSO_AUTH_TOKEN")),
		OpenRouterAPIKey:         strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")),
		OpenRouterBaseURL:        envOrDefault("OPENROUTER_BASE_URL", defaultOpenRouterBaseURL),
		DefaultModel:             envOrDefault("DEFAULT_MODEL", defaultDefaultModel),
		BraveAPIKey:              strings.TrimSpace(os.Getenv("BRAVE_API_KEY")),
		BraveBaseURL:             envOrDefault("BRAVE_BASE_URL", defaultBraveBaseURL),
		RedisAddr:                strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:            strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		RedisDB:                  intOrDefault("REDIS_DB", 0),
		AnonymousCredits:         int64(intOrDefault("ANONYMOUS_CREDITS", defaultAnonymousCredits)),
		SignupCredits:            int64(intOrDefault("SIGNUP_CREDITS", defaultSignupCredits)),
		MaxToolSteps:             intOrDefault("MAX_TOOL_STEPS", defaultMaxToolSteps),
		ToolRequestsPerSecond:    floatOrDefault("TOOL_REQUESTS_PER_SECOND", defaultToolRequestsPerSec),
		BillingWebhookSecret:     strings.TrimSpace(os.Getenv("BILLING_WEBHOOK_SECRET")),
		OpenAIAPIKey:             strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:            envOrDefault("OPENAI_BASE_URL", defaultOpenAIBaseURL),
		GCSBucket:                strings.TrimSpace(os.Getenv("GCS_BUCKET")),
	}
	cfg.ObjectPublicBaseURL = envOrDefault("OBJECT_PUBLIC_BASE_URL", "https://storage.googleapis.com/"+cfg.GCSBucket)

	if cfg.Environment == "production" {
		cfg.CookieSecure = true
	}

	sessionTTLHours := intOrDefault("SESSION_TTL_HOURS", defaultSessionTTLHours)
	cfg.SessionTTL = time.Duration(sessionTTLHours) * time.Hour
	if cfg.SessionTTL <= 0 {
		return Config{}, errors.New("SESSION_TTL_HOURS must be > 0")
	}

	limitTTLHours := intOrDefault("LIMIT_CACHE_TTL_HOURS", defaultLimitCacheTTLHours)
	cfg.LimitCacheTTL = time.Duration(limitTTLHours) * time.Hour
	if cfg.LimitCacheTTL <= 0 {
		return Config{}, errors.New("LIMIT_CACHE_TTL_HOURS must be > 0")
	}

	if cfg.AnonymousCredits < 0 || cfg.SignupCredits < 0 {
		return Config{}, errors.New("ANONYMOUS_CREDITS and SIGNUP_CREDITS must be >= 0")
	}
	if cfg.MaxToolSteps <= 0 {
		return Config{}, errors.New("MAX_TOOL_STEPS must be > 0")
	}

	origins := parseList(envOrDefault("CORS_ALLOWED_ORIGINS", cfg.FrontendOrigin+",http://localhost:5173,http://localhost:4173"))
	if len(origins) == 0 {
		return Config{}, errors.New("CORS_ALLOWED_ORIGINS must include at least one origin")
	}
	cfg.AllowedOrigins = origins

	if cfg.TursoDatabaseURL == "" {
		return Config{}, errors.New("TURSO_DATABASE_URL is required")
	}
	if strings.HasPrefix(cfg.TursoDatabaseURL, "libsql://") && cfg.TursoAuthToken == "" {
		return Config{}, errors.New("TURSO_AUTH_TOKEN is required for libsql:// URLs")
	}
	if !cfg.InsecureSkipGoogleVerify && cfg.GoogleClientID == "" {
		return Config{}, errors.New("GOOGLE_CLIENT_ID is required unless AUTH_INSECURE_SKIP_GOOGLE_VERIFY=true")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func boolOrDefault(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func intOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func floatOrDefault(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
