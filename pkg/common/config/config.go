// Package config loads the tool's runtime settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads .env and .env.local if present. Already-set variables win.
func LoadDotEnv() {
	for _, f := range []string{".env", ".env.local"} {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", f, err)
			}
		}
	}
}

// Config contains runtime configuration values.
type Config struct {
	Port          string
	PublicBaseURL string
	LogLevel      string

	SQLitePath    string
	DatabaseURL   string
	RedisURL      string
	RedisPassword string
	NATSURL       string

	KeyCustodian    string // local | kms
	KeysDir         string
	GenerateDevKeys bool
	AWSRegion       string

	PlatformsFile string

	LaunchTTL           time.Duration
	LoginStateTTL       time.Duration
	ClockSkew           time.Duration
	JWKSCacheTTL        time.Duration
	JWKSTimeout         time.Duration
	TokenTimeout        time.Duration
	ScoreTimeout        time.Duration
	TokenSafetyMargin   time.Duration
	ExpirySweepInterval time.Duration

	InternalAPIToken   string
	CORSAllowedOrigins []string
	TracingExporter    string
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:          getEnv("PORT", "8080"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		SQLitePath:    getEnv("SQLITE_PATH", "./lti.db"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		NATSURL:       os.Getenv("NATS_URL"),

		KeyCustodian:    strings.ToLower(getEnv("LTI_KEY_CUSTODIAN", "local")),
		KeysDir:         os.Getenv("LTI_KEYS_DIR"),
		GenerateDevKeys: getBool("LTI_GENERATE_DEV_KEYS", false),
		AWSRegion:       os.Getenv("AWS_REGION"),

		PlatformsFile: os.Getenv("LTI_PLATFORMS_FILE"),

		LaunchTTL:           getDuration("LTI_LAUNCH_TTL", 60*time.Minute),
		LoginStateTTL:       getDuration("LTI_LOGIN_STATE_TTL", 10*time.Minute),
		ClockSkew:           getDuration("LTI_CLOCK_SKEW", 300*time.Second),
		JWKSCacheTTL:        getDuration("LTI_JWKS_CACHE_TTL", time.Hour),
		JWKSTimeout:         getDuration("LTI_JWKS_TIMEOUT", 5*time.Second),
		TokenTimeout:        getDuration("LTI_TOKEN_TIMEOUT", 5*time.Second),
		ScoreTimeout:        getDuration("LTI_SCORE_TIMEOUT", 10*time.Second),
		TokenSafetyMargin:   getDuration("LTI_TOKEN_SAFETY_MARGIN", 60*time.Second),
		ExpirySweepInterval: getDuration("LTI_EXPIRY_SWEEP_INTERVAL", 5*time.Minute),

		InternalAPIToken:   os.Getenv("LTI_INTERNAL_API_TOKEN"),
		CORSAllowedOrigins: getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		TracingExporter:    strings.ToLower(getEnv("TRACING_EXPORTER", "none")),
	}

	u, err := url.Parse(cfg.PublicBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) URL, got %q", cfg.PublicBaseURL)
	}
	switch cfg.KeyCustodian {
	case "local", "kms":
	default:
		return Config{}, fmt.Errorf("LTI_KEY_CUSTODIAN must be local or kms, got %q", cfg.KeyCustodian)
	}
	if cfg.LaunchTTL <= 0 || cfg.LoginStateTTL <= 0 {
		return Config{}, fmt.Errorf("LTI_LAUNCH_TTL and LTI_LOGIN_STATE_TTL must be positive")
	}
	return cfg, nil
}

// LaunchURL is the redirect_uri registered with platforms.
func (c Config) LaunchURL() string { return c.PublicBaseURL + "/lti/launch" }

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// getDuration accepts Go durations ("90s", "1h") or a bare number of seconds.
func getDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func getBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
