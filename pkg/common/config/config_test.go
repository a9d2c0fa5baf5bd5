package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "PUBLIC_BASE_URL", "LTI_LAUNCH_TTL", "LTI_CLOCK_SKEW", "LTI_KEY_CUSTODIAN", "CORS_ALLOWED_ORIGINS"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, 60*time.Minute, cfg.LaunchTTL)
	require.Equal(t, 10*time.Minute, cfg.LoginStateTTL)
	require.Equal(t, 300*time.Second, cfg.ClockSkew)
	require.Equal(t, time.Hour, cfg.JWKSCacheTTL)
	require.Equal(t, 10*time.Second, cfg.ScoreTimeout)
	require.Equal(t, "local", cfg.KeyCustodian)
	require.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	require.Equal(t, "http://localhost:8080/lti/launch", cfg.LaunchURL())
}

func TestLoadWithEnv(t *testing.T) {
	t.Setenv("PUBLIC_BASE_URL", "https://tool.example.com/")
	t.Setenv("LTI_LAUNCH_TTL", "30m")
	t.Setenv("LTI_CLOCK_SKEW", "120")
	t.Setenv("LTI_KEY_CUSTODIAN", "KMS")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://tool.example.com", cfg.PublicBaseURL)
	require.Equal(t, 30*time.Minute, cfg.LaunchTTL)
	require.Equal(t, 120*time.Second, cfg.ClockSkew)
	require.Equal(t, "kms", cfg.KeyCustodian)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
}

func TestLoadRejectsBadBaseURL(t *testing.T) {
	t.Setenv("PUBLIC_BASE_URL", "tool.example.com")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsUnknownCustodian(t *testing.T) {
	t.Setenv("PUBLIC_BASE_URL", "")
	t.Setenv("LTI_KEY_CUSTODIAN", "vault")
	_, err := Load()
	require.Error(t, err)
}
