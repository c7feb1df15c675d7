package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifiedid-verifier/pkg/domain/errors"
	"verifiedid-verifier/pkg/verifier"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "0.0.0.0:8000", cfg.Addr())
	assert.Equal(t, string(verifier.ModeOpenID4VP), cfg.Mode)
	assert.Equal(t, DefaultCORSOrigins, cfg.CORSOrigins)
	assert.Equal(t, 15*time.Minute, time.Duration(cfg.SessionTTL))
	assert.Empty(t, cfg.StorePath)
}

func TestLoad_Precedence(t *testing.T) {
	configFile := writeFile(t, "verifier.yaml", `
port: 9000
log_level: debug
session_ttl: 5m
cors_origins:
  - https://app.example.com
request_service:
  purpose: Prove your membership
`)
	envFile := writeFile(t, ".env", "VERIFIER_PORT=9100\nVERIFIER_LOG_FORMAT=json\n")
	t.Cleanup(func() {
		os.Unsetenv("VERIFIER_PORT")
		os.Unsetenv("VERIFIER_LOG_FORMAT")
	})
	t.Setenv("VERIFIER_LOG_LEVEL", "warn")
	t.Setenv("VERIFIER_CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(envFile, configFile)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port, ".env overrides YAML")
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "warn", cfg.LogLevel, "environment overrides YAML")
	assert.Equal(t, 5*time.Minute, time.Duration(cfg.SessionTTL))
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, "Prove your membership", cfg.RequestService.Purpose)
	assert.Equal(t, 3, cfg.RequestService.RetryMax, "unset nested fields keep defaults")
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing config file", func(t *testing.T) {
		_, err := Load("", filepath.Join(t.TempDir(), "absent.yaml"))
		assert.True(t, errors.HasCode(err, errors.CodeConfigurationInvalid))
	})

	t.Run("unknown yaml field", func(t *testing.T) {
		_, err := Load("", writeFile(t, "bad.yaml", "prot: 9000\n"))
		assert.True(t, errors.HasCode(err, errors.CodeConfigurationInvalid))
	})

	t.Run("missing env file is ignored", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), ".env"), "")
		assert.NoError(t, err)
	})

	t.Run("malformed env value", func(t *testing.T) {
		t.Setenv("VERIFIER_SESSION_TTL", "soon")
		_, err := Load("", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "VERIFIER_SESSION_TTL")
	})
}

func TestLoad_LeavesValidationToCaller(t *testing.T) {
	t.Setenv("VERIFIER_MODE", string(verifier.ModeRequestService))

	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())

	cfg.Mode = string(verifier.ModeOpenID4VP)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults", func(*Config) {}, ""},
		{"port out of range", func(c *Config) { c.Port = 70000 }, "port"},
		{"zero ttl", func(c *Config) { c.SessionTTL = 0 }, "session_ttl"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"sample rate", func(c *Config) { c.TracingSampleRate = 2 }, "tracing_sample_rate"},
		{"unknown mode", func(c *Config) { c.Mode = "saml" }, "mode"},
		{"missing redirect", func(c *Config) { c.RedirectURI = "" }, "redirect_uri"},
		{"request service without secret", func(c *Config) { c.Mode = string(verifier.ModeRequestService) }, "client_secret"},
		{"request service complete", func(c *Config) {
			c.Mode = string(verifier.ModeRequestService)
			c.ClientSecret = "secret"
			c.RequestService.Authority = "did:web:verifier.example.com"
			c.RequestService.CredentialType = "VerifiedEmployee"
			c.RequestService.CallbackURL = "https://verifier.example.com/presentation/callback"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestService.CallbackAPIKey = "key"
	cfg.RequestService.AcceptedIssuers = []string{"did:web:issuer.example.com"}

	vc := cfg.ToVerifierConfig()
	assert.Equal(t, verifier.ModeOpenID4VP, vc.Mode)
	assert.Equal(t, 15*time.Minute, vc.SessionTTL)
	assert.Equal(t, "key", vc.CallbackAPIKey)

	rc := cfg.ToRequestServiceConfig()
	assert.Equal(t, []string{"did:web:issuer.example.com"}, rc.AcceptedIssuer)
	assert.Equal(t, 30*time.Second, rc.Timeout)

	tc := cfg.ToTracingConfig()
	assert.False(t, tc.Enabled)
	assert.Equal(t, "http://localhost:4318/v1/traces", tc.Endpoint)

	lc := cfg.ToLoggerConfig()
	assert.Equal(t, "info", lc.Level)
	assert.Equal(t, "console", lc.Format)
}
