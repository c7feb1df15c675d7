// Package config loads verifier settings from defaults, a YAML file, a .env
// file and VERIFIER_* environment variables, in that order of precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"sigs.k8s.io/yaml"

	"verifiedid-verifier/pkg/domain/errors"
	"verifiedid-verifier/pkg/logger"
	"verifiedid-verifier/pkg/observability"
	"verifiedid-verifier/pkg/openid4vp"
	"verifiedid-verifier/pkg/requestservice"
	"verifiedid-verifier/pkg/verifier"
)

const envPrefix = "VERIFIER_"

// DefaultCORSOrigins are the frontends allowed to call the API.
var DefaultCORSOrigins = []string{
	"https://datastor.pages.dev",
	"https://dockerapi-aika.onrender.com",
	"http://localhost:5173",
	"http://localhost:3000",
}

// Duration accepts Go duration strings ("15m") in YAML.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid duration %s", string(b))
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full verifier configuration.
type Config struct {
	// Server
	Host      string `json:"host"`
	Port      int    `json:"port"`
	RateLimit int    `json:"rate_limit"`
	LogBodies bool   `json:"log_bodies"`

	// Verifier identity
	Mode          string   `json:"mode"`
	ServiceName   string   `json:"service_name"`
	TenantID      string   `json:"tenant_id"`
	ClientID      string   `json:"client_id"`
	ClientSecret  string   `json:"client_secret"`
	RedirectURI   string   `json:"redirect_uri"`
	AuthorityHost string   `json:"authority_host"`
	CORSOrigins   []string `json:"cors_origins"`

	// Sessions
	StorePath       string   `json:"store_path"`
	SessionTTL      Duration `json:"session_ttl"`
	CleanupInterval Duration `json:"cleanup_interval"`

	// Logging
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// Observability
	MetricsEnabled    bool    `json:"metrics_enabled"`
	TracingEnabled    bool    `json:"tracing_enabled"`
	TracingEndpoint   string  `json:"tracing_endpoint"`
	TracingSampleRate float64 `json:"tracing_sample_rate"`
	Environment       string  `json:"environment"`
	ServiceVersion    string  `json:"service_version"`

	// Request Service mode
	RequestService RequestServiceConfig `json:"request_service"`
}

// RequestServiceConfig configures the Verified ID Request Service client.
type RequestServiceConfig struct {
	Endpoint        string   `json:"endpoint"`
	Authority       string   `json:"authority"`
	ClientName      string   `json:"client_name"`
	CredentialType  string   `json:"credential_type"`
	Purpose         string   `json:"purpose"`
	AcceptedIssuers []string `json:"accepted_issuers"`
	CallbackURL     string   `json:"callback_url"`
	CallbackAPIKey  string   `json:"callback_api_key"`
	Timeout         Duration `json:"timeout"`
	RetryMax        int      `json:"retry_max"`
}

// Load builds the configuration. Either file may be empty; a missing .env file is ignored.
// The result is not validated, so callers can apply flag overrides before Validate.
func Load(envFile, configFile string) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		if err := cfg.loadFile(configFile); err != nil {
			return nil, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.New(errors.CodeConfigurationInvalid, "config", "failed to load .env file", err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns the settings the service runs with out of the box.
func DefaultConfig() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              8000,
		RateLimit:         120,
		Mode:              string(verifier.ModeOpenID4VP),
		ServiceName:       "Verified ID Verifier API",
		TenantID:          "39d28fd2-8cad-4518-b104-f0d193a7d451",
		ClientID:          "780eaf2e-e0a9-421f-8ec3-006c13b504d0",
		RedirectURI:       "https://dockerapi-aika.onrender.com/presentation/callback",
		AuthorityHost:     openid4vp.DefaultAuthorityHost,
		CORSOrigins:       append([]string(nil), DefaultCORSOrigins...),
		SessionTTL:        Duration(15 * time.Minute),
		CleanupInterval:   Duration(time.Minute),
		LogLevel:          "info",
		LogFormat:         "console",
		MetricsEnabled:    true,
		TracingEndpoint:   "http://localhost:4318/v1/traces",
		TracingSampleRate: 1.0,
		Environment:       "development",
		ServiceVersion:    "dev",
		RequestService: RequestServiceConfig{
			Endpoint:   requestservice.DefaultEndpoint,
			ClientName: "Verified ID Verifier",
			Purpose:    "Verify your credential",
			Timeout:    Duration(30 * time.Second),
			RetryMax:   3,
		},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.New(errors.CodeConfigurationInvalid, "config", fmt.Sprintf("failed to read config file %s", path), err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return errors.New(errors.CodeConfigurationInvalid, "config", fmt.Sprintf("failed to parse config file %s", path), err)
	}
	return nil
}

// envReader collects the first malformed value so every variable is visited once.
type envReader struct {
	err error
}

func (r *envReader) str(name string, dst *string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func (r *envReader) list(name string, dst *[]string) {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (r *envReader) integer(name string, dst *int) {
	if v := os.Getenv(envPrefix + name); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) float(name string, dst *float64) {
	if v := os.Getenv(envPrefix + name); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(name, v, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) boolean(name string, dst *bool) {
	if v := os.Getenv(envPrefix + name); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(name string, dst *Duration) {
	if v := os.Getenv(envPrefix + name); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(name, v, err)
			return
		}
		*dst = Duration(d)
	}
}

func (r *envReader) fail(name, value string, err error) {
	if r.err == nil {
		r.err = errors.New(errors.CodeConfigurationInvalid, "config",
			fmt.Sprintf("invalid value %q for %s%s", value, envPrefix, name), err)
	}
}

func loadFromEnv(cfg *Config) error {
	r := &envReader{}

	r.str("HOST", &cfg.Host)
	r.integer("PORT", &cfg.Port)
	r.integer("RATE_LIMIT", &cfg.RateLimit)
	r.boolean("LOG_BODIES", &cfg.LogBodies)

	r.str("MODE", &cfg.Mode)
	r.str("SERVICE_NAME", &cfg.ServiceName)
	r.str("TENANT_ID", &cfg.TenantID)
	r.str("CLIENT_ID", &cfg.ClientID)
	r.str("CLIENT_SECRET", &cfg.ClientSecret)
	r.str("REDIRECT_URI", &cfg.RedirectURI)
	r.str("AUTHORITY_HOST", &cfg.AuthorityHost)
	r.list("CORS_ORIGINS", &cfg.CORSOrigins)

	r.str("STORE_PATH", &cfg.StorePath)
	r.duration("SESSION_TTL", &cfg.SessionTTL)
	r.duration("CLEANUP_INTERVAL", &cfg.CleanupInterval)

	r.str("LOG_LEVEL", &cfg.LogLevel)
	r.str("LOG_FORMAT", &cfg.LogFormat)

	r.boolean("METRICS_ENABLED", &cfg.MetricsEnabled)
	r.boolean("TRACING_ENABLED", &cfg.TracingEnabled)
	r.str("TRACING_ENDPOINT", &cfg.TracingEndpoint)
	r.float("TRACING_SAMPLE_RATE", &cfg.TracingSampleRate)
	r.str("ENVIRONMENT", &cfg.Environment)

	rs := &cfg.RequestService
	r.str("RS_ENDPOINT", &rs.Endpoint)
	r.str("RS_AUTHORITY", &rs.Authority)
	r.str("RS_CLIENT_NAME", &rs.ClientName)
	r.str("RS_CREDENTIAL_TYPE", &rs.CredentialType)
	r.str("RS_PURPOSE", &rs.Purpose)
	r.list("RS_ACCEPTED_ISSUERS", &rs.AcceptedIssuers)
	r.str("RS_CALLBACK_URL", &rs.CallbackURL)
	r.str("RS_CALLBACK_API_KEY", &rs.CallbackAPIKey)
	r.duration("RS_TIMEOUT", &rs.Timeout)
	r.integer("RS_RETRY_MAX", &rs.RetryMax)

	return r.err
}

// Validate checks field ranges and the settings each mode depends on.
func (c *Config) Validate() error {
	invalid := func(msg string) error {
		return errors.New(errors.CodeConfigurationInvalid, "config", msg, nil)
	}

	if c.Port < 0 || c.Port > 65535 {
		return invalid("port must be between 0 and 65535")
	}
	if time.Duration(c.SessionTTL) <= 0 {
		return invalid("session_ttl must be positive")
	}
	if time.Duration(c.CleanupInterval) <= 0 {
		return invalid("cleanup_interval must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log_level must be one of: debug, info, warn, error")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return invalid("log_format must be one of: console, json")
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return invalid("tracing_sample_rate must be between 0 and 1")
	}
	if c.TracingEnabled && c.TracingEndpoint == "" {
		return invalid("tracing_endpoint is required when tracing is enabled")
	}

	if c.TenantID == "" || c.ClientID == "" {
		return invalid("tenant_id and client_id are required")
	}

	switch verifier.Mode(c.Mode) {
	case verifier.ModeOpenID4VP:
		if c.RedirectURI == "" {
			return invalid("redirect_uri is required in openid4vp mode")
		}
	case verifier.ModeRequestService:
		if c.ClientSecret == "" {
			return invalid("client_secret is required in request_service mode")
		}
		if c.RequestService.Authority == "" {
			return invalid("request_service.authority (verifier DID) is required in request_service mode")
		}
		if c.RequestService.CredentialType == "" {
			return invalid("request_service.credential_type is required in request_service mode")
		}
		if c.RequestService.CallbackURL == "" {
			return invalid("request_service.callback_url is required in request_service mode")
		}
	default:
		return invalid(fmt.Sprintf("mode must be one of: %s, %s", verifier.ModeOpenID4VP, verifier.ModeRequestService))
	}
	return nil
}

// Addr returns the host:port the server binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) ToVerifierConfig() verifier.Config {
	return verifier.Config{
		Mode:           verifier.Mode(c.Mode),
		ServiceName:    c.ServiceName,
		TenantID:       c.TenantID,
		ClientID:       c.ClientID,
		RedirectURI:    c.RedirectURI,
		AuthorityHost:  c.AuthorityHost,
		CORSOrigins:    c.CORSOrigins,
		SessionTTL:     time.Duration(c.SessionTTL),
		CallbackAPIKey: c.RequestService.CallbackAPIKey,
	}
}

func (c *Config) ToRequestServiceConfig() requestservice.Config {
	rs := c.RequestService
	return requestservice.Config{
		Endpoint:       rs.Endpoint,
		Authority:      rs.Authority,
		ClientName:     rs.ClientName,
		CredentialType: rs.CredentialType,
		Purpose:        rs.Purpose,
		AcceptedIssuer: rs.AcceptedIssuers,
		CallbackURL:    rs.CallbackURL,
		CallbackAPIKey: rs.CallbackAPIKey,
		Timeout:        time.Duration(rs.Timeout),
		RetryMax:       rs.RetryMax,
	}
}

func (c *Config) ToTracingConfig() observability.Config {
	tc := observability.DefaultConfig()
	tc.Enabled = c.TracingEnabled
	tc.Endpoint = c.TracingEndpoint
	tc.SampleRate = c.TracingSampleRate
	tc.Environment = c.Environment
	tc.ServiceVersion = c.ServiceVersion
	return tc
}

func (c *Config) ToLoggerConfig() logger.Config {
	lc := logger.DefaultConfig()
	lc.Level = c.LogLevel
	lc.Format = c.LogFormat
	return lc
}
