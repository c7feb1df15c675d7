package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"verifiedid-verifier/pkg/config"
	"verifiedid-verifier/pkg/domain/presentation"
	"verifiedid-verifier/pkg/infrastructure/persistence/session"
	"verifiedid-verifier/pkg/logger"
	"verifiedid-verifier/pkg/metrics"
	"verifiedid-verifier/pkg/observability"
	"verifiedid-verifier/pkg/requestservice"
	"verifiedid-verifier/pkg/transport"
	"verifiedid-verifier/pkg/verifier"
)

const shutdownTimeout = 30 * time.Second

type serveFlags struct {
	host       string
	port       int
	mode       string
	storePath  string
	sessionTTL time.Duration
	logLevel   string
	logFormat  string
	logBodies  bool
	rateLimit  int
	metrics    bool
	otel       bool
	otelURL    string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the verifier HTTP API",
		Long: `serve starts the verifier API. Settings are read from defaults, the YAML
config file, the .env file, VERIFIER_* environment variables and finally
the flags below.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(cmd, root, flags)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	bindServeFlags(cmd.Flags(), flags)
	return cmd
}

func bindServeFlags(f *pflag.FlagSet, flags *serveFlags) {
	f.StringVar(&flags.host, "host", "", "Address to bind")
	f.IntVar(&flags.port, "port", 0, "Port to listen on")
	f.StringVar(&flags.mode, "mode", "", "Verifier mode (openid4vp, request_service)")
	f.StringVar(&flags.storePath, "store-path", "", "bbolt session store path (in-memory when empty)")
	f.DurationVar(&flags.sessionTTL, "session-ttl", 0, "How long a presentation request stays valid")
	f.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flags.logFormat, "log-format", "", "Log format (console, json)")
	f.BoolVar(&flags.logBodies, "log-http-bodies", false, "Log HTTP request/response bodies")
	f.IntVar(&flags.rateLimit, "rate-limit", 0, "Requests per minute per client (negative disables)")
	f.BoolVar(&flags.metrics, "metrics", true, "Expose Prometheus metrics on /metrics")
	f.BoolVar(&flags.otel, "otel", false, "Enable OpenTelemetry tracing")
	f.StringVar(&flags.otelURL, "otel-endpoint", "", "OTLP HTTP traces endpoint")
}

// loadServeConfig layers flags over the loaded configuration and validates the result.
func loadServeConfig(cmd *cobra.Command, root *rootOptions, flags *serveFlags) (*config.Config, error) {
	cfg, err := config.Load(root.envFile, root.configFile)
	if err != nil {
		return nil, err
	}
	applyServeFlags(cmd, cfg, flags)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyServeFlags overrides only the flags the user actually set.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config, flags *serveFlags) {
	changed := cmd.Flags().Changed

	if changed("host") {
		cfg.Host = flags.host
	}
	if changed("port") {
		cfg.Port = flags.port
	}
	if changed("mode") {
		cfg.Mode = flags.mode
	}
	if changed("store-path") {
		cfg.StorePath = flags.storePath
	}
	if changed("session-ttl") {
		cfg.SessionTTL = config.Duration(flags.sessionTTL)
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = flags.logFormat
	}
	if changed("log-http-bodies") {
		cfg.LogBodies = flags.logBodies
	}
	if changed("rate-limit") {
		cfg.RateLimit = flags.rateLimit
	}
	if changed("metrics") {
		cfg.MetricsEnabled = flags.metrics
	}
	if changed("otel") {
		cfg.TracingEnabled = flags.otel
	}
	if changed("otel-endpoint") {
		cfg.TracingEndpoint = flags.otelURL
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.ServiceVersion = Version
	log := logger.New(cfg.ToLoggerConfig())
	logger.SetDefault(log)

	log.Info().
		Str("version", getVersion()).
		Str("mode", cfg.Mode).
		Str("addr", cfg.Addr()).
		Msg("Starting Verified ID verifier")

	shutdownTracing, err := observability.Initialize(ctx, cfg.ToTracingConfig())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}()

	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector(log, "verifier")
	}

	store, err := session.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close session store")
		}
	}()

	svc, err := newVerifier(cfg, store, log, collector)
	if err != nil {
		return err
	}

	go session.RunCleanup(ctx, store, time.Duration(cfg.CleanupInterval), logger.Component(log, "session_janitor"), collector)

	httpTransport := transport.NewHTTPTransport(transport.HTTPTransportConfig{
		Host:        cfg.Host,
		Port:        cfg.Port,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.RateLimit,
		Logger:      log,
		LogBodies:   cfg.LogBodies,
		Metrics:     collector,
		Tracing:     cfg.TracingEnabled,
	}, svc)

	if err := httpTransport.Serve(ctx); err != nil {
		return err
	}

	log.Info().Msg("Verifier stopped")
	return nil
}

func newVerifier(cfg *config.Config, store presentation.Store, log zerolog.Logger, collector *metrics.Collector) (*verifier.Service, error) {
	opts := []verifier.Option{
		verifier.WithLogger(log),
		verifier.WithMetrics(collector),
	}

	if verifier.Mode(cfg.Mode) == verifier.ModeRequestService {
		credential, err := requestservice.NewCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret)
		if err != nil {
			return nil, err
		}
		client := requestservice.NewClient(cfg.ToRequestServiceConfig(), credential, log)
		opts = append(opts, verifier.WithRequester(client))
	}

	return verifier.NewService(cfg.ToVerifierConfig(), store, opts...), nil
}
