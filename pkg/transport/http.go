// Package transport exposes the verifier over HTTP.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"verifiedid-verifier/pkg/domain/errors"
	"verifiedid-verifier/pkg/metrics"
	"verifiedid-verifier/pkg/verifier"
)

const (
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 8000
	DefaultRateLimit      = 120 // requests per minute per client
	DefaultMaxBodyLogSize = 10 * 1024
	DefaultMaxBodySize    = 1 << 20
	DefaultRequestTimeout = 30 * time.Second
	corsMaxAge            = 10 * time.Minute
)

// Verifier is the application surface the transport serves.
type Verifier interface {
	Info() verifier.InfoResponse
	Health() verifier.HealthResponse
	CreateRequest(ctx context.Context) (*verifier.CreateResponse, error)
	CheckCallbackKey(key string) error
	HandleCallback(ctx context.Context, payload verifier.CallbackPayload) (*verifier.CallbackResult, error)
	Status(ctx context.Context, requestID string) (*verifier.StatusResponse, error)
}

// HTTPTransportConfig holds configuration for HTTP transport
type HTTPTransportConfig struct {
	Host           string
	Port           int // 0 binds an ephemeral port
	CORSOrigins    []string
	RateLimit      int // requests per minute per IP, negative disables
	Logger         zerolog.Logger
	LogBodies      bool
	MaxBodyLogSize int64 // Maximum size of request/response bodies to log
	MaxBodySize    int64
	RequestTimeout time.Duration
	Metrics        *metrics.Collector
	Tracing        bool
}

// HTTPTransport serves the verifier API
type HTTPTransport struct {
	server   *http.Server
	router   chi.Router
	handler  http.Handler
	verifier Verifier
	logger   zerolog.Logger
	metrics  *metrics.Collector
	config   HTTPTransportConfig

	limitersMu sync.Mutex
	limiters   map[string]*clientLimiter

	addrMu sync.RWMutex
	addr   net.Addr
}

// NewHTTPTransport creates a new HTTP transport
func NewHTTPTransport(config HTTPTransportConfig, v Verifier) *HTTPTransport {
	if config.Host == "" {
		config.Host = DefaultHost
	}
	if config.RateLimit == 0 {
		config.RateLimit = DefaultRateLimit
	}
	if config.MaxBodyLogSize == 0 {
		config.MaxBodyLogSize = DefaultMaxBodyLogSize
	}
	if config.MaxBodySize == 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}

	t := &HTTPTransport{
		verifier: v,
		logger:   config.Logger.With().Str("component", "http_transport").Logger(),
		metrics:  config.Metrics,
		config:   config,
		limiters: make(map[string]*clientLimiter),
	}

	t.setupRouter()
	return t
}

// setupRouter initializes HTTP router and middleware
func (t *HTTPTransport) setupRouter() {
	t.router = chi.NewRouter()

	t.router.Use(middleware.RequestID)
	t.router.Use(middleware.RealIP)
	t.router.Use(middleware.Recoverer)
	t.router.Use(t.setupCORS())
	t.router.Use(t.rateLimitMiddleware)
	t.router.Use(t.loggingMiddleware)
	t.router.Use(middleware.Timeout(t.config.RequestTimeout))

	t.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		t.sendDetail(w, http.StatusNotFound, "Not Found")
	})
	t.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		t.sendDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	t.router.Get("/", t.handleRoot)
	t.router.Get("/health", t.handleHealth)
	t.router.Post("/presentation/request", t.handleCreateRequest)
	t.router.Post("/presentation/callback", t.handleCallback)
	t.router.Get("/presentation/{request_id}/status", t.handleStatus)

	if t.metrics != nil {
		t.router.Method(http.MethodGet, "/metrics", t.metrics.Handler())
	}

	t.handler = t.router
	if t.config.Tracing {
		t.handler = otelhttp.NewHandler(t.router, "verifier",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}))
	}
}

// setupCORS creates CORS middleware
func (t *HTTPTransport) setupCORS() func(http.Handler) http.Handler {
	corsOptions := cors.Options{
		AllowedOrigins:   t.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           int(corsMaxAge.Seconds()),
	}

	if len(t.config.CORSOrigins) == 0 || (len(t.config.CORSOrigins) == 1 && t.config.CORSOrigins[0] == "*") {
		corsOptions.AllowedOrigins = []string{"*"}
		corsOptions.AllowCredentials = false
	}

	return cors.Handler(corsOptions)
}

// Handler returns the fully wrapped HTTP handler
func (t *HTTPTransport) Handler() http.Handler {
	return t.handler
}

// Serve listens on the configured address and blocks until ctx is cancelled or the server fails
func (t *HTTPTransport) Serve(ctx context.Context) error {
	listenAddr := net.JoinHostPort(t.config.Host, fmt.Sprintf("%d", t.config.Port))

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return errors.New(errors.CodeNetworkError, "transport", fmt.Sprintf("failed to listen on %s", listenAddr), err)
	}

	t.addrMu.Lock()
	t.addr = ln.Addr()
	t.server = &http.Server{
		Handler:           t.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       t.config.RequestTimeout,
		WriteTimeout:      t.config.RequestTimeout + 5*time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	server := t.server
	t.addrMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP transport")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- errors.New(errors.CodeNetworkError, "transport", "HTTP server failed", err)
		}
		close(errCh)
	}()

	go t.pruneLimiters(ctx)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), t.config.RequestTimeout)
		defer cancel()
		return t.Stop(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Stop gracefully shuts down the HTTP server
func (t *HTTPTransport) Stop(ctx context.Context) error {
	t.addrMu.RLock()
	server := t.server
	t.addrMu.RUnlock()

	if server == nil {
		return nil
	}

	t.logger.Info().Msg("Stopping HTTP transport")
	return server.Shutdown(ctx)
}

// Addr returns the bound listener address once Serve has started
func (t *HTTPTransport) Addr() net.Addr {
	t.addrMu.RLock()
	defer t.addrMu.RUnlock()
	return t.addr
}
