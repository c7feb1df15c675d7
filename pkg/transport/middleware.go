package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Headers never written to the request log.
var sensitiveHeaders = map[string]bool{
	"Authorization": true,
	"Api-Key":       true,
	"Cookie":        true,
}

const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (t *HTTPTransport) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := middleware.GetReqID(r.Context())
		if requestID == "" {
			requestID = uuid.New().String()
		}

		logEvent := t.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent())

		if t.config.LogBodies {
			headers := make(map[string]string)
			for k, v := range r.Header {
				if !sensitiveHeaders[k] {
					headers[k] = strings.Join(v, ", ")
				}
			}
			logEvent.Interface("request_headers", headers)

			if r.Body != nil {
				logged, err := io.ReadAll(io.LimitReader(r.Body, t.config.MaxBodyLogSize))
				if err != nil {
					t.logger.Debug().Err(err).Msg("Failed to read request body")
				}
				// Hand the handler the captured prefix followed by whatever was not read.
				r.Body = readCloser{io.MultiReader(bytes.NewReader(logged), r.Body), r.Body}
				addBody(logEvent, "request_body", logged)
			}
		}

		logEvent.Msg("HTTP request received")

		wrapped := &loggingResponseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
			logBodies:      t.config.LogBodies,
			maxSize:        t.config.MaxBodyLogSize,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		responseLog := t.logger.Info().
			Str("request_id", requestID).
			Int("status", wrapped.statusCode).
			Dur("duration", duration).
			Int("response_size", wrapped.bytesWritten)
		if t.config.LogBodies {
			addBody(responseLog, "response_body", wrapped.body)
		}
		responseLog.Msg("HTTP response sent")

		t.metrics.RecordHTTPRequest(r.Method, routePattern(r), wrapped.statusCode, duration)

		if wrapped.statusCode >= 400 {
			t.logger.Warn().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Int("status", wrapped.statusCode).
				Msg("Request failed")
		}
	})
}

// routePattern keeps metric labels bounded by using the matched chi route.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

func addBody(e *zerolog.Event, key string, body []byte) {
	if len(body) == 0 {
		return
	}
	if json.Valid(body) {
		e.RawJSON(key, body)
		return
	}
	e.Str(key, string(body))
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (t *HTTPTransport) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.config.RateLimit < 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !t.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			t.sendDetail(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port RealIP leaves on RemoteAddr for direct connections.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (t *HTTPTransport) allow(ip string) bool {
	t.limitersMu.Lock()
	defer t.limitersMu.Unlock()

	cl, ok := t.limiters[ip]
	if !ok {
		perMinute := t.config.RateLimit
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)}
		t.limiters[ip] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter.Allow()
}

// pruneLimiters forgets clients that have been idle for limiterIdleTTL.
func (t *HTTPTransport) pruneLimiters(ctx context.Context) {
	ticker := time.NewTicker(limiterIdleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.limitersMu.Lock()
			for ip, cl := range t.limiters {
				if now.Sub(cl.lastSeen) > limiterIdleTTL {
					delete(t.limiters, ip)
				}
			}
			t.limitersMu.Unlock()
		}
	}
}

// loggingResponseWriter captures response data for logging
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	body         []byte
	bytesWritten int
	logBodies    bool
	maxSize      int64
	wroteHeader  bool
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(data []byte) (int, error) {
	w.wroteHeader = true
	if w.logBodies && int64(len(w.body)) < w.maxSize {
		remaining := w.maxSize - int64(len(w.body))
		toCopy := int64(len(data))
		if toCopy > remaining {
			toCopy = remaining
		}
		w.body = append(w.body, data[:toCopy]...)
	}

	n, err := w.ResponseWriter.Write(data)
	w.bytesWritten += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
