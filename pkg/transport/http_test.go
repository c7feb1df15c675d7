package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifiedid-verifier/pkg/infrastructure/persistence/session"
	"verifiedid-verifier/pkg/metrics"
	"verifiedid-verifier/pkg/verifier"
)

var fixedNow = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

func newTestVerifier(cfg verifier.Config, opts ...verifier.Option) *verifier.Service {
	store := session.NewMemoryStore()
	store.SetClock(func() time.Time { return fixedNow })
	n := 0
	opts = append([]verifier.Option{
		verifier.WithClock(func() time.Time { return fixedNow }),
		verifier.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
		}),
	}, opts...)
	return verifier.NewService(cfg, store, opts...)
}

func verifierConfig() verifier.Config {
	return verifier.Config{
		TenantID:    "tenant-1",
		ClientID:    "client-1",
		RedirectURI: "https://verifier.example.com/presentation/callback",
		CORSOrigins: []string{"http://localhost:5173"},
		SessionTTL:  time.Hour,
	}
}

func newTestTransport(t *testing.T, mutate func(*HTTPTransportConfig)) (*HTTPTransport, *metrics.Collector) {
	t.Helper()
	m := metrics.NewCollector(zerolog.Nop(), "")
	cfg := HTTPTransportConfig{
		CORSOrigins: []string{"http://localhost:5173"},
		Logger:      zerolog.Nop(),
		LogBodies:   true,
		Metrics:     m,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewHTTPTransport(cfg, newTestVerifier(verifierConfig(), verifier.WithMetrics(cfg.Metrics))), m
}

func do(t *testing.T, h http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func unsignedToken(claims string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256K"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString([]byte(claims)) + ".sig"
}

func TestHTTPTransport_RootAndHealth(t *testing.T) {
	tr, _ := newTestTransport(t, nil)

	rec := do(t, tr.Handler(), http.MethodGet, "/", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	info := decode(t, rec)
	assert.Equal(t, true, info["ok"])
	assert.Equal(t, "Verified ID Verifier API", info["service"])
	assert.Equal(t, "OpenID4VP (vp_token via direct_post)", info["mode"])

	rec = do(t, tr.Handler(), http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-10-18T09:30:00Z", decode(t, rec)["time"])
}

func TestHTTPTransport_PresentationFlowJSON(t *testing.T) {
	tr, _ := newTestTransport(t, nil)
	h := tr.Handler()

	rec := do(t, h, http.MethodPost, "/presentation/request", "application/json", `{"ignored":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	created := decode(t, rec)
	requestID := created["request_id"].(string)
	state := created["state"].(string)
	assert.Contains(t, created["openid_url"], "response_mode=direct_post")

	rec = do(t, h, http.MethodGet, "/presentation/"+requestID+"/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "waiting", decode(t, rec)["status"])

	body := fmt.Sprintf(`{"state":%q,"vp_token":%q}`, state, unsignedToken(`{"sub":"did:example:alice"}`))
	rec = do(t, h, http.MethodPost, "/presentation/callback", "application/json", body)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode(t, rec)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, "verified", result["status"])

	rec = do(t, h, http.MethodGet, "/presentation/"+requestID+"/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, "verified", status["status"])
	assert.Equal(t, "did:example:alice", status["subject"])
	assert.Equal(t, true, status["has_vp_token"])
}

func TestHTTPTransport_CallbackErrorObjectAndNullSubject(t *testing.T) {
	tr, _ := newTestTransport(t, nil)
	h := tr.Handler()

	denied := decode(t, do(t, h, http.MethodPost, "/presentation/request", "", ""))
	body := fmt.Sprintf(`{"state":%q,"error":{"reason":"denied"},"vp_token":"tok"}`, denied["state"])
	rec := do(t, h, http.MethodPost, "/presentation/callback", "application/json", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "error", decode(t, rec)["status"])

	status := decode(t, do(t, h, http.MethodGet, "/presentation/"+denied["request_id"].(string)+"/status", "", ""))
	assert.Equal(t, "error", status["status"])
	assert.NotContains(t, status, "has_vp_token")

	anon := decode(t, do(t, h, http.MethodPost, "/presentation/request", "", ""))
	body = fmt.Sprintf(`{"state":123,"request_id":%q,"vp_token":"not-a-jwt"}`, anon["request_id"])
	rec = do(t, h, http.MethodPost, "/presentation/callback", "application/json", body)
	require.Equal(t, http.StatusOK, rec.Code)

	status = decode(t, do(t, h, http.MethodGet, "/presentation/"+anon["request_id"].(string)+"/status", "", ""))
	assert.Equal(t, "verified", status["status"])
	require.Contains(t, status, "subject")
	assert.Nil(t, status["subject"])
}

func TestHTTPTransport_PresentationFlowForm(t *testing.T) {
	tr, _ := newTestTransport(t, nil)
	h := tr.Handler()

	created := decode(t, do(t, h, http.MethodPost, "/presentation/request", "", ""))

	form := url.Values{}
	form.Set("state", created["state"].(string))
	form.Set("error", "access_denied")
	rec := do(t, h, http.MethodPost, "/presentation/callback", "application/x-www-form-urlencoded", form.Encode())
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode(t, rec)
	assert.Equal(t, false, result["ok"])
	assert.Equal(t, "error", result["status"])

	status := decode(t, do(t, h, http.MethodGet, "/presentation/"+created["request_id"].(string)+"/status", "", ""))
	assert.Equal(t, "error", status["status"])
	assert.Equal(t, "access_denied", status["error"])
}

func TestHTTPTransport_Errors(t *testing.T) {
	tr, _ := newTestTransport(t, nil)
	h := tr.Handler()

	tests := []struct {
		name        string
		method      string
		target      string
		contentType string
		body        string
		status      int
		detail      string
	}{
		{"invalid json", http.MethodPost, "/presentation/callback", "application/json", "{not json", http.StatusBadRequest, "Invalid JSON in callback"},
		{"json array", http.MethodPost, "/presentation/callback", "application/json", "[]", http.StatusBadRequest, "Invalid JSON in callback"},
		{"unknown state", http.MethodPost, "/presentation/callback", "application/json", `{"state":"bm9wZQ","vp_token":"x"}`, http.StatusBadRequest, "Unknown or expired state/request"},
		{"unknown request", http.MethodGet, "/presentation/does-not-exist/status", "", "", http.StatusNotFound, "Request not found or expired"},
		{"unknown route", http.MethodGet, "/nope", "", "", http.StatusNotFound, "Not Found"},
		{"wrong method", http.MethodGet, "/presentation/request", "", "", http.StatusMethodNotAllowed, "Method Not Allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.target, tt.contentType, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.detail, decode(t, rec)["detail"])
		})
	}
}

func TestHTTPTransport_CallbackAPIKey(t *testing.T) {
	cfg := verifierConfig()
	cfg.Mode = verifier.ModeRequestService
	cfg.CallbackAPIKey = "s3cret"
	tr := NewHTTPTransport(HTTPTransportConfig{Logger: zerolog.Nop()}, newTestVerifier(cfg))

	rec := do(t, tr.Handler(), http.MethodPost, "/presentation/callback", "application/json", `{"requestStatus":"request_retrieved","state":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid callback api-key", decode(t, rec)["detail"])

	req := httptest.NewRequest(http.MethodPost, "/presentation/callback", strings.NewReader(`{"requestStatus":"request_retrieved","state":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", "s3cret")
	rec = httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, req)
	// Authorised, but the state names no session.
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPTransport_CORS(t *testing.T) {
	tr, _ := newTestTransport(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/presentation/request", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHTTPTransport_RateLimit(t *testing.T) {
	tr, _ := newTestTransport(t, func(c *HTTPTransportConfig) { c.RateLimit = 2 })
	h := tr.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "", "").Code)

	rec := do(t, h, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Rate limit exceeded", decode(t, rec)["detail"])
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestHTTPTransport_Metrics(t *testing.T) {
	tr, _ := newTestTransport(t, nil)
	h := tr.Handler()

	do(t, h, http.MethodPost, "/presentation/request", "", "")
	do(t, h, http.MethodGet, "/presentation/unknown/status", "", "")

	rec := do(t, h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `verifier_presentation_requests_total{mode="openid4vp",result="success"} 1`)
	assert.Contains(t, body, `route="/presentation/{request_id}/status"`)
}

func TestHTTPTransport_ServeAndStop(t *testing.T) {
	tr := NewHTTPTransport(HTTPTransportConfig{Host: "127.0.0.1", Logger: zerolog.Nop()}, newTestVerifier(verifierConfig()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Serve(ctx) }()

	require.Eventually(t, func() bool { return tr.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + tr.Addr().String() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ok":true`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
