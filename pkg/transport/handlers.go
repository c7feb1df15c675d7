package transport

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"verifiedid-verifier/pkg/domain/errors"
	"verifiedid-verifier/pkg/verifier"
)

func (t *HTTPTransport) handleRoot(w http.ResponseWriter, r *http.Request) {
	t.sendJSON(w, http.StatusOK, t.verifier.Info())
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	t.sendJSON(w, http.StatusOK, t.verifier.Health())
}

func (t *HTTPTransport) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	// The request carries no parameters; any body is drained and ignored.
	_, _ = io.Copy(io.Discard, http.MaxBytesReader(w, r.Body, t.config.MaxBodySize))

	resp, err := t.verifier.CreateRequest(r.Context())
	if err != nil {
		t.sendError(w, err)
		return
	}
	t.sendJSON(w, http.StatusOK, resp)
}

func (t *HTTPTransport) handleCallback(w http.ResponseWriter, r *http.Request) {
	if err := t.verifier.CheckCallbackKey(r.Header.Get("api-key")); err != nil {
		t.sendError(w, err)
		return
	}

	payload, err := t.decodeCallback(w, r)
	if err != nil {
		t.sendError(w, err)
		return
	}

	result, err := t.verifier.HandleCallback(r.Context(), payload)
	if err != nil {
		t.sendError(w, err)
		return
	}
	t.sendJSON(w, http.StatusOK, result)
}

// decodeCallback accepts direct_post form bodies as well as JSON.
func (t *HTTPTransport) decodeCallback(w http.ResponseWriter, r *http.Request) (verifier.CallbackPayload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, t.config.MaxBodySize)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return verifier.CallbackPayload{}, errors.New(errors.CodeValidationFailed, "transport", "Invalid form in callback", err)
		}
		return verifier.DecodeCallbackForm(r.PostForm)
	case "multipart/form-data":
		if err := r.ParseMultipartForm(t.config.MaxBodySize); err != nil {
			return verifier.CallbackPayload{}, errors.New(errors.CodeValidationFailed, "transport", "Invalid form in callback", err)
		}
		return verifier.DecodeCallbackForm(r.PostForm)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return verifier.CallbackPayload{}, errors.New(errors.CodeValidationFailed, "transport", "Invalid JSON in callback", err)
	}
	return verifier.DecodeCallbackJSON(body)
}

func (t *HTTPTransport) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := t.verifier.Status(r.Context(), chi.URLParam(r, "request_id"))
	if err != nil {
		t.sendError(w, err)
		return
	}
	t.sendJSON(w, http.StatusOK, resp)
}

// Helper methods

func (t *HTTPTransport) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		t.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// sendError maps a domain error onto its HTTP status. Internal failures are not echoed to clients.
func (t *HTTPTransport) sendError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := code.HTTPStatus()
	message := errors.MessageOf(err)
	if status >= http.StatusInternalServerError {
		t.logger.Error().Err(err).Str("code", string(code)).Msg("Request failed")
		if status == http.StatusInternalServerError {
			message = "Internal server error"
		}
	}
	t.sendDetail(w, status, message)
}

func (t *HTTPTransport) sendDetail(w http.ResponseWriter, status int, message string) {
	t.sendJSON(w, status, map[string]string{"detail": message})
}
