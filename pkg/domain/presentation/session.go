// Package presentation holds the verifier's session model and the storage contract for it.
package presentation

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a presentation session.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusVerified Status = "verified"
	StatusError    Status = "error"
)

// Session tracks a single presentation request from QR creation to wallet callback.
type Session struct {
	RequestID   string          `json:"request_id"`
	State       string          `json:"state_b64"`
	Nonce       string          `json:"nonce"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Status      Status          `json:"status"`
	VPToken     string          `json:"vp_token,omitempty"`
	Subject     string          `json:"subject,omitempty"`
	RawCallback json.RawMessage `json:"raw_callback,omitempty"`
	Error       string          `json:"error,omitempty"`

	// Set only in request-service mode, where the Entra service assigns its own id.
	ServiceRequestID string `json:"service_request_id,omitempty"`
}

// NewSession returns a waiting session that expires ttl after now.
func NewSession(requestID, state, nonce string, now time.Time, ttl time.Duration) Session {
	return Session{
		RequestID: requestID,
		State:     state,
		Nonce:     nonce,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Status:    StatusWaiting,
	}
}

// IsExpiredAt reports whether the session is past its expiry at t.
// A zero ExpiresAt never expires.
func (s Session) IsExpiredAt(t time.Time) bool {
	return !s.ExpiresAt.IsZero() && !t.Before(s.ExpiresAt)
}

// MarkVerified records a presented token.
func (s *Session) MarkVerified(vpToken, subject string) {
	s.Status = StatusVerified
	s.VPToken = vpToken
	s.Subject = subject
	s.Error = ""
}

// MarkError records a failed presentation.
func (s *Session) MarkError(message string) {
	if message == "" {
		message = "unknown error"
	}
	s.Status = StatusError
	s.Error = message
}

// Filter selects sessions in List.
type Filter interface {
	Apply(Session) bool
}

// StatusFilter keeps sessions in the given status.
type StatusFilter Status

func (f StatusFilter) Apply(s Session) bool {
	return s.Status == Status(f)
}

// Store persists sessions. Implementations return errors with CodeNotFound
// for missing ids and CodeAlreadyExists on duplicate creates.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, requestID string) (Session, error)
	Update(ctx context.Context, s Session) error
	// Mutate applies fn to the stored session atomically and returns the result.
	// An error from fn aborts the write.
	Mutate(ctx context.Context, requestID string, fn func(*Session) error) (Session, error)
	Delete(ctx context.Context, requestID string) error
	List(ctx context.Context, filters ...Filter) ([]Session, error)
	// Cleanup removes sessions expired at now and returns how many were removed.
	Cleanup(ctx context.Context, now time.Time) (int, error)
	Close() error
}
