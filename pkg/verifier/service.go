// Package verifier implements the presentation request lifecycle of a
// Microsoft Entra Verified ID verifier: create a request, accept the wallet
// callback, and report status to the polling frontend.
package verifier

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"verifiedid-verifier/pkg/domain/errors"
	"verifiedid-verifier/pkg/domain/presentation"
	"verifiedid-verifier/pkg/metrics"
	"verifiedid-verifier/pkg/observability"
	"verifiedid-verifier/pkg/openid4vp"
	"verifiedid-verifier/pkg/requestservice"
)

// Mode selects how presentation requests are produced.
type Mode string

const (
	// ModeOpenID4VP builds the authorize URL locally and receives vp_token via direct_post.
	ModeOpenID4VP Mode = "openid4vp"
	// ModeRequestService delegates request creation to the Verified ID Request Service.
	ModeRequestService Mode = "request_service"
)

const (
	msgUnknownState = "Unknown or expired state/request"
	msgNotFound     = "Request not found or expired"
	msgMissingToken = "Missing vp_token"
)

// Requester creates presentation requests upstream.
type Requester interface {
	CreatePresentationRequest(ctx context.Context, state string) (*requestservice.PresentationResponse, error)
}

// Config is the verifier's identity and policy.
type Config struct {
	Mode           Mode
	ServiceName    string
	TenantID       string
	ClientID       string
	RedirectURI    string
	AuthorityHost  string
	CORSOrigins    []string
	SessionTTL     time.Duration
	CallbackAPIKey string
}

// Service owns presentation sessions.
type Service struct {
	cfg       Config
	store     presentation.Store
	requester Requester
	metrics   *metrics.Collector
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

// Option customises a Service.
type Option func(*Service)

// WithRequester sets the Request Service client used in request_service mode.
func WithRequester(r Requester) Option {
	return func(s *Service) { s.requester = r }
}

// WithMetrics records request, callback and status counters on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger; the service adds its own component field.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the UUIDv4 generator used for request ids and nonces.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// NewService creates a verifier service backed by store.
func NewService(cfg Config, store presentation.Store, opts ...Option) *Service {
	if cfg.Mode == "" {
		cfg.Mode = ModeOpenID4VP
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "Verified ID Verifier API"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Minute
	}

	s := &Service{
		cfg:    cfg,
		store:  store,
		logger: zerolog.Nop(),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "verifier").Logger()
	return s
}

// InfoResponse describes the running verifier.
type InfoResponse struct {
	OK          bool     `json:"ok"`
	Service     string   `json:"service"`
	RedirectURI string   `json:"redirect_uri"`
	CORSOrigins []string `json:"cors_origins"`
	Time        string   `json:"time"`
	Mode        string   `json:"mode"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	OK   bool   `json:"ok"`
	Time string `json:"time"`
}

// CreateResponse is handed to the frontend, which renders OpenIDURL as a QR code.
type CreateResponse struct {
	RequestID string `json:"request_id"`
	OpenIDURL string `json:"openid_url"`
	State     string `json:"state"`
	Nonce     string `json:"nonce"`
	CreatedAt string `json:"created_at"`
}

// CallbackResult acknowledges a callback.
type CallbackResult struct {
	OK        bool   `json:"ok"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// StatusResponse is polled by the frontend.
type StatusResponse struct {
	RequestID  string  `json:"request_id"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
	Subject    *string `json:"subject,omitempty"`
	HasVPToken *bool   `json:"has_vp_token,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// MarshalJSON keeps "subject" on verified sessions, as null when no claim named one.
func (r StatusResponse) MarshalJSON() ([]byte, error) {
	type plain StatusResponse
	if r.Status != string(presentation.StatusVerified) || r.Subject != nil {
		return json.Marshal(plain(r))
	}
	return json.Marshal(struct {
		plain
		Subject *string `json:"subject"`
	}{plain: plain(r)})
}

// Info describes the service for the root endpoint.
func (s *Service) Info() InfoResponse {
	mode := "OpenID4VP (vp_token via direct_post)"
	if s.cfg.Mode == ModeRequestService {
		mode = "Verified ID Request Service (callback)"
	}
	origins := s.cfg.CORSOrigins
	if origins == nil {
		origins = []string{}
	}
	return InfoResponse{
		OK:          true,
		Service:     s.cfg.ServiceName,
		RedirectURI: s.cfg.RedirectURI,
		CORSOrigins: origins,
		Time:        s.timestamp(s.now()),
		Mode:        mode,
	}
}

// Health reports liveness with the current time.
func (s *Service) Health() HealthResponse {
	return HealthResponse{OK: true, Time: s.timestamp(s.now())}
}

// CreateRequest opens a waiting session and returns the URL the wallet should open.
func (s *Service) CreateRequest(ctx context.Context) (resp *CreateResponse, err error) {
	ctx, span := observability.StartSpan(ctx, "verifier.create_request")
	defer func() {
		s.metrics.RecordRequestCreated(string(s.cfg.Mode), err)
		endSpan(span, err)
	}()

	now := s.now().UTC()
	requestID := s.newID()
	nonce := s.newID()

	state, err := openid4vp.EncodeState(requestID, now)
	if err != nil {
		return nil, err
	}

	sess := presentation.NewSession(requestID, state, nonce, now, s.cfg.SessionTTL)

	var openidURL string
	switch s.cfg.Mode {
	case ModeRequestService:
		if s.requester == nil {
			return nil, errors.New(errors.CodeConfigurationInvalid, "verifier", "request service mode has no client", nil)
		}
		start := time.Now()
		upstream, err := s.requester.CreatePresentationRequest(ctx, state)
		s.metrics.RecordUpstreamCall(time.Since(start))
		if err != nil {
			return nil, err
		}
		openidURL = upstream.URL
		sess.ServiceRequestID = upstream.RequestID
	default:
		openidURL = openid4vp.AuthorizeRequest{
			AuthorityHost: s.cfg.AuthorityHost,
			TenantID:      s.cfg.TenantID,
			ClientID:      s.cfg.ClientID,
			RedirectURI:   s.cfg.RedirectURI,
			State:         state,
			Nonce:         nonce,
		}.URL()
	}

	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("verifier.request_id", requestID))
	s.logger.Info().Str("request_id", requestID).Str("mode", string(s.cfg.Mode)).Msg("Presentation request created")

	return &CreateResponse{
		RequestID: requestID,
		OpenIDURL: openidURL,
		State:     state,
		Nonce:     nonce,
		CreatedAt: s.timestamp(sess.CreatedAt),
	}, nil
}

// CheckCallbackKey authorises Request Service callbacks. Without a configured
// key, or outside request-service mode, every caller is accepted.
func (s *Service) CheckCallbackKey(key string) error {
	if s.cfg.Mode != ModeRequestService || s.cfg.CallbackAPIKey == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.CallbackAPIKey)) != 1 {
		return errors.New(errors.CodeUnauthorized, "verifier", "Invalid callback api-key", nil)
	}
	return nil
}

// HandleCallback records the outcome of a presentation on its session.
func (s *Service) HandleCallback(ctx context.Context, payload CallbackPayload) (result *CallbackResult, err error) {
	ctx, span := observability.StartSpan(ctx, "verifier.handle_callback")
	defer func() {
		outcome := "rejected"
		if result != nil {
			outcome = result.Status
		}
		s.metrics.RecordCallback(outcome)
		endSpan(span, err)
	}()

	for _, rid := range s.candidateIDs(payload) {
		sess, err := s.store.Mutate(ctx, rid, func(sess *presentation.Session) error {
			return s.apply(sess, payload)
		})
		if err != nil {
			if errors.HasCode(err, errors.CodeNotFound) || errors.HasCode(err, errors.CodeSessionExpired) {
				continue
			}
			return nil, err
		}

		span.SetAttributes(
			attribute.String("verifier.request_id", rid),
			attribute.String("verifier.status", string(sess.Status)),
		)
		s.logger.Info().Str("request_id", rid).Str("status", string(sess.Status)).Msg("Presentation callback processed")

		return &CallbackResult{
			OK:        sess.Status != presentation.StatusError,
			RequestID: rid,
			Status:    string(sess.Status),
		}, nil
	}

	s.logger.Warn().Str("state", payload.State).Str("request_id", payload.RequestID).Msg("Callback for unknown session")
	return nil, errors.New(errors.CodeInvalidState, "verifier", msgUnknownState, nil)
}

// candidateIDs lists session ids to try: the one in state first, then request_id.
func (s *Service) candidateIDs(payload CallbackPayload) []string {
	var ids []string
	if st, err := openid4vp.DecodeState(payload.State); err == nil {
		ids = append(ids, st.RequestID)
	}
	if payload.RequestID != "" && (len(ids) == 0 || ids[0] != payload.RequestID) {
		ids = append(ids, payload.RequestID)
	}
	return ids
}

func (s *Service) apply(sess *presentation.Session, payload CallbackPayload) error {
	sess.RawCallback = payload.Raw

	if payload.RequestStatus != "" {
		return applyServiceStatus(sess, payload)
	}

	if msg := payload.ErrorMessage(); msg != "" {
		s.logger.Info().
			Str("request_id", sess.RequestID).
			Str("error", msg).
			Str("error_description", payload.ErrorDescription).
			Msg("Wallet reported an error")
		sess.MarkError(msg)
		return nil
	}

	token := payload.Token()
	if token == "" {
		sess.MarkError(msgMissingToken)
		return nil
	}

	sess.MarkVerified(token, openid4vp.Subject(openid4vp.ReadClaimsUnverified(token)))
	return nil
}

func applyServiceStatus(sess *presentation.Session, payload CallbackPayload) error {
	switch payload.RequestStatus {
	case RequestRetrieved:
		// The wallet opened the request; nothing to record yet.
	case PresentationVerified:
		sess.MarkVerified(payload.Token(), payload.Subject)
	case PresentationError:
		msg := payload.ErrorMessage()
		if msg == "" {
			msg = PresentationError
		}
		sess.MarkError(msg)
	default:
		return errors.New(errors.CodeInvalidParameter, "verifier", fmt.Sprintf("unsupported requestStatus %q", payload.RequestStatus), nil)
	}
	return nil
}

// Status reports the current state of a session.
func (s *Service) Status(ctx context.Context, requestID string) (resp *StatusResponse, err error) {
	ctx, span := observability.StartSpan(ctx, "verifier.status")
	defer func() { endSpan(span, err) }()

	sess, err := s.store.Get(ctx, requestID)
	if err != nil {
		if errors.HasCode(err, errors.CodeNotFound) || errors.HasCode(err, errors.CodeSessionExpired) {
			return nil, errors.New(errors.CodeNotFound, "verifier", msgNotFound, err)
		}
		return nil, err
	}

	resp = &StatusResponse{
		RequestID: sess.RequestID,
		Status:    string(sess.Status),
		CreatedAt: s.timestamp(sess.CreatedAt),
	}

	switch sess.Status {
	case presentation.StatusVerified:
		hasToken := sess.VPToken != ""
		if sess.Subject != "" {
			subject := sess.Subject
			resp.Subject = &subject
		}
		resp.HasVPToken = &hasToken
	case presentation.StatusError:
		resp.Error = sess.Error
	}

	s.metrics.RecordStatusPoll(resp.Status)
	return resp, nil
}

// Cleanup removes expired sessions.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	removed, err := s.store.Cleanup(ctx, s.now())
	s.metrics.RecordSessionsExpired(removed)
	return removed, err
}

func (s *Service) timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
