// Package requestservice talks to the Microsoft Entra Verified ID Request Service API.
package requestservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"verifiedid-verifier/pkg/domain/errors"
)

const (
	DefaultEndpoint = "https://verifiedid.did.msidentity.com/v1.0/"
	// Application id of the Verified ID Request Service resource.
	Scope = "3db474b9-6a0c-4840-96ac-1fceb342124f/.default"
)

// Config holds the Request Service settings.
type Config struct {
	Endpoint       string
	Authority      string // verifier DID
	ClientName     string
	CredentialType string
	Purpose        string
	AcceptedIssuer []string
	CallbackURL    string
	CallbackAPIKey string
	Timeout        time.Duration
	RetryMax       int
}

// Client creates presentation requests through the Request Service.
type Client struct {
	cfg        Config
	credential azcore.TokenCredential
	http       *retryablehttp.Client
	logger     zerolog.Logger
}

// NewCredential returns a client-secret credential for the app registration.
func NewCredential(tenantID, clientID, clientSecret string) (azcore.TokenCredential, error) {
	cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
	if err != nil {
		return nil, errors.New(errors.CodeConfigurationInvalid, "requestservice", "failed to create client secret credential", err)
	}
	return cred, nil
}

// NewClient creates a Request Service client.
func NewClient(cfg Config, credential azcore.TokenCredential, logger zerolog.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if !strings.HasSuffix(cfg.Endpoint, "/") {
		cfg.Endpoint += "/"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}

	logger = logger.With().Str("component", "request_service").Logger()

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = cfg.RetryMax
	httpClient.RetryWaitMin = 200 * time.Millisecond
	httpClient.RetryWaitMax = 2 * time.Second
	httpClient.HTTPClient.Timeout = cfg.Timeout
	httpClient.Logger = leveledLogger{logger: logger}

	return &Client{
		cfg:        cfg,
		credential: credential,
		http:       httpClient,
		logger:     logger,
	}
}

// PresentationRequest is the createPresentationRequest payload.
type PresentationRequest struct {
	IncludeQRCode        bool                  `json:"includeQRCode"`
	IncludeReceipt       bool                  `json:"includeReceipt"`
	Authority            string                `json:"authority"`
	Registration         Registration          `json:"registration"`
	Callback             Callback              `json:"callback"`
	RequestedCredentials []RequestedCredential `json:"requestedCredentials"`
}

type Registration struct {
	ClientName string `json:"clientName"`
}

type Callback struct {
	URL     string            `json:"url"`
	State   string            `json:"state"`
	Headers map[string]string `json:"headers,omitempty"`
}

type RequestedCredential struct {
	Type            string   `json:"type"`
	Purpose         string   `json:"purpose,omitempty"`
	AcceptedIssuers []string `json:"acceptedIssuers,omitempty"`
}

// PresentationResponse is what the service returns for a created request.
type PresentationResponse struct {
	RequestID string `json:"requestId"`
	URL       string `json:"url"`
	Expiry    int64  `json:"expiry"`
}

type serviceError struct {
	RequestID string `json:"requestId"`
	Date      string `json:"date"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreatePresentationRequest asks the service for a wallet URL bound to state.
func (c *Client) CreatePresentationRequest(ctx context.Context, state string) (*PresentationResponse, error) {
	body := PresentationRequest{
		Authority:    c.cfg.Authority,
		Registration: Registration{ClientName: c.cfg.ClientName},
		Callback: Callback{
			URL:   c.cfg.CallbackURL,
			State: state,
		},
		RequestedCredentials: []RequestedCredential{{
			Type:            c.cfg.CredentialType,
			Purpose:         c.cfg.Purpose,
			AcceptedIssuers: c.cfg.AcceptedIssuer,
		}},
	}
	if c.cfg.CallbackAPIKey != "" {
		body.Callback.Headers = map[string]string{"api-key": c.cfg.CallbackAPIKey}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.New(errors.CodeInternalError, "requestservice", "failed to marshal presentation request", err)
	}

	token, err := c.credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{Scope}})
	if err != nil {
		return nil, errors.New(errors.CodeUpstreamError, "requestservice", "failed to acquire access token", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.Endpoint+"verifiableCredentials/createPresentationRequest", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.New(errors.CodeInternalError, "requestservice", "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.New(errors.CodeNetworkError, "requestservice", "request service unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.New(errors.CodeNetworkError, "requestservice", "failed to read response", err)
	}

	if resp.StatusCode >= 300 {
		var svcErr serviceError
		msg := fmt.Sprintf("request service returned %d", resp.StatusCode)
		if json.Unmarshal(data, &svcErr) == nil && svcErr.Error.Message != "" {
			msg = fmt.Sprintf("%s: %s (%s)", msg, svcErr.Error.Message, svcErr.Error.Code)
		}
		c.logger.Warn().Int("status", resp.StatusCode).Str("body", string(data)).Msg("Presentation request rejected")
		return nil, errors.New(errors.CodeUpstreamError, "requestservice", msg, nil)
	}

	var out PresentationResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.New(errors.CodeUpstreamError, "requestservice", "invalid response from request service", err)
	}
	if out.URL == "" {
		return nil, errors.New(errors.CodeUpstreamError, "requestservice", "request service returned no url", nil)
	}

	return &out, nil
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.logger.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.logger.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.logger.Trace().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn().Fields(kv).Msg(msg) }
