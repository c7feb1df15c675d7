package requestservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifiedid-verifier/pkg/domain/errors"
)

type staticCredential struct {
	token  string
	err    error
	scopes []string
}

func (c *staticCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	c.scopes = opts.Scopes
	if c.err != nil {
		return azcore.AccessToken{}, c.err
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: time.Now().Add(time.Hour)}, nil
}

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:       endpoint,
		Authority:      "did:web:verifier.example.com",
		ClientName:     "Verifier",
		CredentialType: "VerifiedEmployee",
		Purpose:        "Sign in",
		CallbackURL:    "https://verifier.example.com/presentation/callback",
		CallbackAPIKey: "secret-key",
		RetryMax:       1,
	}
}

func TestCreatePresentationRequest_Success(t *testing.T) {
	var received PresentationRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/verifiableCredentials/createPresentationRequest", r.URL.Path)
		assert.Equal(t, "Bearer app-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprint(w, `{"requestId":"svc-1","url":"openid-vc://?request_uri=https://x","expiry":1700000000}`)
	}))
	defer server.Close()

	cred := &staticCredential{token: "app-token"}
	client := NewClient(testConfig(server.URL+"/v1.0"), cred, zerolog.Nop())

	resp, err := client.CreatePresentationRequest(context.Background(), "rid-123")
	require.NoError(t, err)

	assert.Equal(t, "svc-1", resp.RequestID)
	assert.Equal(t, "openid-vc://?request_uri=https://x", resp.URL)
	assert.Equal(t, []string{Scope}, cred.scopes)

	assert.Equal(t, "rid-123", received.Callback.State)
	assert.Equal(t, "secret-key", received.Callback.Headers["api-key"])
	assert.Equal(t, "did:web:verifier.example.com", received.Authority)
	require.Len(t, received.RequestedCredentials, 1)
	assert.Equal(t, "VerifiedEmployee", received.RequestedCredentials[0].Type)
}

func TestCreatePresentationRequest_ServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprint(w, `{"requestId":"x","error":{"code":"badRequest","message":"authority is invalid"}}`)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), &staticCredential{token: "t"}, zerolog.Nop())

	_, err := client.CreatePresentationRequest(context.Background(), "rid")
	require.Error(t, err)
	assert.Equal(t, errors.CodeUpstreamError, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "authority is invalid")
}

func TestCreatePresentationRequest_TokenFailure(t *testing.T) {
	client := NewClient(testConfig("http://127.0.0.1:1"), &staticCredential{err: fmt.Errorf("no secret")}, zerolog.Nop())

	_, err := client.CreatePresentationRequest(context.Background(), "rid")
	require.Error(t, err)
	assert.Equal(t, errors.CodeUpstreamError, errors.CodeOf(err))
}

func TestCreatePresentationRequest_MissingURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"requestId":"svc-1"}`)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), &staticCredential{token: "t"}, zerolog.Nop())

	_, err := client.CreatePresentationRequest(context.Background(), "rid")
	assert.Equal(t, errors.CodeUpstreamError, errors.CodeOf(err))
}
