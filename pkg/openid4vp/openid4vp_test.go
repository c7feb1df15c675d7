package openid4vp

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifiedid-verifier/pkg/domain/errors"
)

func TestState_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	encoded, err := EncodeState("b5c1e9a0-1111-4222-8333-944455556666", ts)
	require.NoError(t, err)

	assert.NotContains(t, encoded, "=")
	assert.NotContains(t, encoded, "+")
	assert.NotContains(t, encoded, "/")

	st, err := DecodeState(encoded)
	require.NoError(t, err)
	assert.Equal(t, "b5c1e9a0-1111-4222-8333-944455556666", st.RequestID)
	assert.Equal(t, "2026-03-04T05:06:07Z", st.Timestamp)
}

func TestDecodeState_AcceptsPadding(t *testing.T) {
	padded := base64.URLEncoding.EncodeToString([]byte(`{"rid":"abcd","ts":"now"}`))
	require.True(t, strings.HasSuffix(padded, "="))

	st, err := DecodeState(padded)
	require.NoError(t, err)
	assert.Equal(t, "abcd", st.RequestID)
}

func TestDecodeState_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		code  errors.Code
	}{
		{"empty", "", errors.CodeMissingParameter},
		{"not base64", "!!!", errors.CodeInvalidState},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("hello")), errors.CodeInvalidState},
		{"missing rid", base64.RawURLEncoding.EncodeToString([]byte(`{"ts":"x"}`)), errors.CodeInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeState(tt.input)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}
}

func TestAuthorizeRequest_URL(t *testing.T) {
	req := AuthorizeRequest{
		TenantID:    "39d28fd2-8cad-4518-b104-f0d193a7d451",
		ClientID:    "780eaf2e-e0a9-421f-8ec3-006c13b504d0",
		RedirectURI: "https://verifier.example.com/presentation/callback",
		State:       "eyJyaWQiOiJ4In0",
		Nonce:       "n-1",
	}

	raw := req.URL()
	assert.True(t, strings.HasPrefix(raw, "https://login.microsoftonline.com/39d28fd2-8cad-4518-b104-f0d193a7d451/oauth2/v2.0/authorize?client_id="))

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "780eaf2e-e0a9-421f-8ec3-006c13b504d0", q.Get("client_id"))
	assert.Equal(t, "vp_token", q.Get("response_type"))
	assert.Equal(t, "https://verifier.example.com/presentation/callback", q.Get("redirect_uri"))
	assert.Equal(t, "direct_post", q.Get("response_mode"))
	assert.Equal(t, "openid", q.Get("scope"))
	assert.Equal(t, "eyJyaWQiOiJ4In0", q.Get("state"))
	assert.Equal(t, "n-1", q.Get("nonce"))

	order := []string{"client_id=", "response_type=", "redirect_uri=", "response_mode=", "scope=", "state=", "nonce="}
	last := -1
	for _, key := range order {
		idx := strings.Index(u.RawQuery, key)
		require.Greater(t, idx, last, key)
		last = idx
	}

	assert.Equal(t, raw, req.URL())
}

func TestAuthorizeRequest_CustomAuthority(t *testing.T) {
	req := AuthorizeRequest{AuthorityHost: "https://login.example.test/", TenantID: "t"}
	assert.True(t, strings.HasPrefix(req.URL(), "https://login.example.test/t/oauth2/v2.0/authorize?"))
}

func TestReadClaimsUnverified_SignedToken(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "did:web:alice.example",
		"vp":  map[string]interface{}{"type": []string{"VerifiablePresentation"}},
	}).SignedString([]byte("not-checked"))
	require.NoError(t, err)

	claims := ReadClaimsUnverified(token)
	assert.Equal(t, "did:web:alice.example", claims["sub"])
	assert.Equal(t, "did:web:alice.example", Subject(claims))
}

func TestReadClaimsUnverified_UnknownAlgFallsBack(t *testing.T) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256K","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"cnf":{"kid":"did:ion:holder#key-1"}}`))
	token := header + "." + payload + ".sig"

	claims := ReadClaimsUnverified(token)
	assert.Equal(t, "did:ion:holder#key-1", Subject(claims))
}

func TestReadClaimsUnverified_Garbage(t *testing.T) {
	assert.Empty(t, ReadClaimsUnverified(""))
	assert.Empty(t, ReadClaimsUnverified("not-a-jwt"))
	assert.Empty(t, ReadClaimsUnverified("a.%%%.c"))
	assert.Empty(t, ReadClaimsUnverified("a."+base64.RawURLEncoding.EncodeToString([]byte("[1,2]"))+".c"))
}

func TestSubject_Precedence(t *testing.T) {
	assert.Equal(t, "s1", Subject(map[string]interface{}{"sub": "s1", "subject": "s2"}))
	assert.Equal(t, "s2", Subject(map[string]interface{}{"sub": "", "subject": "s2"}))
	assert.Equal(t, "k", Subject(map[string]interface{}{"cnf": map[string]interface{}{"kid": "k"}}))
	assert.Equal(t, "", Subject(map[string]interface{}{}))
}
