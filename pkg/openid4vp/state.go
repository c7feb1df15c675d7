// Package openid4vp builds OpenID for Verifiable Presentations authorization requests
// and decodes what wallets send back through direct_post.
package openid4vp

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"verifiedid-verifier/pkg/domain/errors"
)

// State is carried through the wallet round trip so the callback can find its session.
type State struct {
	RequestID string `json:"rid"`
	Timestamp string `json:"ts"`
}

// EncodeState returns the unpadded base64url JSON form of a state.
func EncodeState(requestID string, ts time.Time) (string, error) {
	data, err := json.Marshal(State{RequestID: requestID, Timestamp: ts.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return "", errors.New(errors.CodeInternalError, "openid4vp", "failed to encode state", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeState parses a state value, tolerating missing or present padding.
func DecodeState(encoded string) (State, error) {
	var st State

	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return st, errors.New(errors.CodeMissingParameter, "openid4vp", "state is empty", nil)
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return st, errors.New(errors.CodeInvalidState, "openid4vp", "state is not base64url", err)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, errors.New(errors.CodeInvalidState, "openid4vp", "state is not JSON", err)
	}
	if st.RequestID == "" {
		return st, errors.New(errors.CodeInvalidState, "openid4vp", "state has no request id", nil)
	}
	return st, nil
}
