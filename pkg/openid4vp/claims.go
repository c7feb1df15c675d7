package openid4vp

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ReadClaimsUnverified returns the payload claims of a compact JWT without
// checking its signature. The result is for display only. Unreadable tokens
// yield an empty map.
func ReadClaimsUnverified(token string) map[string]interface{} {
	token = strings.TrimSpace(token)
	if token == "" {
		return map[string]interface{}{}
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		return claims
	}

	return readPayload(token)
}

// readPayload decodes the middle segment directly, for tokens the jwt parser rejects
// (unknown alg, unsigned presentations).
func readPayload(token string) map[string]interface{} {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return map[string]interface{}{}
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return map[string]interface{}{}
	}

	claims := map[string]interface{}{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return map[string]interface{}{}
	}
	return claims
}

// Subject picks the holder identifier from claims: sub, then subject, then cnf.kid.
func Subject(claims map[string]interface{}) string {
	for _, key := range []string{"sub", "subject"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	if cnf, ok := claims["cnf"].(map[string]interface{}); ok {
		if kid, ok := cnf["kid"].(string); ok {
			return kid
		}
	}
	return ""
}
