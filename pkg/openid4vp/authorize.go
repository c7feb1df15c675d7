package openid4vp

import (
	"fmt"
	"net/url"
	"strings"
)

const DefaultAuthorityHost = "login.microsoftonline.com"

// AuthorizeRequest describes a tenant-scoped vp_token authorization request.
type AuthorizeRequest struct {
	AuthorityHost string
	TenantID      string
	ClientID      string
	RedirectURI   string
	State         string
	Nonce         string
}

// URL renders the request as the link a wallet scans. Parameters keep a fixed
// order so the same request always yields the same URL.
func (r AuthorizeRequest) URL() string {
	host := r.AuthorityHost
	if host == "" {
		host = DefaultAuthorityHost
	}
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://"), "/")

	params := [][2]string{
		{"client_id", r.ClientID},
		{"response_type", "vp_token"},
		{"redirect_uri", r.RedirectURI},
		{"response_mode", "direct_post"},
		{"scope", "openid"},
		{"state", r.State},
		{"nonce", r.Nonce},
	}

	var query strings.Builder
	for i, kv := range params {
		if i > 0 {
			query.WriteByte('&')
		}
		query.WriteString(kv[0])
		query.WriteByte('=')
		query.WriteString(url.QueryEscape(kv[1]))
	}

	return fmt.Sprintf("https://%s/%s/oauth2/v2.0/authorize?%s", host, url.PathEscape(r.TenantID), query.String())
}
