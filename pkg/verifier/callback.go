package verifier

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"verifiedid-verifier/pkg/domain/errors"
)

// Request Service callback statuses.
const (
	RequestRetrieved     = "request_retrieved"
	PresentationVerified = "presentation_verified"
	PresentationError    = "presentation_error"
)

// CallbackPayload is what a wallet (direct_post) or the Request Service posts back.
type CallbackPayload struct {
	State            string          `json:"state"`
	VPToken          json.RawMessage `json:"vp_token,omitempty"`
	Error            json.RawMessage `json:"error,omitempty"`
	ErrorDescription string          `json:"error_description,omitempty"`
	RequestID        string          `json:"request_id,omitempty"`

	RequestStatus    string `json:"requestStatus,omitempty"`
	ServiceRequestID string `json:"requestId,omitempty"`
	Subject          string `json:"subject,omitempty"`

	// Raw is the body as received, kept on the session for troubleshooting.
	Raw json.RawMessage `json:"-"`
}

// DecodeCallbackJSON parses a JSON callback body.
func DecodeCallbackJSON(body []byte) (CallbackPayload, error) {
	var p CallbackPayload

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return p, errors.New(errors.CodeValidationFailed, "verifier", "Invalid JSON in callback", nil)
	}
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return p, errors.New(errors.CodeValidationFailed, "verifier", "Invalid JSON in callback", err)
	}
	p.Raw = append(json.RawMessage(nil), trimmed...)
	return p, nil
}

// UnmarshalJSON reads state, request_id, error_description and subject only
// when they are strings. Other JSON types leave the field empty so a bad
// state still falls back to request_id.
func (p *CallbackPayload) UnmarshalJSON(data []byte) error {
	type plain CallbackPayload
	var aux struct {
		plain
		State            json.RawMessage `json:"state"`
		ErrorDescription json.RawMessage `json:"error_description"`
		RequestID        json.RawMessage `json:"request_id"`
		Subject          json.RawMessage `json:"subject"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*p = CallbackPayload(aux.plain)
	p.State = stringValue(aux.State)
	p.ErrorDescription = stringValue(aux.ErrorDescription)
	p.RequestID = stringValue(aux.RequestID)
	p.Subject = stringValue(aux.Subject)
	return nil
}

// DecodeCallbackForm parses an application/x-www-form-urlencoded direct_post body.
func DecodeCallbackForm(values url.Values) (CallbackPayload, error) {
	p := CallbackPayload{
		State:            values.Get("state"),
		ErrorDescription: values.Get("error_description"),
		RequestID:        values.Get("request_id"),
	}

	if tok := values.Get("vp_token"); tok != "" {
		p.VPToken = jsonString(tok)
	}
	if e := values.Get("error"); e != "" {
		p.Error = jsonString(e)
	}

	flat := make(map[string]interface{}, len(values))
	for k, v := range values {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			flat[k] = v
		}
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return p, errors.New(errors.CodeValidationFailed, "verifier", "Invalid form in callback", err)
	}
	p.Raw = raw
	return p, nil
}

// Token returns the vp_token as a string. Non-string tokens (arrays of
// presentations) are returned as their JSON text.
func (p CallbackPayload) Token() string {
	return rawText(p.VPToken)
}

// ErrorMessage returns the error reported by the wallet or service, or "".
func (p CallbackPayload) ErrorMessage() string {
	trimmed := bytes.TrimSpace(p.Error)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(trimmed, &obj) == nil {
			if obj.Message != "" {
				return obj.Message
			}
			if obj.Code != "" {
				return obj.Code
			}
		}
	}
	return rawText(p.Error)
}

func stringValue(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || raw[0] != '"' || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func rawText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "false", "0", "[]", "{}":
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if json.Unmarshal(trimmed, &s) == nil {
			return strings.TrimSpace(s)
		}
	}
	return string(trimmed)
}

func jsonString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
