package carrier

import (
	"net/url"

	twilioclient "github.com/twilio/twilio-go/client"
)

// Validator checks X-Twilio-Signature headers on carrier-facing endpoints.
// With no auth token configured (local runs, tests) validation is skipped.
type Validator struct {
	inner   twilioclient.RequestValidator
	enabled bool
}

// NewValidator creates a Validator. An empty auth token disables checking.
func NewValidator(authToken string) *Validator {
	if authToken == "" {
		return &Validator{}
	}
	return &Validator{
		inner:   twilioclient.NewRequestValidator(authToken),
		enabled: true,
	}
}

// Enabled reports whether signatures are being enforced.
func (v *Validator) Enabled() bool {
	return v.enabled
}

// ValidForm verifies the signature over the externally visible URL and the
// form-encoded parameters, the scheme Twilio uses for webhook POSTs. For
// GET requests callers pass nil form values; the query string is already
// part of publicURL.
func (v *Validator) ValidForm(publicURL string, form url.Values, signature string) bool {
	if !v.enabled {
		return true
	}
	params := make(map[string]string, len(form))
	for key, values := range form {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	return v.inner.Validate(publicURL, params, signature)
}
