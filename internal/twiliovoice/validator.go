package twiliovoice

import (
	"net/http"

	twilioclient "github.com/twilio/twilio-go/client"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// SignatureValidator checks X-Twilio-Signature on webhook requests.
type SignatureValidator struct {
	validate func(url string, params map[string]string, signature string) bool
}

// NewSignatureValidator returns a validator for authToken.
func NewSignatureValidator(authToken string) *SignatureValidator {
	rv := twilioclient.NewRequestValidator(authToken)
	return &SignatureValidator{validate: rv.Validate}
}

// Valid reports whether r carries a valid signature for publicURL. The request form must
// already be parsed.
func (v *SignatureValidator) Valid(r *http.Request, publicURL string) bool {
	params := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	return v.validate(publicURL, params, r.Header.Get(SignatureHeader))
}
