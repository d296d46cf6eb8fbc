package twilio

import (
	"errors"
	"net/http"
	"strings"

	twilioclient "github.com/twilio/twilio-go/client"
)

const SignatureHeader = "X-Twilio-Signature"

// Validator checks that a webhook call was signed by Twilio with the
// account's auth token.
type Validator struct {
	rv        twilioclient.RequestValidator
	publicURL string
}

// NewValidator builds a Validator. publicURL is the externally visible scheme
// and host the webhook is reached at (e.g. https://relay.example.com); the
// request path and query are appended to it, since behind a proxy the server
// never sees the URL Twilio signed.
func NewValidator(authToken, publicURL string) (*Validator, error) {
	authToken = strings.TrimSpace(authToken)
	if authToken == "" {
		return nil, errors.New("twilio: auth token must not be empty")
	}
	publicURL = strings.TrimRight(strings.TrimSpace(publicURL), "/")
	if publicURL == "" {
		return nil, errors.New("twilio: public url must not be empty")
	}
	return &Validator{
		rv:        twilioclient.NewRequestValidator(authToken),
		publicURL: publicURL,
	}, nil
}

// Valid reports whether r carries a correct signature. r's form must already
// be parsed.
func (v *Validator) Valid(r *http.Request) bool {
	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	return v.rv.Validate(v.publicURL+r.URL.RequestURI(), params, sig)
}
