package completion

import (
	"errors"
	"net/http"
	"strings"
)

// ErrInvalidCredential is returned for keys that do not look like API keys.
var ErrInvalidCredential = errors.New("invalid API key format: keys start with sk-")

// Auth is how a credential is attached to the completion request.
type Auth interface {
	Apply(h http.Header)
	Scheme() string
}

// BearerAuth sends the key as an OAuth style bearer token.
type BearerAuth struct{ Token string }

func (a BearerAuth) Apply(h http.Header) { h.Set("Authorization", "Bearer "+a.Token) }
func (a BearerAuth) Scheme() string      { return "bearer" }

// APIKeyAuth sends the key in the x-api-key header.
type APIKeyAuth struct{ Key string }

func (a APIKeyAuth) Apply(h http.Header) { h.Set("x-api-key", a.Key) }
func (a APIKeyAuth) Scheme() string      { return "x-api-key" }

// ClassifyCredential maps a key to its header form: "sk-" keys that are not
// "sk-ant-" keys are bearer tokens, everything else goes in x-api-key.
func ClassifyCredential(key string) Auth {
	if strings.HasPrefix(key, "sk-") && !strings.HasPrefix(key, "sk-ant-") {
		return BearerAuth{Token: key}
	}
	return APIKeyAuth{Key: key}
}

// SanitizeCredential trims key and rejects values without the sk- prefix.
func SanitizeCredential(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || !strings.HasPrefix(key, "sk-") {
		return "", ErrInvalidCredential
	}
	return key, nil
}
