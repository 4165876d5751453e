package completion

import (
	"errors"
	"fmt"
)

// ErrMissingCredential is returned when no API key is configured.
var ErrMissingCredential = errors.New("API key is not configured")

// AuthError is returned for HTTP 401. It is never retried.
type AuthError struct {
	Scheme string
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%s): check that the API key is valid and has not been revoked; OAuth tokens need the Authorization header, console keys need x-api-key", e.Scheme)
}

// HTTPError is any other non-2xx completion response.
type HTTPError struct {
	Status    int
	Body      string
	Retryable bool
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("completion http status %d: %s", e.Status, e.Body)
}

// StreamParseError is a malformed stream frame. Decoding continues past it.
type StreamParseError struct {
	Payload string
	Err     error
}

func (e *StreamParseError) Error() string {
	return fmt.Sprintf("parse stream frame %q: %v", e.Payload, e.Err)
}

func (e *StreamParseError) Unwrap() error { return e.Err }
