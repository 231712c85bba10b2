package api

import (
	"errors"
	"fmt"
)

// NetworkError means the request never reached the server.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "cannot reach the server, check your connection and try again"
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError is a non-2xx response. Message carries the backend-supplied text
// except for 5xx, where a generic note replaces whatever the server said.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.Status)
}

// SessionExpiredError means the token refresh failed. Stored tokens are
// already cleared by the time the caller sees it; the only recovery is a new
// login.
type SessionExpiredError struct{}

func (e *SessionExpiredError) Error() string {
	return "session expired, sign in again"
}

// IsSessionExpired reports whether err forces a logout.
func IsSessionExpired(err error) bool {
	var sessionErr *SessionExpiredError
	return errors.As(err, &sessionErr)
}
