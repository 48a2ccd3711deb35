package agent

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx answer from the agent platform.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: upstream status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: upstream status %d: %s", e.Op, e.StatusCode, e.Body)
}

// AuthExpired reports whether the platform rejected the bearer token.
func (e *StatusError) AuthExpired() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsAuthExpired reports whether err carries a 401 from the agent platform.
func IsAuthExpired(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.AuthExpired()
}

const (
	ReasonTransport   = "transport"
	ReasonMalformed   = "malformed_response"
	ReasonNoSessionID = "no_session_id"
)

// SessionInitError means session creation produced no usable session.
type SessionInitError struct {
	Reason string
	Body   string
	Err    error
}

func (e *SessionInitError) Error() string {
	switch e.Reason {
	case ReasonNoSessionID:
		return "no session id in upstream response"
	case ReasonMalformed:
		return "failed to parse session response"
	}
	if e.Err != nil {
		return fmt.Sprintf("create session: %v", e.Err)
	}
	return "create session failed"
}

func (e *SessionInitError) Unwrap() error { return e.Err }
