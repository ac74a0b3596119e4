// Package errs defines the error taxonomy shared by the gateway, the
// auth coordinator and the offline queue. Classification decides retry
// behavior: transient errors are retried locally, authorization errors
// allow one refresh-and-replay, auth-expired is terminal, conflicts are
// surfaced immediately and never retried.
package errs

import (
	"errors"
	"fmt"
)

// ErrAuthExpired is the terminal authentication failure: the refresh
// token was rejected or has expired and the user must log in again.
var ErrAuthExpired = errors.New("authentication expired, re-login required")

// Transient wraps a retry-eligible failure: offline, timeout, 5xx.
type Transient struct {
	Err error
}

func (e *Transient) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *Transient) Unwrap() error { return e.Err }

// Authorization reports a single request whose access token was
// rejected. Recoverable via one refresh-and-replay.
type Authorization struct {
	Status int
}

func (e *Authorization) Error() string {
	return fmt.Sprintf("authorization rejected (status %d)", e.Status)
}

// Conflict reports a non-auth 4xx. Never retried.
type Conflict struct {
	Status int
	Body   string
}

func (e *Conflict) Error() string {
	return fmt.Sprintf("request rejected (status %d): %s", e.Status, e.Body)
}

// QueueExhausted reports an offline action dropped after exceeding its
// retry budget. Reported exactly once per action.
type QueueExhausted struct {
	ActionID string
	Type     string
	Attempts int
	LastErr  error
}

func (e *QueueExhausted) Error() string {
	return fmt.Sprintf("action %s (%s) dropped after %d attempts: %v", e.ActionID, e.Type, e.Attempts, e.LastErr)
}

func (e *QueueExhausted) Unwrap() error { return e.LastErr }

// IsTransient reports whether err is retry-eligible.
func IsTransient(err error) bool {
	var t *Transient
	return errors.As(err, &t)
}

// IsAuthExpired reports whether err is the terminal auth failure.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// FromStatus maps an HTTP response status to the taxonomy. 2xx maps to
// nil; callers handle success before classification.
func FromStatus(status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 401:
		return &Authorization{Status: status}
	case status >= 400 && status < 500:
		return &Conflict{Status: status, Body: body}
	default:
		return &Transient{Err: fmt.Errorf("server error (status %d)", status)}
	}
}
