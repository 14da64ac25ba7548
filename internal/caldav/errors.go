package caldav

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidResponse  = errors.New("invalid server response")
	ErrPrecondition     = errors.New("precondition failed")
	ErrSyncTokenInvalid = errors.New("sync token invalid or expired")
	ErrRateLimited      = errors.New("rate limited by server")
)

// Kind classifies remote failures. The orchestrator and scheduler decide what
// to do with a failure based only on its Kind.
type Kind string

const (
	KindTransient        Kind = "transient"
	KindRateLimited      Kind = "rate_limited"
	KindAuthExpired      Kind = "auth_expired"
	KindConflict         Kind = "conflict"
	KindTokenInvalidated Kind = "token_invalidated"
	KindFatal            Kind = "fatal"
)

// Retryable reports whether the failure is worth retrying later without
// operator involvement.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited || k == KindTokenInvalidated
}

// Error is the error type returned by every Remote operation.
type Error struct {
	Kind       Kind
	Op         string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("caldav %s: %s (HTTP %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("caldav %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err. Context cancellation and plain network
// errors are Transient; anything else unclassified is Fatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindFatal
}

// RetryAfterOf returns the server supplied backoff hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}

func newError(kind Kind, op string, status int, err error) *Error {
	return &Error{Kind: kind, Op: op, Status: status, Err: err}
}

// classify turns the outcome of an HTTP exchange into a taxonomy error. A zero
// status means no response was received.
func classify(op string, status int, retryAfter time.Duration, err error) *Error {
	if err == nil {
		err = fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, status)
	}

	switch {
	case status == 0:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return newError(KindTransient, op, 0, err)
		}
		// A failed token refresh never reaches the server.
		var refreshErr *oauth2.RetrieveError
		if errors.As(err, &refreshErr) {
			if refreshErr.Response != nil && refreshErr.Response.StatusCode >= 500 {
				return newError(KindTransient, op, 0, err)
			}
			return newError(KindAuthExpired, op, 0, fmt.Errorf("%w: %w", ErrAuthFailed, err))
		}
		var netErr net.Error
		if errors.As(err, &netErr) || isConnectionError(err) {
			return newError(KindTransient, op, 0, fmt.Errorf("%w: %w", ErrConnectionFailed, err))
		}
		return newError(KindFatal, op, 0, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return newError(KindAuthExpired, op, status, fmt.Errorf("%w: %w", ErrAuthFailed, err))
	case status == http.StatusNotFound || status == http.StatusGone:
		return newError(KindFatal, op, status, fmt.Errorf("%w: %w", ErrNotFound, err))
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return newError(KindConflict, op, status, fmt.Errorf("%w: %w", ErrPrecondition, err))
	case status == http.StatusTooManyRequests,
		status == http.StatusServiceUnavailable && retryAfter > 0:
		e := newError(KindRateLimited, op, status, fmt.Errorf("%w: %w", ErrRateLimited, err))
		e.RetryAfter = retryAfter
		return e
	case status >= 500:
		return newError(KindTransient, op, status, err)
	case status >= 200 && status < 300:
		// Successful status with a body we could not use.
		return newError(KindFatal, op, status, fmt.Errorf("%w: %w", ErrInvalidResponse, err))
	default:
		return newError(KindFatal, op, status, err)
	}
}

func isConnectionError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof")
}

// parseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
