package engine

import (
	"context"
	"errors"

	"github.com/macjediwizard/caldavsync/internal/breaker"
	"github.com/macjediwizard/caldavsync/internal/caldav"
)

// Reason is the user-facing reason code of a failed or partial run.
type Reason string

const (
	ReasonAuthExpired           Reason = "auth_expired"
	ReasonCollectionUnavailable Reason = "collection_unavailable"
	ReasonCircuitOpen           Reason = "circuit_open"
	ReasonRateLimited           Reason = "rate_limited"
	ReasonRemoteUnavailable     Reason = "remote_unavailable"
	ReasonTimeout               Reason = "timeout"
	ReasonCancelled             Reason = "cancelled"
	ReasonStorageError          Reason = "storage_error"
)

// Actionable reports whether the reason needs the user to act rather than
// wait.
func (r Reason) Actionable() bool {
	return r == ReasonAuthExpired || r == ReasonCollectionUnavailable
}

func reasonFor(err error) Reason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, ErrStorage):
		return ReasonStorageError
	case errors.Is(err, breaker.ErrOpen):
		return ReasonCircuitOpen
	}

	switch caldav.KindOf(err) {
	case caldav.KindAuthExpired:
		return ReasonAuthExpired
	case caldav.KindRateLimited:
		return ReasonRateLimited
	case caldav.KindTransient, caldav.KindTokenInvalidated, caldav.KindConflict:
		return ReasonRemoteUnavailable
	default:
		return ReasonCollectionUnavailable
	}
}

// kindFor maps a run failure to the Kind the scheduler's retry policy is keyed
// by. Timeouts and storage failures retry like transient remote failures;
// explicit cancellation does not retry.
func kindFor(err error) caldav.Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return ""
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrStorage):
		return caldav.KindTransient
	}
	return caldav.KindOf(err)
}
