// Package syncerr defines the error taxonomy shared by the store, the schema
// migrator, the retry queue and the sync driver.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, syncerr.ErrConsentDenied) {
//	    // Ask the user for consent before writing
//	}
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConsentDenied is returned when a write is attempted without an
	// active consent. Recoverable by granting consent.
	ErrConsentDenied = errors.New("consent denied")

	// ErrStorageFault is a transient I/O failure of the local database.
	// Writes degrade to the in-memory fallback when it occurs.
	ErrStorageFault = errors.New("storage fault")

	// ErrSchemaCorrupt means the local store is unusable and must be reset.
	ErrSchemaCorrupt = errors.New("schema corrupt")

	// ErrSchemaAhead means the stored schema version is newer than this
	// binary understands. The store is left untouched.
	ErrSchemaAhead = errors.New("schema version ahead of binary")

	// ErrSyncConflict is reported when the remote holds a different version
	// of a record. Conflicts are resolved automatically.
	ErrSyncConflict = errors.New("sync conflict")

	// ErrDeliveryFailure is a retryable delivery failure (network, timeout,
	// 5xx, 429).
	ErrDeliveryFailure = errors.New("delivery failure")

	// ErrPermanentRejection is a non-retryable rejection by the remote
	// (4xx validation). The operation is dropped and surfaced to the user.
	ErrPermanentRejection = errors.New("permanent rejection")
)

// ConflictError carries the ids involved in a sync conflict.
type ConflictError struct {
	Kind          string
	ID            string
	LocalVersion  uint64
	RemoteVersion uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync conflict on %s %s (local v%d, remote v%d)",
		e.Kind, e.ID, e.LocalVersion, e.RemoteVersion)
}

// Is makes errors.Is(err, ErrSyncConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrSyncConflict
}

// RejectionError is a per-record or per-request rejection by the remote.
type RejectionError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rejected (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("rejected (%d): %s", e.StatusCode, e.Message)
}

// Is makes errors.Is(err, ErrPermanentRejection) match.
func (e *RejectionError) Is(target error) bool {
	return target == ErrPermanentRejection
}

// Permanent marks err as a permanent rejection.
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrPermanentRejection) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanentRejection, err)
}

// Transient marks err as a retryable delivery failure.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrDeliveryFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
}

// IsRetryable returns true if the error is likely to succeed on retry.
// Anything that is not explicitly permanent is retried: unknown failures are
// bounded by the queue's max retries anyway.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrPermanentRejection) {
		return false
	}

	// Consent is fixed by the user, not by waiting
	if errors.Is(err, ErrConsentDenied) {
		return false
	}

	return true
}

// IsUserActionRequired returns true if the error should be surfaced to the
// user as something they can act on.
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrConsentDenied) || errors.Is(err, ErrPermanentRejection)
}

// IsCancellation reports whether err comes from a cancelled context. An
// expired deadline is a timeout, not a cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
