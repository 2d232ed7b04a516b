// Package apperr holds the error taxonomy shared by the scheduling core.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateRequest signals that a vlog request already exists for the
	// same user and trigger minute. It is an idempotency signal, not a failure.
	ErrDuplicateRequest = errors.New("vlog request already exists for trigger minute")

	// ErrUserHasActiveLivestream is returned when a user already owns a
	// livestream that has not reached a terminal state.
	ErrUserHasActiveLivestream = errors.New("user already owns an active livestream")
)

// PoolExhaustedError means no livestream was available and creating one failed.
type PoolExhaustedError struct {
	UserID string
	Err    error
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("livestream pool exhausted for user %s: %v", e.UserID, e.Err)
}

func (e *PoolExhaustedError) Unwrap() error { return e.Err }

// InvalidTransitionError is returned when a state change is not permitted from
// the current state, or the state moved underneath the caller.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	Event  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s %s: %q not allowed from state %q", e.Entity, e.ID, e.Event, e.From)
}

// VendorCallError wraps a failure of an external call: the livestreaming
// vendor or the notification transport.
type VendorCallError struct {
	Op         string
	ExternalID string
	Err        error
}

func (e *VendorCallError) Error() string {
	if e.ExternalID == "" {
		return fmt.Sprintf("vendor call %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("vendor call %s(%s) failed: %v", e.Op, e.ExternalID, e.Err)
}

func (e *VendorCallError) Unwrap() error { return e.Err }

// Vendor wraps err as a VendorCallError unless it already is one.
func Vendor(op, externalID string, err error) error {
	if err == nil {
		return nil
	}
	var vce *VendorCallError
	if errors.As(err, &vce) {
		return err
	}
	return &VendorCallError{Op: op, ExternalID: externalID, Err: err}
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// IsVendor reports whether err is a VendorCallError.
func IsVendor(err error) bool {
	var vce *VendorCallError
	return errors.As(err, &vce)
}
