package attendance

import "errors"

var (
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrStorage    = errors.New("storage failure")
)

// Marking outcomes.
var (
	ErrNoActiveSession = errors.New("no active session")
	ErrInvalidPin      = errors.New("invalid pin")
	ErrInvalidQRToken  = errors.New("invalid qr token")
	ErrDeviceMismatch  = errors.New("device fingerprint mismatch")

	// ErrAlreadyMarked is benign: the student is already recorded for the slot.
	ErrAlreadyMarked = errors.New("already marked")
)

// IsMarkRejection reports whether err is a structured marking failure rather than a fault.
func IsMarkRejection(err error) bool {
	return errors.Is(err, ErrNoActiveSession) ||
		errors.Is(err, ErrInvalidPin) ||
		errors.Is(err, ErrInvalidQRToken) ||
		errors.Is(err, ErrDeviceMismatch) ||
		errors.Is(err, ErrAlreadyMarked)
}
