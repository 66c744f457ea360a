package workflow

import (
	"errors"
	"fmt"

	"storyloom/internal/session"
)

// ErrForbidden is returned when the caller does not own the session.
var ErrForbidden = errors.New("session belongs to another user")

// StageMismatchError is returned when approve/regenerate targets a stage
// other than the session's current one.
type StageMismatchError struct {
	Requested session.Stage
	Current   session.Stage
}

func (e *StageMismatchError) Error() string {
	return fmt.Sprintf("stage mismatch: requested %s but session is at %s", e.Requested, e.Current)
}

// IsStageMismatch reports whether err is a StageMismatchError.
func IsStageMismatch(err error) bool {
	var sme *StageMismatchError
	return errors.As(err, &sme)
}

// ValidationError reports malformed caller input.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
