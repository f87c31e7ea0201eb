package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict covers uniqueness and state conflicts (duplicate account
	// name, duplicate transaction reference, nonzero-balance deletion).
	ErrConflict = errors.New("conflict")
	// ErrCurrencyMismatch is the deliberately degraded path: the triggering
	// write still succeeds, the balance is left untouched, and the mismatch
	// is surfaced to operators.
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

// ValidationError reports malformed or out-of-range input with optional
// per-field details.
type ValidationError struct {
	Msg    string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Fields)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Invalidf builds a ValidationError with a free-form message.
func Invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidField builds a ValidationError naming the offending field.
func InvalidField(field, msg string) error {
	return &ValidationError{Msg: "validation failed", Fields: map[string]string{field: msg}}
}

// Conflictf wraps ErrConflict with a human-readable reason.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
