package extract

import (
	"errors"
	"fmt"
)

// PermanentError marks a failure that retrying cannot fix, such as a 404 or a
// robots.txt block.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// MissingFieldError reports a required field that could not be extracted from
// a unit. It is never retried.
type MissingFieldError struct {
	Unit  string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: required field %q missing", e.Unit, e.Field)
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var missing *MissingFieldError
	return !errors.As(err, &missing)
}
