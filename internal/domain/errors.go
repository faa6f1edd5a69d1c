package domain

import (
	"errors"
	"fmt"
)

// ValidationError reports a submission field that failed validation. It is
// returned synchronously to the submitter and the report never enters the
// pipeline.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s (value: %v)", e.Field, e.Reason, e.Value)
}

// IsValidation reports whether err contains a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidationErrors unpacks every ValidationError joined into err.
func ValidationErrors(err error) []*ValidationError {
	var out []*ValidationError
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if ve, ok := e.(*ValidationError); ok {
			out = append(out, ve)
			return
		}
		if j, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range j.Unwrap() {
				walk(inner)
			}
			return
		}
		walk(errors.Unwrap(e))
	}
	walk(err)
	return out
}

// ErrScoringDegraded marks a verification produced without a usable oracle
// response. It is recorded on the result and logged, never returned to
// callers.
var ErrScoringDegraded = errors.New("scoring degraded: oracle unavailable")
