package synth

import (
	"errors"
	"fmt"
)

// Kind classifies a synthesis failure for the wire fronts.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindUnavailable
	KindGeneration
	KindEncoding
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindUnavailable:
		return "service_unavailable"
	case KindGeneration:
		return "generation_error"
	case KindEncoding:
		return "encoding_error"
	default:
		return "unknown_error"
	}
}

type Error struct {
	Kind Kind
	// Field names the offending request field for validation failures.
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationError(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of err, or zero when err carries no *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
