package errors

import (
	"errors"
	"fmt"
)

type Category string

const (
	CategoryInvalidInput   Category = "invalid_input"
	CategoryUnsafeInput    Category = "unsafe_input"
	CategoryVerification   Category = "verification_failed"
	CategoryKeyUnavailable Category = "key_unavailable"
	CategoryIOFailure      Category = "io_failure"
	CategoryInternal       Category = "internal_failure"
)

type classifiedError struct {
	category Category
	code     string
	hint     string
	path     string
	cause    error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	if e.path != "" {
		return e.path + ": " + e.cause.Error()
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

// Wrap attaches a category, a stable code and an operator hint to cause.
func Wrap(cause error, category Category, code, hint string) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category: category,
		code:     code,
		hint:     hint,
		cause:    cause,
	}
}

// WrapPath is Wrap for problems tied to one bundle-relative path.
func WrapPath(cause error, category Category, code, path string) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category: category,
		code:     code,
		path:     path,
		cause:    cause,
	}
}

func Newf(category Category, code string, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), category, code, "")
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

// PathOf returns the bundle-relative path recorded by WrapPath, if any.
func PathOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.path
	}
	return ""
}
