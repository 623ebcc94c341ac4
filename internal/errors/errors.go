// Package errors provides the sentinel errors and wrapping utilities shared
// by every manager.
//
// Errors fall into two categories. Configuration errors (unknown strategy,
// invalid date range, unsupported codec, nil session, bad parameter) are
// raised synchronously before any I/O and are the caller's bug to fix.
// Operation errors (query failure, codec failure, missing file) happen during
// I/O and are wrapped with context; inside batch operations they are captured
// per item rather than aborting the batch.
package errors

import (
	"errors"
	"fmt"
)

var (
	// Configuration errors
	ErrUnknownStrategy  = errors.New("unknown strategy")
	ErrInvalidDateRange = errors.New("invalid date range: start after end")
	ErrUnsupportedCodec = errors.New("unsupported compression codec")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrMissingField     = errors.New("missing required field")
	ErrNilSession       = errors.New("nil session")
	ErrInvalidRecordID  = errors.New("record id must be positive")
	ErrUnknownTable     = errors.New("unknown table")

	// Operation errors
	ErrNotFound       = errors.New("not found")
	ErrShardNotFound  = errors.New("shard not found")
	ErrRecordNotFound = errors.New("record not found")
	ErrFileNotFound   = errors.New("file not found")
	ErrQueryFailed    = errors.New("query failed")
	ErrCodec          = errors.New("codec failure")
	ErrAlreadyExists  = errors.New("already exists")
)

// Is is a convenience wrapper for errors.Is.
var Is = errors.Is

// As is a convenience wrapper for errors.As.
var As = errors.As

// IsConfig returns true if err is a configuration error: fail-fast,
// raised before any I/O.
func IsConfig(err error) bool {
	return errors.Is(err, ErrUnknownStrategy) ||
		errors.Is(err, ErrInvalidDateRange) ||
		errors.Is(err, ErrUnsupportedCodec) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrNilSession) ||
		errors.Is(err, ErrInvalidRecordID) ||
		errors.Is(err, ErrUnknownTable)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrShardNotFound) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrFileNotFound)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewUnknownStrategy creates an unknown-strategy error naming the family.
func NewUnknownStrategy(family, name string) error {
	return fmt.Errorf("%s strategy %q: %w", family, name, ErrUnknownStrategy)
}

// NewInvalidDateRange creates a date-range error with both bounds.
func NewInvalidDateRange(start, end string) error {
	return fmt.Errorf("start %s after end %s: %w", start, end, ErrInvalidDateRange)
}

// NewValidation creates a configuration error for a named field.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s %q: %w", entityType, identifier, ErrNotFound)
}
