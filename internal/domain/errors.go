package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRecord marks a record that failed normalization. Never fatal.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrSchemaMismatch means existing tables do not match the declared schema.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrConstraintViolation means a write broke a primary or foreign key.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrConnectivity means the store could not be reached.
	ErrConnectivity = errors.New("store unreachable")
)

// DiscardReason classifies why the normalizer dropped a record.
type DiscardReason string

const (
	ReasonMalformedJSON      DiscardReason = "malformed_json"
	ReasonMissingField       DiscardReason = "missing_field"
	ReasonInvalidValue       DiscardReason = "invalid_value"
	ReasonInvalidCoordinates DiscardReason = "invalid_coordinates"
	ReasonInvalidTimestamp   DiscardReason = "invalid_timestamp"
)

// MalformedRecordError describes a single discarded record.
type MalformedRecordError struct {
	Reason DiscardReason
	Field  string
	Detail string
}

func (e *MalformedRecordError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s (%s)", ErrMalformedRecord, e.Reason, e.Field)
	}
	return fmt.Sprintf("%s: %s (%s): %s", ErrMalformedRecord, e.Reason, e.Field, e.Detail)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }

// ConstraintViolationError identifies the entity whose write aborted a run.
type ConstraintViolationError struct {
	Entity     EntityType
	Key        string
	Constraint string
	Err        error
}

func (e *ConstraintViolationError) Error() string {
	msg := fmt.Sprintf("%s: %s %q", ErrConstraintViolation, e.Entity, e.Key)
	if e.Constraint != "" {
		msg += " (" + e.Constraint + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConstraintViolationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConstraintViolation}
	}
	return []error{ErrConstraintViolation, e.Err}
}
