package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Adapters translate transport errors
// into one of these before returning.
var (
	ErrInvalidRange       = errors.New("invalid address range")
	ErrDeviceUnreachable  = errors.New("device unreachable")
	ErrAllocationConflict = errors.New("allocation conflict")
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
)

// RangeError describes a malformed or unusable address range.
type RangeError struct {
	Input  string
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid address range %q: %s", e.Input, e.Reason)
}

func (e *RangeError) Unwrap() error { return ErrInvalidRange }

// DeviceError wraps a transport failure talking to a router or OLT.
type DeviceError struct {
	Host string
	Op   string
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s unreachable during %s: %v", e.Host, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() []error { return []error{ErrDeviceUnreachable, e.Err} }

// ConflictError reports a resource claimed by another live connection.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("allocation conflict: %s %s is already in use", e.Resource, e.Key)
}

func (e *ConflictError) Unwrap() error { return ErrAllocationConflict }

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError reports a request that violates an input or state rule.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func NewConflict(resource, key string) error {
	return &ConflictError{Resource: resource, Key: key}
}
