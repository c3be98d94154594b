// Package errors defines the failure taxonomy of federated dispatch.
//
// Every error type matches one sentinel through errors.Is, so callers can
// branch on the category without caring about the concrete type:
//
//	ErrConfiguration  invalid, missing or ambiguous dispatch declaration
//	ErrRouting        no registered instance owns the resolved partition key
//	ErrTypeMismatch   a backend payload does not match the declared shape
//	ErrPartialFailure some, but not all, fan-out instances failed
//	ErrFatal          the logical call failed as a whole
package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration  = errors.New("configuration error")
	ErrRouting        = errors.New("routing error")
	ErrTypeMismatch   = errors.New("type mismatch")
	ErrPartialFailure = errors.New("partial failure")
	ErrFatal          = errors.New("fatal error")
)

// ConfigurationError reports a dispatch declaration that cannot be classified
// or executed. It is never retried.
type ConfigurationError struct {
	Method string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error for method %q: %s", e.Method, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// RoutingError reports that no instance can serve the call.
type RoutingError struct {
	Method       string
	PartitionKey string
	Reason       string
}

func (e *RoutingError) Error() string {
	if e.PartitionKey != "" {
		return fmt.Sprintf("routing error for method %q: partition %q: %s", e.Method, e.PartitionKey, e.Reason)
	}
	return fmt.Sprintf("routing error for method %q: %s", e.Method, e.Reason)
}

func (e *RoutingError) Is(target error) bool {
	return target == ErrRouting
}

// TypeMismatchError reports a payload whose runtime shape differs from the
// shape the method declares.
type TypeMismatchError struct {
	PartitionKey string
	Expected     string
	Actual       string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch from partition %q: expected %s, got %s", e.PartitionKey, e.Expected, e.Actual)
}

func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}

// PartialFailureError describes the gaps of a best-effort fan-out that still
// succeeded. It is returned as metadata on a successful result, never as the
// error of the call itself.
type PartialFailureError struct {
	Method     string
	Partitions []string // failed partitions, in snapshot order
	Cause      error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("partial failure for method %q: partitions [%s] failed: %v",
		e.Method, strings.Join(e.Partitions, ", "), e.Cause)
}

func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}

func (e *PartialFailureError) Unwrap() error {
	return e.Cause
}

// FatalError fails the whole logical call. Cause holds the triggering failure,
// or every instance failure combined when all instances failed.
type FatalError struct {
	Method string
	Reason string
	Cause  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error for method %q: %s: %v", e.Method, e.Reason, e.Cause)
}

func (e *FatalError) Is(target error) bool {
	return target == ErrFatal
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

// NewConfigurationError creates a ConfigurationError with a formatted reason.
func NewConfigurationError(method, format string, args ...any) error {
	return &ConfigurationError{Method: method, Reason: fmt.Sprintf(format, args...)}
}

// NewRoutingError creates a RoutingError.
func NewRoutingError(method, partitionKey, reason string) error {
	return &RoutingError{Method: method, PartitionKey: partitionKey, Reason: reason}
}

// NewTypeMismatchError creates a TypeMismatchError.
func NewTypeMismatchError(partitionKey, expected, actual string) error {
	return &TypeMismatchError{PartitionKey: partitionKey, Expected: expected, Actual: actual}
}

// NewFatalError creates a FatalError wrapping cause.
func NewFatalError(method, reason string, cause error) error {
	return &FatalError{Method: method, Reason: reason, Cause: cause}
}

func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

func IsRouting(err error) bool {
	return errors.Is(err, ErrRouting)
}

func IsTypeMismatch(err error) bool {
	return errors.Is(err, ErrTypeMismatch)
}

func IsPartialFailure(err error) bool {
	return errors.Is(err, ErrPartialFailure)
}

func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
