// Package errors provides structured error handling for subwatch operations.
// It defines error codes, error types, and provides utilities for creating
// and handling errors with context and structured information.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"
	CodeCanceled      ErrorCode = "CANCELED"

	// Discovery pipeline errors.
	CodeStageFailed  ErrorCode = "STAGE_FAILED"
	CodeStageTimeout ErrorCode = "STAGE_TIMEOUT"

	// Notification errors.
	CodeTransport ErrorCode = "TRANSPORT"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"

	// State machine errors.
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// StageError is the failure of a single discovery stage. A timeout is
// reported with CodeStageTimeout, any other abnormal exit with CodeStageFailed.
type StageError struct {
	Code     ErrorCode
	Stage    string
	ExitCode int
	Stderr   string
	Cause    error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	switch {
	case e.Code == CodeStageTimeout:
		return fmt.Sprintf("[%s] stage %s timed out", e.Code, e.Stage)
	case e.Stderr != "":
		return fmt.Sprintf("[%s] stage %s exited with code %d: %s", e.Code, e.Stage, e.ExitCode, e.Stderr)
	default:
		return fmt.Sprintf("[%s] stage %s exited with code %d", e.Code, e.Stage, e.ExitCode)
	}
}

// Unwrap returns the underlying error for error unwrapping.
func (e *StageError) Unwrap() error {
	return e.Cause
}

// Timeout reports whether the stage was killed by its deadline.
func (e *StageError) Timeout() bool {
	return e.Code == CodeStageTimeout
}

// NewStageFailure creates a stage error for an abnormal process exit.
func NewStageFailure(stage string, exitCode int, stderr string, cause error) *StageError {
	return &StageError{
		Code:     CodeStageFailed,
		Stage:    stage,
		ExitCode: exitCode,
		Stderr:   stderr,
		Cause:    cause,
	}
}

// NewStageTimeout creates a stage error for a stage that exceeded its deadline.
func NewStageTimeout(stage string, cause error) *StageError {
	return &StageError{
		Code:     CodeStageTimeout,
		Stage:    stage,
		ExitCode: -1,
		Cause:    cause,
	}
}

// NotifyError represents a failed alert delivery.
type NotifyError struct {
	Code       ErrorCode
	Message    string
	StatusCode int
	Cause      error
}

// Error implements the error interface.
func (e *NotifyError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s (status: %d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *NotifyError) Unwrap() error {
	return e.Cause
}

// NewTransportError creates a notification transport error.
func NewTransportError(message string, statusCode int, cause error) *NotifyError {
	return &NotifyError{
		Code:       CodeTransport,
		Message:    message,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Query     string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// WithQuery adds the SQL query that caused the error.
func (e *DatabaseError) WithQuery(query string) *DatabaseError {
	e.Query = query
	return e
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
	}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// ScanError represents an error in scan scheduling or bookkeeping that is
// not tied to a particular stage or the database.
type ScanError struct {
	Code    ErrorCode
	Message string
	Target  string
	Cause   error
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
	}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// Utility functions for common error operations

// coded is implemented by every error type in this package.
type coded interface {
	error
	code() ErrorCode
}

func (e *StageError) code() ErrorCode    { return e.Code }
func (e *NotifyError) code() ErrorCode   { return e.Code }
func (e *DatabaseError) code() ErrorCode { return e.Code }
func (e *ScanError) code() ErrorCode     { return e.Code }
func (e *ConfigError) code() ErrorCode   { return e.Code }

// GetCode extracts the error code from the first coded error in the chain.
func GetCode(err error) ErrorCode {
	var c coded
	if stderrors.As(err, &c) {
		return c.code()
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsStageFailure reports whether err is a discovery stage failure or timeout.
func IsStageFailure(err error) bool {
	var se *StageError
	return stderrors.As(err, &se)
}

// Common error creation functions

// ErrTargetNotFound creates an error for a target that does not exist.
func ErrTargetNotFound(targetID string) *DatabaseError {
	return &DatabaseError{
		Code:      CodeNotFound,
		Message:   fmt.Sprintf("target %s not found", targetID),
		Operation: "get target",
	}
}

// ErrScanRunNotFound creates an error for a target without a scan run.
func ErrScanRunNotFound(targetID string) *DatabaseError {
	return &DatabaseError{
		Code:      CodeNotFound,
		Message:   fmt.Sprintf("no scan run for target %s", targetID),
		Operation: "get scan run",
	}
}

// ErrDatabaseConnection creates an error for database connection failures.
func ErrDatabaseConnection(err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseConnection, "Failed to connect to database", err)
}

// ErrInvalidTransition creates an error for a forbidden scan run status change.
func ErrInvalidTransition(from, to string) *ScanError {
	return NewScanError(CodeInvalidTransition, fmt.Sprintf("cannot move scan run from %s to %s", from, to))
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
