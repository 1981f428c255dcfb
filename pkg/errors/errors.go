// Package errors provides the structured error taxonomy used across the
// batching engine. It deliberately shadows the standard library package
// name since every file importing it wants the richer type, not raw error
// wrapping.
package errors

import (
	"fmt"
	"runtime"
	"time"
)

// ErrorCode identifies the kind of failure.
type ErrorCode string

const (
	// ErrInvalidClientId is raised by addMessage when clientId is empty.
	ErrInvalidClientId ErrorCode = "INVALID_CLIENT_ID"
	// ErrInvalidMessage is raised by addMessage when message.Type is empty.
	ErrInvalidMessage ErrorCode = "INVALID_MESSAGE"
	// ErrCompression marks a failed compression attempt (non-fatal, falls back).
	ErrCompression ErrorCode = "COMPRESSION_ERROR"
	// ErrDecompression marks a failed decompression attempt (fatal to the caller).
	ErrDecompression ErrorCode = "DECOMPRESSION_ERROR"
	// ErrTimer marks a failure inside an inactivity timer handler.
	ErrTimer ErrorCode = "TIMER_ERROR"
	// ErrAnalytics marks a failure during an analytics snapshot pass.
	ErrAnalytics ErrorCode = "ANALYTICS_ERROR"
	// ErrStop marks a redundant or post-failure Stop() call.
	ErrStop ErrorCode = "STOP_ERROR"
	// ErrConfiguration marks an invalid configuration value.
	ErrConfiguration ErrorCode = "CONFIGURATION_ERROR"
)

// Severity represents how urgently an error should be surfaced.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// BatchEngineError is a structured error carrying enough context to be
// logged, counted and correlated without re-parsing a message string.
type BatchEngineError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Severity  Severity               `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	File      string                 `json:"file,omitempty"`
	Line      int                    `json:"line,omitempty"`
	Function  string                 `json:"function,omitempty"`
	Cause     error                  `json:"-"`
}

func (e *BatchEngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Code, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Severity, e.Message)
}

func (e *BatchEngineError) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key/value pair of diagnostic context.
func (e *BatchEngineError) WithDetail(key string, value interface{}) *BatchEngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause attaches the underlying cause.
func (e *BatchEngineError) WithCause(cause error) *BatchEngineError {
	e.Cause = cause
	return e
}

// New creates a BatchEngineError with the default severity for its code.
func New(code ErrorCode, message string) *BatchEngineError {
	pc, file, line, _ := runtime.Caller(1)
	fn := runtime.FuncForPC(pc)
	var funcName string
	if fn != nil {
		funcName = fn.Name()
	}
	return &BatchEngineError{
		Code:      code,
		Message:   message,
		Severity:  severityFor(code),
		Timestamp: time.Now(),
		File:      file,
		Line:      line,
		Function:  funcName,
	}
}

// Newf creates a BatchEngineError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *BatchEngineError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a BatchEngineError of the given code.
func Wrap(err error, code ErrorCode, message string) *BatchEngineError {
	if err == nil {
		return nil
	}
	pc, file, line, _ := runtime.Caller(1)
	fn := runtime.FuncForPC(pc)
	var funcName string
	if fn != nil {
		funcName = fn.Name()
	}
	return &BatchEngineError{
		Code:      code,
		Message:   message,
		Severity:  severityFor(code),
		Timestamp: time.Now(),
		File:      file,
		Line:      line,
		Function:  funcName,
		Cause:     err,
	}
}

// Is reports whether err is a BatchEngineError carrying the given code.
func Is(err error, code ErrorCode) bool {
	var target *BatchEngineError
	if As(err, &target) {
		return target.Code == code
	}
	return false
}

// As walks err's Unwrap chain looking for a *BatchEngineError.
func As(err error, target **BatchEngineError) bool {
	if err == nil {
		return false
	}
	if beErr, ok := err.(*BatchEngineError); ok {
		*target = beErr
		return true
	}
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return As(unwrapper.Unwrap(), target)
	}
	return false
}

// Code extracts the error code from err, or "" if it is not a BatchEngineError.
func Code(err error) ErrorCode {
	var target *BatchEngineError
	if As(err, &target) {
		return target.Code
	}
	return ""
}

func severityFor(code ErrorCode) Severity {
	switch code {
	case ErrDecompression, ErrConfiguration:
		return SeverityHigh
	case ErrInvalidClientId, ErrInvalidMessage:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
