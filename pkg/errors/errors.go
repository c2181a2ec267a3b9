// Package errors provides the coded error type shared by every eventflow package.
// Each error carries a Code naming its kind, a message, optional context and a
// short stack trace so the orchestrator can decide per kind what to do.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Code identifies the kind of an error.
type Code string

const (
	// Product access errors
	CodeIllegalName      Code = "IllegalName"
	CodeProductExists    Code = "ProductExists"
	CodeProductNotFound  Code = "ProductNotFound"
	CodeProductAmbiguous Code = "ProductAmbiguous"
	CodeProductProblem   Code = "ProductProblem"

	// Pattern errors
	CodeInvalidRegex Code = "InvalidRegex"

	// Storage errors
	CodeFileError Code = "FileError"
	CodeDataError Code = "DataError"

	// Orchestration errors
	CodeProcess Code = "Process"

	// Unknown
	CodeUnknown Code = "Unknown"
)

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrIllegalName      = &Error{Code: CodeIllegalName}
	ErrProductExists    = &Error{Code: CodeProductExists}
	ErrProductNotFound  = &Error{Code: CodeProductNotFound}
	ErrProductAmbiguous = &Error{Code: CodeProductAmbiguous}
	ErrProductProblem   = &Error{Code: CodeProductProblem}
	ErrInvalidRegex     = &Error{Code: CodeInvalidRegex}
	ErrFileError        = &Error{Code: CodeFileError}
	ErrDataError        = &Error{Code: CodeDataError}
	ErrProcess          = &Error{Code: CodeProcess}
)

// Error is the base error type for all eventflow errors.
type Error struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target error.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// captureStack captures the current stack trace.
func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *Error) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Convenience constructors ---

// IllegalName reports a collection name containing the branch separator.
func IllegalName(name, separator string) *Error {
	return Newf(CodeIllegalName, "the product name '%s' is illegal as it contains '%s'", name, separator).
		WithContext("name", name)
}

// ProductExists reports a second add of the same name in one pass and event.
func ProductExists(name, pass string) *Error {
	return Newf(CodeProductExists, "a product named '%s' already exists in the event for pass '%s'", name, pass).
		WithContext("name", name).
		WithContext("pass", pass)
}

// ProductNotFound reports a lookup with no matching branch.
func ProductNotFound(name, pass string) *Error {
	if pass == "" {
		return Newf(CodeProductNotFound, "no product found for name '%s'", name).
			WithContext("name", name)
	}
	return Newf(CodeProductNotFound, "no product found for name '%s' and pass '%s'", name, pass).
		WithContext("name", name).
		WithContext("pass", pass)
}

// ProductAmbiguous reports an unqualified lookup matching several branches.
func ProductAmbiguous(name string, keys []string) *Error {
	return Newf(CodeProductAmbiguous, "multiple products found for name '%s' without specified pass name (%s)",
		name, strings.Join(keys, ", ")).
		WithContext("name", name)
}

// ProductProblem reports a type mismatch on a product.
func ProductProblem(name, message string) *Error {
	return Newf(CodeProductProblem, "%s: '%s'", message, name).
		WithContext("name", name)
}

// InvalidRegex reports a pattern that does not compile.
func InvalidRegex(pattern string, err error) *Error {
	return Wrapf(err, CodeInvalidRegex, "invalid pattern '%s'", pattern)
}

// FileError reports an open or write failure on the underlying store.
func FileError(path string, err error, message string) *Error {
	if err == nil {
		return New(CodeFileError, message).WithContext("path", path)
	}
	return Wrap(err, CodeFileError, message).WithContext("path", path)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsFatal returns true if the error must abort the run.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeFileError, CodeProductNotFound, CodeProductAmbiguous,
		CodeProductProblem, CodeIllegalName, CodeProcess:
		return true
	default:
		return false
	}
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
