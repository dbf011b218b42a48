package errors

import (
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Runtime errors
	ErrCodeRuntimeUnavailable ErrorCode = "RUNTIME_UNAVAILABLE"
	ErrCodeRuntimeCommand     ErrorCode = "RUNTIME_COMMAND"

	// Image errors
	ErrCodeImageBuild   ErrorCode = "IMAGE_BUILD"
	ErrCodeImageMissing ErrorCode = "IMAGE_MISSING"

	// Network policy errors
	ErrCodePolicyResolve ErrorCode = "POLICY_RESOLVE"
	ErrCodePolicyApply   ErrorCode = "POLICY_APPLY"

	// Container lifecycle errors
	ErrCodeContainerCreate ErrorCode = "CONTAINER_CREATE"
	ErrCodeContainerExited ErrorCode = "CONTAINER_EXITED"
	ErrCodeHandleDestroyed ErrorCode = "HANDLE_DESTROYED"
	ErrCodePrune           ErrorCode = "PRUNE"

	// Protocol errors
	ErrCodeRequestTimeout ErrorCode = "REQUEST_TIMEOUT"
	ErrCodeProtocol       ErrorCode = "PROTOCOL"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error represents a structured Crucible error
type Error struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Context    map[string]any
	Stack      []Frame
	Retryable  bool
}

// Frame represents a stack frame
type Frame struct {
	Function string
	File     string
	Line     int
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Context:   make(map[string]any),
		Stack:     captureStack(2), // Skip New and caller
		Retryable: false,
	}
}

// Wrap wraps an existing error with Crucible error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
		Stack:      captureStack(2),
		Retryable:  false,
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// StackTrace returns a formatted stack trace
func (e *Error) StackTrace() string {
	var sb strings.Builder

	sb.WriteString("Stack trace:\n")
	for i, frame := range e.Stack {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, frame.Function))
		sb.WriteString(fmt.Sprintf("     %s:%d\n", frame.File, frame.Line))
	}

	return sb.String()
}

// captureStack captures the current call stack
func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr

	n := runtime.Callers(skip+1, pcs[:])
	frames := make([]Frame, 0, n)

	for i := 0; i < n; i++ {
		pc := pcs[i]
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		file, line := fn.FileLine(pc)

		frames = append(frames, Frame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	crucibleErr, ok := err.(*Error)
	if !ok {
		return false
	}

	return crucibleErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	crucibleErr, ok := err.(*Error)
	if !ok {
		return ErrCodeInternal
	}

	return crucibleErr.Code
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	crucibleErr, ok := err.(*Error)
	if !ok {
		return false
	}

	return crucibleErr.Retryable
}
