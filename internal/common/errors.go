package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
	ErrValidation   = errors.New("validation failed")

	// ErrCancelled is the cooperative cancellation signal. It is not a failure.
	ErrCancelled = errors.New("run cancelled")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// RetryableError marks a transient downstream failure (timeouts, refused connections,
// explicit "try again" answers). The orchestrator re-attempts the stage.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("retryable: %v", e.Err)
	}
	return fmt.Sprintf("%s: retryable: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError. nil stays nil.
func Retryable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Op: op, Err: err}
}

// RetryExhaustedError is a retryable failure that used up the attempt budget.
// It is surfaced as fatal and keeps the last error.
type RetryExhaustedError struct {
	Stage    string
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("stage %s: retries exhausted after %d attempts: %v", e.Stage, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// LedgerWriteError is a failed write to the execution ledger. It is always fatal to the run.
type LedgerWriteError struct {
	Op  string
	Err error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger write %s: %v", e.Op, e.Err)
}

func (e *LedgerWriteError) Unwrap() error { return e.Err }

// ErrorClass is the orchestrator's view of a stage error.
type ErrorClass int

const (
	ClassFatal ErrorClass = iota
	ClassRetryable
	ClassCancelled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassCancelled:
		return "cancelled"
	default:
		return "fatal"
	}
}

// Classify decides whether err is worth another attempt.
// Unknown errors are fatal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}
	if errors.Is(err, ErrCancelled) {
		return ClassCancelled
	}

	var (
		vErr  *ValidationError
		lErr  *LedgerWriteError
		exErr *RetryExhaustedError
		rErr  *RetryableError
	)
	switch {
	case errors.As(err, &vErr), errors.As(err, &lErr), errors.As(err, &exErr):
		return ClassFatal
	case errors.As(err, &rErr):
		return ClassRetryable
	case errors.Is(err, context.DeadlineExceeded):
		return ClassRetryable
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
	}

	// downstream gRPC services signal "try again" through their status code
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return ClassRetryable
		}
	}
	return ClassFatal
}

// ErrorKind is a short label persisted with a run's error.
func ErrorKind(err error) string {
	var (
		vErr  *ValidationError
		lErr  *LedgerWriteError
		exErr *RetryExhaustedError
		rErr  *RetryableError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.As(err, &vErr):
		return "validation"
	case errors.As(err, &lErr):
		return "ledger_write"
	case errors.As(err, &exErr):
		return "retry_exhausted"
	case errors.As(err, &rErr):
		return "retryable"
	default:
		return "fatal"
	}
}

// gRPC error helpers
func InvalidArgumentError(message string) error {
	return status.Error(codes.InvalidArgument, message)
}

func NotFoundError(message string) error {
	return status.Error(codes.NotFound, message)
}

func InternalError(message string) error {
	return status.Error(codes.Internal, message)
}

func InvalidArgumentErrorf(format string, args ...interface{}) error {
	return InvalidArgumentError(fmt.Sprintf(format, args...))
}

func NotFoundErrorf(format string, args ...interface{}) error {
	return NotFoundError(fmt.Sprintf(format, args...))
}

func InternalErrorf(format string, args ...interface{}) error {
	return InternalError(fmt.Sprintf(format, args...))
}
