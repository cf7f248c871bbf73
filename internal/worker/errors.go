package worker

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass categorizes worker errors for the retry decision.
type ErrorClass string

const (
	// ErrorClassAuth indicates authentication/authorization failures (401, invalid key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit indicates rate limiting or quota exhaustion (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout indicates request timeout or deadline exceeded.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassBilling indicates billing or payment issues.
	ErrorClassBilling ErrorClass = "BILLING"

	// ErrorClassContextOverflow indicates the prompt exceeded the model's context window.
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"

	// ErrorClassBadRequest indicates a malformed request that will never succeed as sent.
	ErrorClassBadRequest ErrorClass = "BAD_REQUEST"

	// ErrorClassNetwork indicates a transport failure reaching the provider.
	ErrorClassNetwork ErrorClass = "NETWORK"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// Fatal reports whether errors of this class can never succeed on retry.
func (c ErrorClass) Fatal() bool {
	switch c {
	case ErrorClassAuth, ErrorClassBilling, ErrorClassContextOverflow, ErrorClassBadRequest:
		return true
	default:
		return false
	}
}

// ClassifyError categorizes a worker error by inspecting its message for
// known provider patterns.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())

	// Auth errors: 401, unauthorized, invalid key, forbidden, 403.
	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	// Rate limit: 429, rate limit, quota exceeded, too many requests, overloaded.
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "overloaded") {
		return ErrorClassRateLimit
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment") ||
		strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "credit balance") {
		return ErrorClassBilling
	}

	if strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "max tokens") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "context window") ||
		strings.Contains(msg, "prompt is too long") {
		return ErrorClassContextOverflow
	}

	if strings.Contains(msg, "400") ||
		strings.Contains(msg, "bad request") ||
		strings.Contains(msg, "invalid_request") {
		return ErrorClassBadRequest
	}

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "broken pipe") {
		return ErrorClassNetwork
	}

	return ErrorClassUnknown
}

// Error wraps a worker failure with an explicit retry decision.
type Error struct {
	Err   error
	fatal bool
}

func (e *Error) Error() string {
	if e.fatal {
		return "fatal: " + e.Err.Error()
	}
	return "retryable: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal marks err as permanent: the item fails without further retries.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Err: err, fatal: true}
}

// Retryable marks err as transient regardless of its message.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Err: err}
}

// IsFatal reports whether err should fail the item immediately. Explicitly
// wrapped errors win; anything else is classified by message.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var we *Error
	if errors.As(err, &we) {
		return we.fatal
	}
	return ClassifyError(err).Fatal()
}
