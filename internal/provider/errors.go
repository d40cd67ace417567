package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Sentinels for errors.Is. Every error returned by a Provider wraps exactly
// one of them.
var (
	ErrTimeout     = errors.New("provider timeout")
	ErrUnavailable = errors.New("provider unavailable")
	ErrRejected    = errors.New("provider rejected request")
)

// Kind classifies a provider failure.
type Kind int

const (
	KindTimeout Kind = iota + 1
	KindUnavailable
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindUnavailable:
		return ErrUnavailable
	default:
		return ErrRejected
	}
}

// Error is a classified provider failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Rejected builds a terminal error for a malformed or refused response.
func Rejected(op, format string, args ...any) error {
	return &Error{Kind: KindRejected, Op: op, Err: fmt.Errorf(format, args...)}
}

// IsRetryable reports whether the task that produced err should stay pending.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// IsUnavailable reports whether err counts toward the offline threshold.
// Timeouts count too; both mean the provider did not answer.
func IsUnavailable(err error) bool {
	return IsRetryable(err)
}

// Classify maps a transport or HTTP error into a provider Error. Errors
// already classified pass through. status is the HTTP status code when one
// was received, 0 otherwise.
func Classify(op string, status int, err error) error {
	if err == nil && status == 0 {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if status != 0 {
		return &Error{Kind: kindForStatus(status), Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) || errors.As(err, &netErr) {
		return &Error{Kind: KindUnavailable, Op: op, Err: err}
	}
	// A body cut short is a transport failure, not bad output.
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &Error{Kind: KindUnavailable, Op: op, Err: err}
	}
	// Anything else, e.g. a body that does not decode, is malformed output.
	return &Error{Kind: KindRejected, Op: op, Err: err}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout,
		status == http.StatusUnauthorized, status == http.StatusForbidden:
		// A bad key is an outage, not a bad idea.
		return KindUnavailable
	case status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindUnavailable
	default:
		return KindRejected
	}
}
