package truckapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrDecode wraps a response body that could not be parsed.
var ErrDecode = errors.New("decode response")

// APIError is returned by Fetch when the upstream API could not be reached
// or answered with something unusable.
type APIError struct {
	Attempts int
	Err      error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("truck api: failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// StatusError is a non-200 HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// isTransient reports whether err is worth retrying: 5xx responses,
// timeouts, refused or dropped connections. Malformed URLs, unsupported
// schemes and TLS failures are not.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrDecode) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
