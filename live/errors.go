package live

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Sentinels matched by errors.Is against the typed errors below.
var (
	ErrAuth        = errors.New("auth error")
	ErrRateLimited = errors.New("rate limited")
	ErrProtocol    = errors.New("protocol error")
	ErrStorage     = errors.New("storage error")
	ErrTransport   = errors.New("transport error")
)

// AuthError means a credential is missing, expired or was rejected and one
// refresh attempt did not resolve it.
type AuthError struct {
	Platform Platform
	Reason   string
	Err      error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("%s auth: %s", e.Platform, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}
func (e *AuthError) Unwrap() error        { return e.Err }
func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// RateLimitedError carries the upstream wait hint.
type RateLimitedError struct {
	Platform   Platform
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s", e.Platform, e.RetryAfter)
}
func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// ProtocolError reports an unexpected payload shape or unbounded pagination.
type ProtocolError struct {
	Platform Platform
	Msg      string
	Err      error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s protocol: %s", e.Platform, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}
func (e *ProtocolError) Unwrap() error        { return e.Err }
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string        { return "storage " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error        { return e.Err }
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// TransportError means an observer connection was severed.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string        { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error        { return e.Err }
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// StatusError is a non-2xx upstream HTTP response.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, strings.TrimSpace(body))
}

// NewStatusError builds a StatusError from a response, reading the wait hint
// from Ratelimit-Reset (epoch seconds) or Retry-After.
func NewStatusError(resp *http.Response, body []byte, now time.Time) *StatusError {
	return &StatusError{Code: resp.StatusCode, RetryAfter: ParseRetryAfter(resp.Header, now), Body: string(body)}
}

// ParseRetryAfter returns the wait hint carried by h, or 0 when none is present.
// Twitch's Ratelimit-Reset takes precedence over Retry-After.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Ratelimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return max(time.Unix(epoch, 0).Sub(now), 0)
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			return max(t.Sub(now), 0)
		}
	}
	return 0
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// ErrorClass says whether a failed operation is worth retrying.
type ErrorClass int

const (
	// ErrorClassRetryable marks transient failures.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal marks failures a retry cannot fix.
	ErrorClassFatal
	// ErrorClassUnknown marks errors that match no known pattern.
	ErrorClassUnknown
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify sorts an error into retryable, fatal or unknown.
//
// Retryable: rate limits, 5xx, timeouts, network errors, storage and transport errors.
// Fatal: auth and protocol errors, other 4xx, context cancellation.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrProtocol) {
		return ErrorClassFatal
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrStorage) || errors.Is(err, ErrTransport) {
		return ErrorClassRetryable
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests, se.Code >= 500:
			return ErrorClassRetryable
		case se.Code >= 400:
			return ErrorClassFatal
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ErrorClassRetryable
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "eof") {
		return ErrorClassRetryable
	}
	return ErrorClassUnknown
}
