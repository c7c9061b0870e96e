package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"google.golang.org/api/googleapi"
)

// Kind classifies a mail service failure for retry and reporting.
type Kind int8

const (
	KindUnknown Kind = iota
	// KindValidation is a request the service (or the client) refused as malformed.
	KindValidation
	// KindRateLimited is throttling, either by the local limiter or the service (429).
	KindRateLimited
	// KindTransientServer covers 5xx, transport failures and per-call timeouts.
	KindTransientServer
	// KindAuthExpired is a 401 that may be cured by one refresh.
	KindAuthExpired
	// KindReauthorizationRequired means the user must reconnect the account.
	KindReauthorizationRequired
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRateLimited:
		return "rate_limited"
	case KindTransientServer:
		return "transient_server"
	case KindAuthExpired:
		return "auth_expired"
	case KindReauthorizationRequired:
		return "reauthorization_required"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified mail service failure.
type Error struct {
	Err        error
	Message    string
	Kind       Kind
	StatusCode int
	// RetryAfter is the server or limiter hint for RateLimited errors.
	RetryAfter time.Duration
	Attempts   int
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("gmail %s (%d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("gmail %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the backoff envelope may try again.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransientServer
}

// IsKind reports whether err is a classified error of kind k.
func IsKind(err error, k Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == k
	}
	return false
}

// KindOf returns the kind of err, or KindUnknown if not classified.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.RetryAfter
	}
	return 0
}

const maxErrorText = 200

// classifyError maps a failed generated-client request to an Error.
func classifyError(err error, timeout time.Duration) *Error {
	var ae *googleapi.Error
	if errors.As(err, &ae) {
		return classifyAPIError(ae)
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &Error{Kind: KindUnknown, Message: "decode response", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransientServer, Message: fmt.Sprintf("no response within %s", timeout), Err: err}
	}
	return &Error{Kind: KindTransientServer, Message: "transport failure", Err: err}
}

// classifyAPIError maps a non-2xx response to an Error.
func classifyAPIError(ae *googleapi.Error) *Error {
	msg := ae.Message
	if msg == "" {
		msg = strings.TrimSpace(ae.Body)
	}
	msg = truncateUTF8(msg, maxErrorText)
	if msg == "" {
		msg = http.StatusText(ae.Code)
	}

	e := &Error{Message: msg, StatusCode: ae.Code, Err: ae}
	switch {
	case ae.Code == http.StatusUnauthorized:
		e.Kind = KindAuthExpired
	case ae.Code == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(ae.Header.Get("Retry-After"))
	case ae.Code >= 500:
		e.Kind = KindTransientServer
	case ae.Code == http.StatusNotFound:
		e.Kind = KindNotFound
	case ae.Code == http.StatusForbidden && hasRateReason(ae.Errors):
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(ae.Header.Get("Retry-After"))
	default:
		e.Kind = KindValidation
	}
	return e
}

func hasRateReason(items []googleapi.ErrorItem) bool {
	for _, it := range items {
		if it.Reason == "rateLimitExceeded" || it.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
