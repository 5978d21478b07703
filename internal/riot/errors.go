package riot

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failed API call.
type Kind int

const (
	KindUnknown Kind = iota
	// KindRateLimited is consumed by the client's retry loop and never returned.
	KindRateLimited
	// KindTransient is safe to retry on a later cycle.
	KindTransient
	// KindNotFound means the account or match does not exist on the provider.
	KindNotFound
	// KindFatal means the request can never succeed (bad key, bad input).
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is returned by every Client operation that reached the provider or
// failed to route.
type Error struct {
	Kind       Kind
	Op         string
	Status     int
	RetryAfter time.Duration
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("riot %s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		s += fmt.Sprintf(" (http %d)", e.Status)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsFatal(err error) bool     { return KindOf(err) == KindFatal }
func IsNotFound(err error) bool  { return KindOf(err) == KindNotFound }
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// kindForStatus maps a non-2xx status code onto the taxonomy.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusRequestTimeout, status >= 500:
		return KindTransient
	case status >= 400:
		return KindFatal
	default:
		return KindTransient
	}
}
