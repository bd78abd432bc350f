package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"llm_dispatcher/internal/models"
)

// ErrorKind classifies a provider failure
type ErrorKind int

const (
	// Transient covers auth, network, 5xx and timeouts. No cooldown.
	Transient ErrorKind = iota
	// RateLimited means the provider throttled the credential
	RateLimited
	// Unsupported means the request cannot be served by this adapter
	Unsupported
	// Empty means the provider answered without usable text
	Empty
)

func (k ErrorKind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case Unsupported:
		return "unsupported"
	case Empty:
		return "empty"
	default:
		return "transient"
	}
}

// ErrUnsupportedAttachment is wrapped when a text-only adapter gets binary data
var ErrUnsupportedAttachment = errors.New("attachment not supported by text-only provider")

// ErrEmptyResponse is wrapped when the provider returns no text
var ErrEmptyResponse = errors.New("empty response")

// ProviderError is the error every adapter returns
type ProviderError struct {
	Kind       ErrorKind
	Provider   models.ProviderKind
	StatusCode int
	// RetryAfter is the provider's back-off hint, zero when absent
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err is a rate-limit classification
func IsRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == RateLimited
}

// RetryAfterHint returns the provider back-off hint carried by err
func RetryAfterHint(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

func unsupportedAttachment(kind models.ProviderKind) *ProviderError {
	return &ProviderError{Kind: Unsupported, Provider: kind, Err: ErrUnsupportedAttachment}
}

func emptyResponse(kind models.ProviderKind) *ProviderError {
	return &ProviderError{Kind: Empty, Provider: kind, Err: ErrEmptyResponse}
}

// classifyStatus maps an HTTP status to an error kind. 429 is the only
// status that triggers a cooldown.
func classifyStatus(kind models.ProviderKind, status int, retryAfter time.Duration, err error) *ProviderError {
	k := Transient
	if status == http.StatusTooManyRequests {
		k = RateLimited
	}
	return &ProviderError{Kind: k, Provider: kind, StatusCode: status, RetryAfter: retryAfter, Err: err}
}

// classifyTransport wraps errors that never reached an HTTP status
func classifyTransport(kind models.ProviderKind, err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: Transient, Provider: kind, Err: fmt.Errorf("attempt timed out: %w", err)}
	}
	return &ProviderError{Kind: Transient, Provider: kind, Err: err}
}

// parseRetryAfter reads Retry-After as delta-seconds or an HTTP date
func parseRetryAfter(resp *http.Response, now time.Time) time.Duration {
	if resp == nil {
		return 0
	}
	if ms := resp.Header.Get("Retry-After-Ms"); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Millisecond))
		}
	}
	h := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
