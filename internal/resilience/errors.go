package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorClass groups upstream failures by how the caller must react to them.
type ErrorClass int

const (
	// ClassUnknown is an attempt-level failure with no retry guidance.
	ClassUnknown ErrorClass = iota
	// ClassConfiguration means credentials or settings are missing. Fatal.
	ClassConfiguration
	// ClassAuth means the upstream rejected our credentials. Fatal.
	ClassAuth
	// ClassRateLimit means the upstream throttled us. Retryable with backoff.
	ClassRateLimit
	// ClassTransient covers 5xx responses and network failures. Retryable.
	ClassTransient
)

func (c ErrorClass) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassAuth:
		return "auth"
	case ClassRateLimit:
		return "rate_limit"
	case ClassTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// UpstreamError is a classified failure from the LLM endpoint or a search
// backend.
type UpstreamError struct {
	Service    string
	Class      ErrorClass
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Service, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Service, e.Class, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewUpstreamError classifies err using the HTTP status code when one is
// known, falling back to network-error inspection.
func NewUpstreamError(service string, statusCode int, err error) *UpstreamError {
	class := ClassifyStatus(statusCode)
	if class == ClassUnknown && IsTransient(err) {
		class = ClassTransient
	}
	return &UpstreamError{Service: service, Class: class, StatusCode: statusCode, Err: err}
}

// ConfigurationError reports a missing credential or invalid setting. It is
// raised before any research attempt and aborts the run.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// ClassifyStatus maps an HTTP status code to an ErrorClass.
func ClassifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ClassAuth
	case statusCode == 429:
		return ClassRateLimit
	case IsTransientHTTPStatus(statusCode), statusCode == 529:
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// Classify returns the class of the first classified error in err's chain.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return ClassConfiguration
	}

	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Class
	}

	if errors.Is(err, ErrCircuitOpen) || IsTransient(err) {
		return ClassTransient
	}
	return ClassUnknown
}

// IsFatal reports whether err must abort the whole run rather than a single
// attempt.
func IsFatal(err error) bool {
	switch Classify(err) {
	case ClassConfiguration, ClassAuth:
		return true
	default:
		return false
	}
}

// IsTransient returns true if the error (or any error in its chain) is
// retryable: a rate-limited or transient UpstreamError, or a common network
// failure such as a timeout or connection reset.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Class == ClassRateLimit || ue.Class == ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
