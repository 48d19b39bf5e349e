package resilience

import (
	"time"
)

// FromRetryConfig builds the retry decorator config for one upstream service
// from configuration values. Zero values keep the defaults, except
// maxAttempts which falls back to a single attempt.
func FromRetryConfig(service string, maxAttempts, initialBackoffMs, maxBackoffMs int) RetryConfig {
	cfg := NoRetry()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	cfg.OnRetry = RetryLogger(service, "request")
	return cfg
}

// FromCircuitConfig builds the breaker config shared by every upstream
// service. ServiceBreakers attaches the per-service state logger.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
