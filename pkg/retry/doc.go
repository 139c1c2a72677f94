// Package retry provides retry logic with configurable backoff strategies
// for transient failures.
//
// The package supports exponential backoff with jitter, constant delays,
// context-based cancellation, and error-type-aware retry predicates. Remote
// rate-limit signals carrying an explicit retry-after duration are honored
// as a floor over the computed backoff and do not consume retry budget.
//
// Basic usage:
//
//	err := retry.Do(func() error {
//		return fetchPage()
//	}, retry.DefaultConfig())
package retry
