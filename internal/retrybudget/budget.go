// Package retrybudget implements the per-endpoint rolling error-rate
// tracker described in spec.md §4.1. Observations are additive and
// cheap; reads compute a percentage over the retained window.
package retrybudget

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// isError mirrors spec.md §4.1: 5xx plus all 4xx except the FDSN
// no-content codes.
func isError(code int) bool {
	if code >= 500 {
		return true
	}
	if code >= 400 {
		return code != 204 && code != 404
	}
	return false
}

// Observation is one (timestamp, status code) sample.
type Observation struct {
	At   time.Time
	Code int
}

// Backend is the pluggable storage for per-endpoint observation
// windows. Implementations are shared process-wide (spec.md §3).
type Backend interface {
	// Add appends an observation for url. Implementations must not
	// block the caller meaningfully and must never return an error
	// that aborts the request — failures are logged and swallowed by
	// RetryBudget itself (spec.md §4.1 failure semantics).
	Add(ctx context.Context, url string, obs Observation) error

	// Observations returns the retained window for url, newest first
	// or in any order; RetryBudget does the ratio arithmetic.
	Observations(ctx context.Context, url string) ([]Observation, error)

	// GC drops observations older than retention.
	GC(ctx context.Context, url string, retention time.Duration) error
}

// RetryBudget tracks per-endpoint error ratios and garbage collects
// old samples. It wraps a Backend so the same API works whether the
// process keeps state in memory or in Redis (spec.md §3, §9).
type RetryBudget struct {
	backend    Backend
	retention  time.Duration
	minSamples int
	logger     *logrus.Logger
}

// New constructs a RetryBudget over backend.
func New(backend Backend, retention time.Duration, minSamples int, logger *logrus.Logger) *RetryBudget {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RetryBudget{backend: backend, retention: retention, minSamples: minSamples, logger: logger}
}

// Add records an observed status code for url. Backend failures are
// logged and otherwise ignored: the spec requires Add to be silent on
// a broken backing store.
func (rb *RetryBudget) Add(ctx context.Context, url string, code int) {
	if err := rb.backend.Add(ctx, url, Observation{At: time.Now(), Code: code}); err != nil {
		rb.logger.WithError(err).WithField("endpoint", url).Warn("retry budget: failed to record observation")
	}
}

// ErrorRatio returns the endpoint's error ratio as a percent in
// [0,100]. When the backend is unreachable, it returns (0, err); the
// caller (RouteResolver) must treat a non-nil error as "include the
// URL" per spec.md §4.1/§7, not as "ratio is zero".
func (rb *RetryBudget) ErrorRatio(ctx context.Context, url string) (float64, error) {
	obs, err := rb.backend.Observations(ctx, url)
	if err != nil {
		return 0, err
	}

	if len(obs) < rb.minSamples {
		return 0, nil
	}

	var errs int
	for _, o := range obs {
		if isError(o.Code) {
			errs++
		}
	}

	return 100 * float64(errs) / float64(len(obs)), nil
}

// GC drops observations older than the configured retention for url.
// Backend failures are logged and swallowed.
func (rb *RetryBudget) GC(ctx context.Context, url string) {
	if err := rb.backend.GC(ctx, url, rb.retention); err != nil {
		rb.logger.WithError(err).WithField("endpoint", url).Warn("retry budget: failed to garbage collect")
	}
}
