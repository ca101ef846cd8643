package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mwalden/duskhall/internal/observe"
)

// ErrAllFailed is returned when no entry in a [FallbackGroup] produced a
// successful call: every provider either failed or had an open breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the breaker stamped onto each entry of a
// [FallbackGroup]. The breaker name is overridden per entry.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Kind labels the chain for metric attributes, e.g. "llm" or "tts".
	Kind string

	// Metrics, when set, records a request per provider actually called and
	// an error per provider failure.
	Metrics *observe.Metrics
}

// FallbackGroup chains a primary provider and any number of fallbacks of the
// same type, each behind its own [CircuitBreaker]. Calls walk the chain in
// registration order and stop at the first success; open-breaker entries are
// skipped without being called.
//
// FallbackGroup is safe for concurrent use once assembled. AddFallback is
// not synchronized with in-flight calls; register everything at startup.
type FallbackGroup[T any] struct {
	names    []string
	values   []T
	breakers []*CircuitBreaker
	cbCfg    CircuitBreakerConfig
	kind     string
	metrics  *observe.Metrics
}

// NewFallbackGroup creates a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{
		cbCfg:   cfg.CircuitBreaker,
		kind:    cfg.Kind,
		metrics: cfg.Metrics,
	}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry to the end of the chain.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cbCfg
	cbCfg.Name = name
	fg.names = append(fg.names, name)
	fg.values = append(fg.values, value)
	fg.breakers = append(fg.breakers, NewCircuitBreaker(cbCfg))
}

// Primary returns the first entry's provider. Useful for static metadata
// that should not participate in failover.
func (fg *FallbackGroup[T]) Primary() T {
	return fg.values[0]
}

// Execute walks the chain with a result-less call.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult walks fg's chain until an entry succeeds and returns its
// result. It is a package function because methods cannot introduce the
// result type parameter.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i, value := range fg.values {
		var result R
		err := fg.breakers[i].Execute(func() error {
			var callErr error
			result, callErr = fn(value)
			return callErr
		})
		if err == nil {
			fg.record(fg.names[i], "ok", false)
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", fg.names[i])
		} else {
			fg.record(fg.names[i], "error", true)
			slog.Warn("provider failed, trying next", "provider", fg.names[i], "error", err)
		}
	}

	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// record counts one provider call. Open-breaker skips are not counted; the
// provider was never reached. The calls run deep inside provider plumbing
// with no request context in scope, so recording uses the background context.
func (fg *FallbackGroup[T]) record(provider, status string, failed bool) {
	if fg.metrics == nil {
		return
	}
	ctx := context.Background()
	fg.metrics.RecordProviderRequest(ctx, provider, fg.kind, status)
	if failed {
		fg.metrics.RecordProviderError(ctx, provider, fg.kind)
	}
}
