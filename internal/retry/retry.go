// Package retry implements the bounded exponential-backoff-with-jitter retry
// loop shared by the scheduler and task queue. Per-callback-class default
// options are held in a patrickmn/go-cache-backed ClassCache; per-row
// retry_options JSON is parsed for each row processed.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Options bounds a retry loop. Zero values are replaced with Defaults by
// Resolve. Framework defaults per spec: 3 attempts, 100ms base, 3s max.
type Options struct {
	MaxAttempts int `json:"maxAttempts"`
	BaseDelayMs int `json:"baseDelayMs"`
	MaxDelayMs  int `json:"maxDelayMs"`
}

// Defaults are the framework-wide retry defaults applied when neither a
// per-row override nor a class default supplies a value.
var Defaults = Options{MaxAttempts: 3, BaseDelayMs: 100, MaxDelayMs: 3000}

// Resolve merges, in priority order, a per-row override, a per-callback-class
// default, and the framework Defaults. The first non-zero field at each
// priority level wins; this mirrors "per-row override > class defaults >
// framework defaults" from the scheduler contract.
func Resolve(row, class *Options) Options {
	resolved := Defaults
	if class != nil {
		mergeNonZero(&resolved, *class)
	}
	if row != nil {
		mergeNonZero(&resolved, *row)
	}
	return resolved
}

func mergeNonZero(dst *Options, src Options) {
	if src.MaxAttempts > 0 {
		dst.MaxAttempts = src.MaxAttempts
	}
	if src.BaseDelayMs > 0 {
		dst.BaseDelayMs = src.BaseDelayMs
	}
	if src.MaxDelayMs > 0 {
		dst.MaxDelayMs = src.MaxDelayMs
	}
}

// ParseOptions decodes a retry_options JSON column. An empty string returns
// a nil Options pointer (no override at this level).
func ParseOptions(raw string) (*Options, error) {
	if raw == "" {
		return nil, nil
	}
	var o Options
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return nil, fmt.Errorf("retry: parse retry_options: %w", err)
	}
	return &o, nil
}

// Marshal encodes Options back to the retry_options column format. A nil
// Options marshals to the empty string, matching ParseOptions's round trip.
func Marshal(o *Options) (string, error) {
	if o == nil {
		return "", nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("retry: marshal retry_options: %w", err)
	}
	return string(b), nil
}

// ClassCache holds per-callback-class retry defaults registered with Set,
// looked up by the scheduler and queue for every row of that callback.
type ClassCache struct {
	cache *gocache.Cache
}

// NewClassCache returns a ClassCache whose entries never expire on their own
// (class defaults are registered once at startup and rarely change) but can
// be explicitly invalidated with Set.
func NewClassCache() *ClassCache {
	return &ClassCache{cache: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

// Set registers (or overwrites) the retry defaults for a callback class.
func (c *ClassCache) Set(callback string, opts Options) {
	c.cache.Set(callback, opts, gocache.NoExpiration)
}

// Get returns the cached class defaults for a callback, if any were
// registered with Set.
func (c *ClassCache) Get(callback string) *Options {
	v, ok := c.cache.Get(callback)
	if !ok {
		return nil
	}
	opts := v.(Options)
	return &opts
}

// ErrExhausted is wrapped around the last error when a retry loop exhausts
// MaxAttempts without success.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Do runs fn up to opts.MaxAttempts times, sleeping an exponentially growing,
// jittered delay between attempts (capped at MaxDelayMs). It returns nil on
// the first success. On final failure it returns the last error wrapped with
// ErrExhausted. onAttempt, if non-nil, is invoked after every failed attempt
// that will be retried, with the delay before the next one; it is not invoked
// after the final failed attempt (the spec calls this "observability entry
// emitted on retry attempts").
func Do(ctx context.Context, opts Options, onAttempt func(attempt int, delay time.Duration, err error), fn func(ctx context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = Defaults.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == opts.MaxAttempts {
			break
		}

		delay := backoff(opts, attempt)
		if onAttempt != nil {
			onAttempt(attempt, delay, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, opts.MaxAttempts, lastErr)
}

// backoff computes the exponential-with-jitter delay before the given
// attempt (1-indexed), capped at opts.MaxDelayMs.
func backoff(opts Options, attempt int) time.Duration {
	base := float64(opts.BaseDelayMs)
	if base <= 0 {
		base = float64(Defaults.BaseDelayMs)
	}
	maxDelay := opts.MaxDelayMs
	if maxDelay <= 0 {
		maxDelay = Defaults.MaxDelayMs
	}

	exp := base * math.Pow(2, float64(attempt-1))
	jittered := exp/2 + rand.Float64()*(exp/2)
	if jittered > float64(maxDelay) {
		jittered = float64(maxDelay)
	}
	return time.Duration(jittered) * time.Millisecond
}

// LogAttempt is the default onAttempt implementation used by callers that
// just want a structured log line per failed attempt, rendered with
// humanized durations for readability in log output.
func LogAttempt(log *zap.Logger, callback string) func(attempt int, delay time.Duration, err error) {
	return func(attempt int, delay time.Duration, err error) {
		log.Warn("retry: attempt failed, backing off",
			zap.String("callback", callback),
			zap.Int("attempt", attempt),
			zap.String("backoff", humanize.RelTime(time.Now(), time.Now().Add(delay), "", "")),
			zap.Error(err),
		)
	}
}
