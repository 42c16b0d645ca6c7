package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when every entry in a [Chain] fails or has an open
// breaker.
var ErrExhausted = errors.New("all engines failed")

// chainEntry pairs an engine value with its dedicated breaker.
type chainEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain wraps a primary and zero or more fallback engines of the same type.
// When the primary fails or its breaker is open, the next healthy entry is
// tried in registration order. The entry list is fixed after construction, so
// Chain is safe for concurrent use.
type Chain[T any] struct {
	entries []chainEntry[T]
	cfg     BreakerConfig
}

// NewChain creates a [Chain] with primary as the first entry. cfg.Name is
// overridden per entry.
func NewChain[T any](primary T, primaryName string, cfg BreakerConfig) *Chain[T] {
	c := &Chain[T]{cfg: cfg}
	c.add(primaryName, primary)
	return c
}

// Append adds a fallback engine, tried after all earlier entries.
func (c *Chain[T]) Append(name string, fallback T) {
	c.add(name, fallback)
}

func (c *Chain[T]) add(name string, value T) {
	cfg := c.cfg
	cfg.Name = name
	c.entries = append(c.entries, chainEntry[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(cfg),
	})
}

// Names lists the entry names in trial order.
func (c *Chain[T]) Names() []string {
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.name
	}
	return out
}

// Do tries fn against each entry in order until one succeeds. Entries with an
// open breaker are skipped. Returns [ErrExhausted] wrapped with the last
// error when every entry fails.
func (c *Chain[T]) Do(fn func(T) error) error {
	_, err := DoWithResult(c, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// DoWithResult tries fn against each chain entry until one succeeds and
// returns the result plus the name of the entry that served it. Callers use
// the name to label output by the engine that actually produced it. This is a
// package-level function because Go does not support method-level type
// parameters.
func DoWithResult[T any, R any](c *Chain[T], fn func(T) (R, error)) (ChainResult[R], error) {
	var (
		lastErr error
		zero    ChainResult[R]
	)
	for i := range c.entries {
		entry := &c.entries[i]
		var result R
		err := entry.breaker.Do(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return ChainResult[R]{Value: result, Served: entry.name}, nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping engine, breaker open", "engine", entry.name)
		} else {
			slog.Warn("engine failed, trying next", "engine", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

// ChainResult carries a successful chain result and the entry that served it.
type ChainResult[R any] struct {
	Value  R
	Served string
}
