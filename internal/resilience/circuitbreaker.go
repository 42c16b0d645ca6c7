// Package resilience provides circuit breaking and engine failover for the
// synthesis and transcription paths.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// keeps a repeatedly failing engine from stalling every utterance. [Chain]
// composes several engines of one type behind per-engine breakers, so a
// tripped primary is bypassed in favour of the next healthy engine.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is open and the
// cooldown has not elapsed.
var ErrOpen = errors.New("breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards all calls.
	Closed State = iota
	// Open rejects calls with [ErrOpen] until the cooldown elapses.
	Open
	// HalfOpen lets a limited number of probe calls through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// Trip is the number of consecutive failures before opening. Default: 3.
	Trip int

	// Cooldown is how long the breaker stays open before probing. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close.
	// Default: 2.
	Probes int
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name     string
	trip     int
	cooldown time.Duration
	probes   int

	mu         sync.Mutex
	state      State
	failures   int
	lastFail   time.Time
	probeCalls int
	probeFails int
}

// NewBreaker creates a [Breaker], replacing zero config fields with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Trip <= 0 {
		cfg.Trip = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	return &Breaker{
		name:     cfg.Name,
		trip:     cfg.Trip,
		cooldown: cfg.Cooldown,
		probes:   cfg.Probes,
		state:    Closed,
	}
}

// Do runs fn if the breaker allows it. While open it returns [ErrOpen]
// without calling fn; in half-open a limited number of probes pass through.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if time.Since(b.lastFail) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.probeCalls = 0
		b.probeFails = 0
		slog.Info("breaker probing", "name", b.name)

	case HalfOpen:
		if b.probeCalls >= b.probes {
			b.mu.Unlock()
			return ErrOpen
		}
	}

	probing := b.state == HalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.lastFail = time.Now()

	if probing {
		b.probeFails++
		// Any failed probe re-opens immediately.
		b.state = Open
		b.failures = b.trip
		slog.Warn("breaker re-opened", "name", b.name)
		return
	}

	b.failures++
	if b.failures >= b.trip {
		b.state = Open
		slog.Warn("breaker opened", "name", b.name, "consecutive_failures", b.failures)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probeCalls-b.probeFails >= b.probes {
			b.state = Closed
			b.failures = 0
			b.probeCalls = 0
			b.probeFails = 0
			slog.Info("breaker closed", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// State reports the breaker state. An open breaker whose cooldown has elapsed
// reports [HalfOpen]; the actual transition happens on the next [Do] call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.lastFail) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [Closed], clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probeCalls = 0
	b.probeFails = 0
}
