// Package breaker provides failure isolation for external generation
// backends. One breaker exists per backend identity and is shared by all
// concurrent tasks, so all state updates are atomic.
package breaker

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/flowd/internal/breaker"

const (
	stateClosed   uint32 = 0
	stateOpen     uint32 = 1
	stateHalfOpen uint32 = 2
)

// ErrOpen is returned by Do without invoking the call while the breaker is
// open. It is distinct from a backend error so callers can tell "the
// backend is down" from "this one call failed".
var ErrOpen = errors.New("breaker: circuit open")

// Config tunes a circuit breaker.
type Config struct {
	// Threshold is the failure count within Window that opens the circuit.
	Threshold int32

	// Window is the rolling window for counting failures while closed.
	Window time.Duration

	// Cooldown is how long the circuit stays open before allowing a single
	// trial call. Repeated trial failures double it up to MaxCooldown.
	Cooldown time.Duration

	// MaxCooldown caps the backoff growth.
	MaxCooldown time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:   5,
		Window:      time.Minute,
		Cooldown:    30 * time.Second,
		MaxCooldown: 10 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = d.MaxCooldown
	}
}

// Breaker is a closed/open/half-open circuit breaker.
//
// The counters are the only state shared across concurrent tasks; a mutex
// keeps the window bookkeeping and backoff transitions consistent. Calls
// themselves run outside the lock.
type Breaker struct {
	cfg      Config
	identity string

	mu          sync.Mutex
	state       uint32
	failures    int32
	windowStart time.Time
	openedAt    time.Time
	cooldown    time.Duration

	opens metric.Int64Counter
}

// New creates a breaker with the given config.
func New(cfg Config) *Breaker {
	return newBreaker(cfg, "")
}

func newBreaker(cfg Config, identity string) *Breaker {
	cfg.applyDefaults()
	b := &Breaker{cfg: cfg, identity: identity, cooldown: cfg.Cooldown}
	b.opens, _ = otel.Meter(instrumentationName).Int64Counter(
		"flowd.breaker.opened_total",
		metric.WithDescription("Circuit transitions to open"),
	)
	return b
}

// Do invokes fn unless the circuit is open, recording the outcome.
// While open it fails fast with ErrOpen. In half-open state exactly one
// caller gets the trial call; concurrent callers fail fast.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.acquire() {
		return ErrOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.recordSuccess()
	case errors.Is(err, context.Canceled):
		// Caller went away; says nothing about backend health. A trial
		// slot must still be released so the circuit is not wedged.
		b.abortTrial()
	default:
		b.recordFailure()
	}
	return err
}

// acquire reports whether a call may proceed, transitioning open→half-open
// after the cooldown. Only one caller wins the half-open trial slot.
func (b *Breaker) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// Trial call already in flight.
		return false
	default:
		return true
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
	b.windowStart = time.Time{}
	b.cooldown = b.cfg.Cooldown
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case stateHalfOpen:
		// Trial failed: reopen with doubled cooldown.
		b.state = stateOpen
		b.openedAt = now
		b.cooldown = minDuration(b.cooldown*2, b.cfg.MaxCooldown)
		b.countOpen()
	case stateClosed:
		if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.cfg.Window {
			b.windowStart = now
			b.failures = 0
		}
		if b.failures < math.MaxInt32 {
			b.failures++
		}
		if b.failures >= b.cfg.Threshold {
			b.state = stateOpen
			b.openedAt = now
			b.failures = 0
			b.countOpen()
		}
	}
}

// countOpen records an open transition. Called with the mutex held.
func (b *Breaker) countOpen() {
	if b.opens == nil {
		return
	}
	b.opens.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("backend", b.identity)))
}

// abortTrial returns a half-open circuit to open without growing the
// cooldown, freeing the trial slot for the next caller.
func (b *Breaker) abortTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = time.Now().Add(-b.cooldown)
	}
}

// State returns the current circuit state as a string.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
