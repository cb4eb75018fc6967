// Package resilience provides the circuit breaker and retry primitives
// the orchestrator composes around unreliable dependencies.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/camatools/pacsync/internal/adapter"
)

// BreakerState is the circuit state.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is the sentinel matched by errors.Is against a
// *CircuitOpenError.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError is returned when a breaker rejects a call without
// invoking the protected function.
type CircuitOpenError struct {
	Name    string
	ResetAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open until %s", e.Name, e.ResetAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive monitored failures that trip
	// the breaker open.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// HalfOpenSuccessThreshold is the probe successes needed to close.
	HalfOpenSuccessThreshold int
	// IsMonitored classifies which errors count against the breaker.
	// Non-monitored errors propagate without touching state. Defaults
	// to adapter.IsTransient.
	IsMonitored func(error) bool
	// OnOpen and OnClose observe transitions. Panics are swallowed with
	// a log line so a bad callback cannot poison the breaker.
	OnOpen  func(name string)
	OnClose func(name string)
}

func (c *BreakerConfig) withDefaults() BreakerConfig {
	out := *c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.ResetTimeout <= 0 {
		out.ResetTimeout = 30 * time.Second
	}
	if out.HalfOpenSuccessThreshold <= 0 {
		out.HalfOpenSuccessThreshold = 1
	}
	if out.IsMonitored == nil {
		out.IsMonitored = adapter.IsTransient
	}
	return out
}

// BreakerSnapshot is a point-in-time view of breaker state.
type BreakerSnapshot struct {
	Name                string       `json:"name"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureAt       *time.Time   `json:"last_failure_at,omitempty"`
	HalfOpenSuccesses   int          `json:"half_open_successes"`
	TotalSuccess        int64        `json:"total_success"`
	TotalFailure        int64        `json:"total_failure"`
}

// Breaker guards one unreliable dependency. All state mutation happens
// under the breaker's own lock; the protected function runs outside it.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailureAt       time.Time
	halfOpenSuccesses   int
	totalSuccess        int64
	totalFailure        int64
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now, state: StateClosed}
}

// newBreakerAt is the test constructor with an injected clock.
func newBreakerAt(name string, cfg BreakerConfig, now func() time.Time) *Breaker {
	b := NewBreaker(name, cfg)
	b.now = now
	return b
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn under breaker protection. When open, it rejects with
// *CircuitOpenError without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		resetAt := b.lastFailureAt.Add(b.cfg.ResetTimeout)
		if b.now().Before(resetAt) {
			return adapter.E("breaker."+b.name, adapter.KindRemoteUnavailable,
				&CircuitOpenError{Name: b.name, ResetAt: resetAt})
		}
		b.state = StateHalfOpen
		b.halfOpenSuccesses = 0
	}
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()

	if err == nil {
		b.totalSuccess++
		switch b.state {
		case StateHalfOpen:
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccessThreshold {
				b.state = StateClosed
				b.consecutiveFailures = 0
				b.halfOpenSuccesses = 0
				b.mu.Unlock()
				b.notify(b.cfg.OnClose)
				return
			}
		case StateClosed:
			b.consecutiveFailures = 0
		}
		b.mu.Unlock()
		return
	}

	if !b.cfg.IsMonitored(err) {
		// Non-monitored errors pass through without affecting state.
		b.mu.Unlock()
		return
	}

	b.totalFailure++
	b.lastFailureAt = b.now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.mu.Unlock()
		b.notify(b.cfg.OnOpen)
		return
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.mu.Unlock()
			b.notify(b.cfg.OnOpen)
			return
		}
	}
	b.mu.Unlock()
}

// Reset forces the breaker closed. Used by recovery actions after a
// resource comes back.
func (b *Breaker) Reset() {
	b.mu.Lock()
	wasOpen := b.state != StateClosed
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	b.mu.Unlock()
	if wasOpen {
		b.notify(b.cfg.OnClose)
	}
}

// Snapshot returns the current state for status endpoints.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := BreakerSnapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
		TotalSuccess:        b.totalSuccess,
		TotalFailure:        b.totalFailure,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		snap.LastFailureAt = &t
	}
	return snap
}

func (b *Breaker) notify(fn func(string)) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("resilience: breaker %q callback panic: %v", b.name, r)
		}
	}()
	fn(b.name)
}
