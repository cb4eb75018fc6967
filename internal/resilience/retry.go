package resilience

import (
	"context"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/camatools/pacsync/internal/adapter"
)

// Strategy names a wait-time schedule.
type Strategy string

const (
	StrategyFixed             Strategy = "fixed"
	StrategyLinear            Strategy = "linear"
	StrategyExponential       Strategy = "exponential"
	StrategyExponentialJitter Strategy = "exponential_jitter"
)

// minWait is the floor on any computed wait, so jitter can never drive
// the sleep negative.
const minWait = time.Millisecond

// RetryConfig tunes one retry policy.
type RetryConfig struct {
	Strategy Strategy
	// InitialWait is the base wait (w0).
	InitialWait time.Duration
	// Increment is the linear strategy's per-attempt delta.
	Increment time.Duration
	// Base is the exponential multiplier (default 2).
	Base float64
	// MaxWait caps any single wait.
	MaxWait time.Duration
	// MaxRetries bounds re-execution: fn runs at most MaxRetries+1 times.
	MaxRetries int
	// MaxRetryTime bounds total sleep across all attempts. Zero means
	// no wall-clock budget.
	MaxRetryTime time.Duration
	// JitterFactor in [0,1] sets jitter width J = InitialWait * factor;
	// each wait gets a uniform offset in [-J/2, +J/2].
	JitterFactor float64
	// RetryOn decides whether an error is retryable. Defaults to
	// adapter.IsTransient, which excludes open-circuit rejections.
	RetryOn func(error) bool
	// OnRetry observes each scheduled retry. Panics are swallowed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func (c *RetryConfig) withDefaults() RetryConfig {
	out := *c
	if out.Strategy == "" {
		out.Strategy = StrategyExponential
	}
	if out.InitialWait <= 0 {
		out.InitialWait = time.Second
	}
	if out.Base <= 1 {
		out.Base = 2
	}
	if out.MaxWait <= 0 {
		out.MaxWait = time.Minute
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.JitterFactor < 0 {
		out.JitterFactor = 0
	}
	if out.JitterFactor > 1 {
		out.JitterFactor = 1
	}
	if out.RetryOn == nil {
		out.RetryOn = adapter.IsTransient
	}
	return out
}

// Retry executes fallible operations under a bounded re-execution
// policy. Safe for concurrent use.
type Retry struct {
	name string
	cfg  RetryConfig

	// sleep is injectable so tests measure scheduled waits instead of
	// actually sleeping.
	sleep func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRetry creates a retry policy.
func NewRetry(name string, cfg RetryConfig) *Retry {
	return &Retry{
		name:  name,
		cfg:   cfg.withDefaults(),
		sleep: sleepCtx,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Name returns the policy's registry name.
func (r *Retry) Name() string { return r.name }

// Execute runs fn until it succeeds, a non-retryable error occurs, or
// the attempt/time budget is spent. The last error is returned.
func (r *Retry) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var slept time.Duration
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !r.cfg.RetryOn(err) {
			return err
		}
		if attempt > r.cfg.MaxRetries {
			return err
		}

		wait := r.waitFor(attempt)
		if r.cfg.MaxRetryTime > 0 && slept+wait > r.cfg.MaxRetryTime {
			return err
		}
		r.notify(attempt, err, wait)
		if serr := r.sleep(ctx, wait); serr != nil {
			return err
		}
		slept += wait
	}
}

// waitFor computes the wait after the attempt-th failure.
func (r *Retry) waitFor(attempt int) time.Duration {
	var wait time.Duration
	switch r.cfg.Strategy {
	case StrategyFixed:
		wait = r.cfg.InitialWait
	case StrategyLinear:
		wait = r.cfg.InitialWait + time.Duration(attempt-1)*r.cfg.Increment
	default: // exponential, with or without jitter
		scaled := float64(r.cfg.InitialWait) * math.Pow(r.cfg.Base, float64(attempt-1))
		if scaled > float64(r.cfg.MaxWait) {
			scaled = float64(r.cfg.MaxWait)
		}
		wait = time.Duration(scaled)
	}

	if r.cfg.Strategy == StrategyExponentialJitter && r.cfg.JitterFactor > 0 {
		jitterWidth := float64(r.cfg.InitialWait) * r.cfg.JitterFactor
		r.rngMu.Lock()
		offset := (r.rng.Float64() - 0.5) * jitterWidth
		r.rngMu.Unlock()
		wait += time.Duration(offset)
	}

	if wait < minWait {
		wait = minWait
	}
	if wait > r.cfg.MaxWait {
		wait = r.cfg.MaxWait
	}
	return wait
}

func (r *Retry) notify(attempt int, err error, wait time.Duration) {
	if r.cfg.OnRetry == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("resilience: retry %q callback panic: %v", r.name, rec)
		}
	}()
	r.cfg.OnRetry(attempt, err, wait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
