// Package orchestrator composes circuit breakers, retry policies,
// health checks, and recovery actions into a single self-healing
// substrate. ExecuteWithResilience is the canonical entry point for
// guarded calls; the health loop drives recovery of failing resources.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/camatools/pacsync/internal/resilience"
)

// HealthStatus is the resource-health vocabulary. Breakers keep their
// own closed/open/half-open states; resources use this one.
type HealthStatus string

const (
	Healthy    HealthStatus = "healthy"
	Degraded   HealthStatus = "degraded"
	Failing    HealthStatus = "failing"
	Recovering HealthStatus = "recovering"
)

// CheckFunc probes one resource.
type CheckFunc func(ctx context.Context) error

// RecoverFunc attempts to bring a resource back.
type RecoverFunc func(ctx context.Context) error

// HealthCheckConfig registers one monitored resource.
type HealthCheckConfig struct {
	Interval          time.Duration
	FailureThreshold  int
	RecoveryThreshold int
	// DependsOn lists resource IDs whose checks must run first each
	// tick. The dependency graph must be acyclic; cyclic resources are
	// skipped with a log line.
	DependsOn []string
	// Breaker and Retry optionally name registered policies to guard
	// the check itself.
	Breaker string
	Retry   string
}

// ResourceHealth is a snapshot of one resource's state.
type ResourceHealth struct {
	ResourceID  string       `json:"resource_id"`
	Status      HealthStatus `json:"status"`
	LastCheckAt time.Time    `json:"last_check_at"`
	Failures    int          `json:"failures"`
	DependsOn   []string     `json:"depends_on,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
}

type resource struct {
	id        string
	check     CheckFunc
	cfg       HealthCheckConfig
	status    HealthStatus
	lastCheck time.Time
	failures  int
	successes int
	lastError string
}

type recovery struct {
	fn          RecoverFunc
	cooldown    time.Duration
	lastAttempt time.Time
}

// Orchestrator is the registry plus execution facade. Registry mutation
// and health-pass bookkeeping are serialized by mu; individual checks
// and recoveries run outside the lock so a slow probe cannot stall the
// registry.
type Orchestrator struct {
	mu         sync.Mutex
	breakers   map[string]*resilience.Breaker
	retries    map[string]*resilience.Retry
	resources  map[string]*resource
	recoveries map[string]*recovery

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an empty orchestrator.
func New() *Orchestrator {
	return &Orchestrator{
		breakers:   make(map[string]*resilience.Breaker),
		retries:    make(map[string]*resilience.Retry),
		resources:  make(map[string]*resource),
		recoveries: make(map[string]*recovery),
		now:        time.Now,
	}
}

// RegisterBreaker adds a named circuit breaker.
func (o *Orchestrator) RegisterBreaker(name string, cfg resilience.BreakerConfig) *resilience.Breaker {
	b := resilience.NewBreaker(name, cfg)
	o.mu.Lock()
	o.breakers[name] = b
	o.mu.Unlock()
	return b
}

// RegisterRetry adds a named retry policy.
func (o *Orchestrator) RegisterRetry(name string, cfg resilience.RetryConfig) *resilience.Retry {
	r := resilience.NewRetry(name, cfg)
	o.mu.Lock()
	o.retries[name] = r
	o.mu.Unlock()
	return r
}

// Breaker returns a registered breaker, or nil.
func (o *Orchestrator) Breaker(name string) *resilience.Breaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.breakers[name]
}

// BreakerSnapshots returns the state of every registered breaker.
func (o *Orchestrator) BreakerSnapshots() []resilience.BreakerSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]resilience.BreakerSnapshot, 0, len(o.breakers))
	for _, b := range o.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// RegisterHealthCheck adds a monitored resource. Resources start
// healthy.
func (o *Orchestrator) RegisterHealthCheck(resourceID string, check CheckFunc, cfg HealthCheckConfig) error {
	if cfg.Interval <= 0 {
		return fmt.Errorf("orchestrator: %s: interval must be positive", resourceID)
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 1
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resources[resourceID] = &resource{
		id:     resourceID,
		check:  check,
		cfg:    cfg,
		status: Healthy,
	}
	return nil
}

// RegisterRecovery adds a recovery action for a resource, debounced by
// cooldown.
func (o *Orchestrator) RegisterRecovery(resourceID string, fn RecoverFunc, cooldown time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recoveries[resourceID] = &recovery{fn: fn, cooldown: cooldown}
}

// ExecuteWithResilience runs fn under the named retry and breaker. With
// both, retry wraps breaker so the breaker decides per attempt; an
// open-circuit rejection is not retryable and fails fast. Empty names
// skip that layer.
func (o *Orchestrator) ExecuteWithResilience(ctx context.Context, fn func(ctx context.Context) error, breakerName, retryName string) error {
	o.mu.Lock()
	breaker := o.breakers[breakerName]
	retry := o.retries[retryName]
	o.mu.Unlock()

	if breakerName != "" && breaker == nil {
		return fmt.Errorf("orchestrator: unknown breaker %q", breakerName)
	}
	if retryName != "" && retry == nil {
		return fmt.Errorf("orchestrator: unknown retry %q", retryName)
	}

	wrapped := fn
	if breaker != nil {
		inner := wrapped
		wrapped = func(ctx context.Context) error {
			return breaker.Execute(ctx, inner)
		}
	}
	if retry != nil {
		return retry.Execute(ctx, wrapped)
	}
	return wrapped(ctx)
}

// Health returns a snapshot of every registered resource.
func (o *Orchestrator) Health() map[string]ResourceHealth {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]ResourceHealth, len(o.resources))
	for id, r := range o.resources {
		out[id] = ResourceHealth{
			ResourceID:  id,
			Status:      r.status,
			LastCheckAt: r.lastCheck,
			Failures:    r.failures,
			DependsOn:   r.cfg.DependsOn,
			LastError:   r.lastError,
		}
	}
	return out
}

// AllHealthy reports whether every registered resource is healthy.
func (o *Orchestrator) AllHealthy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.resources {
		if r.status != Healthy {
			return false
		}
	}
	return true
}

// StartHealthLoop runs the periodic health pass until StopHealthLoop or
// ctx cancellation.
func (o *Orchestrator) StartHealthLoop(ctx context.Context, tick time.Duration) {
	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		return // already running
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	done := make(chan struct{})
	o.done = done
	o.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				o.RunHealthPass(loopCtx)
			}
		}
	}()
}

// StopHealthLoop stops the periodic scheduler and waits for the current
// pass to finish.
func (o *Orchestrator) StopHealthLoop() {
	o.mu.Lock()
	cancel := o.cancel
	done := o.done
	o.cancel = nil
	o.done = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func logCycle(ids []string) {
	log.Printf("orchestrator: dependency cycle among %v, skipping this tick", ids)
}
