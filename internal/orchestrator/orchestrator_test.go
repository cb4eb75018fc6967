package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/camatools/pacsync/internal/adapter"
	"github.com/camatools/pacsync/internal/resilience"
)

var errDown = adapter.E("probe", adapter.KindTransient, errors.New("down"))

// flakyResource scripts a probe's pass/fail sequence.
type flakyResource struct {
	mu     sync.Mutex
	script []error
	calls  int
}

func (f *flakyResource) check(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.script) == 0 {
		return nil
	}
	err := f.script[0]
	f.script = f.script[1:]
	return err
}

func (f *flakyResource) fail(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.script = append(f.script, errDown)
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *time.Time) {
	t.Helper()
	o := New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }
	return o, &now
}

func registerResource(t *testing.T, o *Orchestrator, id string, r *flakyResource, cfg HealthCheckConfig) {
	t.Helper()
	if cfg.Interval == 0 {
		cfg.Interval = time.Second
	}
	if err := o.RegisterHealthCheck(id, r.check, cfg); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func statusOf(t *testing.T, o *Orchestrator, id string) HealthStatus {
	t.Helper()
	h, ok := o.Health()[id]
	if !ok {
		t.Fatalf("resource %s not registered", id)
	}
	return h.Status
}

// pass runs one health pass with the fake clock advanced past every
// interval.
func pass(o *Orchestrator, now *time.Time) {
	*now = now.Add(time.Minute)
	o.RunHealthPass(context.Background())
}

func TestHealthDegradesThenFails(t *testing.T) {
	o, now := newTestOrchestrator(t)
	r := &flakyResource{}
	registerResource(t, o, "db", r, HealthCheckConfig{FailureThreshold: 2})
	r.fail(4)

	pass(o, now)
	if got := statusOf(t, o, "db"); got != Healthy {
		t.Fatalf("after 1 failure status = %s, want healthy", got)
	}
	pass(o, now)
	if got := statusOf(t, o, "db"); got != Degraded {
		t.Fatalf("after 2 failures status = %s, want degraded", got)
	}
	pass(o, now)
	if got := statusOf(t, o, "db"); got != Degraded {
		t.Fatalf("after 3 failures status = %s, want degraded (counter resets per step)", got)
	}
	pass(o, now)
	// No recovery registered, so entering failing sticks there.
	if got := statusOf(t, o, "db"); got != Failing {
		t.Fatalf("after 4 failures status = %s, want failing", got)
	}
	if o.AllHealthy() {
		t.Error("AllHealthy() = true with a failing resource")
	}
}

func TestHealthRecoversOnSuccess(t *testing.T) {
	o, now := newTestOrchestrator(t)
	r := &flakyResource{}
	registerResource(t, o, "db", r, HealthCheckConfig{FailureThreshold: 1, RecoveryThreshold: 2})
	r.fail(1)

	pass(o, now)
	if got := statusOf(t, o, "db"); got != Degraded {
		t.Fatalf("status = %s, want degraded", got)
	}
	pass(o, now)
	if got := statusOf(t, o, "db"); got != Degraded {
		t.Fatalf("one success should not restore yet, status = %s", got)
	}
	pass(o, now)
	if got := statusOf(t, o, "db"); got != Healthy {
		t.Fatalf("status = %s, want healthy after recovery threshold", got)
	}
}

func TestRecoveryActionResetsBreaker(t *testing.T) {
	o, now := newTestOrchestrator(t)
	b := o.RegisterBreaker("db", resilience.BreakerConfig{FailureThreshold: 1})
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errDown })
	if b.Snapshot().State != resilience.StateOpen {
		t.Fatal("breaker should be open before recovery")
	}

	r := &flakyResource{}
	registerResource(t, o, "db", r, HealthCheckConfig{FailureThreshold: 1})
	recovered := 0
	o.RegisterRecovery("db", func(ctx context.Context) error {
		recovered++
		return nil
	}, 0)

	// Two failing passes: healthy -> degraded -> failing -> recovery.
	r.fail(2)
	pass(o, now)
	pass(o, now)

	if recovered != 1 {
		t.Fatalf("recovery ran %d times, want 1", recovered)
	}
	if got := statusOf(t, o, "db"); got != Healthy {
		t.Fatalf("status after recovery = %s, want healthy", got)
	}
	if got := b.Snapshot().State; got != resilience.StateClosed {
		t.Fatalf("breaker state after recovery = %s, want closed", got)
	}
}

func TestRecoveryCooldownDebounces(t *testing.T) {
	o, now := newTestOrchestrator(t)
	r := &flakyResource{}
	registerResource(t, o, "db", r, HealthCheckConfig{FailureThreshold: 1})

	recovered := 0
	o.RegisterRecovery("db", func(ctx context.Context) error {
		recovered++
		return errDown // recovery keeps failing
	}, time.Hour)

	r.fail(6)
	for i := 0; i < 6; i++ {
		pass(o, now)
	}
	// First failing entry attempts recovery; subsequent ones are inside
	// the one-hour cooldown (passes advance one minute each).
	if recovered != 1 {
		t.Fatalf("recovery ran %d times, want 1 within cooldown", recovered)
	}
	if got := statusOf(t, o, "db"); got != Failing {
		t.Fatalf("status = %s, want failing while recovery fails", got)
	}
}

func TestHealthPassChecksDependenciesFirst(t *testing.T) {
	o, now := newTestOrchestrator(t)

	var order []string
	var mu sync.Mutex
	probe := func(id string) CheckFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}

	cfg := func(deps ...string) HealthCheckConfig {
		return HealthCheckConfig{Interval: time.Second, DependsOn: deps}
	}
	if err := o.RegisterHealthCheck("api", probe("api"), cfg("db", "cache")); err != nil {
		t.Fatal(err)
	}
	if err := o.RegisterHealthCheck("cache", probe("cache"), cfg("db")); err != nil {
		t.Fatal(err)
	}
	if err := o.RegisterHealthCheck("db", probe("db"), cfg()); err != nil {
		t.Fatal(err)
	}

	pass(o, now)
	if len(order) != 3 {
		t.Fatalf("checked %d resources, want 3 (%v)", len(order), order)
	}
	idx := map[string]int{}
	for i, id := range order {
		idx[id] = i
	}
	if idx["db"] > idx["cache"] || idx["cache"] > idx["api"] {
		t.Errorf("check order %v violates dependencies", order)
	}
}

func TestHealthPassSkipsCycles(t *testing.T) {
	o, now := newTestOrchestrator(t)
	r := &flakyResource{}
	registerResource(t, o, "a", r, HealthCheckConfig{DependsOn: []string{"b"}})
	registerResource(t, o, "b", r, HealthCheckConfig{DependsOn: []string{"a"}})
	s := &flakyResource{}
	registerResource(t, o, "solo", s, HealthCheckConfig{})

	pass(o, now)
	if s.calls != 1 {
		t.Errorf("acyclic resource checked %d times, want 1", s.calls)
	}
	if r.calls != 0 {
		t.Errorf("cyclic resources checked %d times, want 0", r.calls)
	}
}

func TestExecuteWithResilienceUnknownNames(t *testing.T) {
	o := New()
	err := o.ExecuteWithResilience(context.Background(), func(ctx context.Context) error { return nil }, "nope", "")
	if err == nil {
		t.Fatal("expected error for unknown breaker name")
	}
	err = o.ExecuteWithResilience(context.Background(), func(ctx context.Context) error { return nil }, "", "nope")
	if err == nil {
		t.Fatal("expected error for unknown retry name")
	}
}

func TestExecuteWithResilienceRetryWrapsBreaker(t *testing.T) {
	o := New()
	o.RegisterBreaker("db", resilience.BreakerConfig{FailureThreshold: 2})
	o.RegisterRetry("db", resilience.RetryConfig{
		Strategy: resilience.StrategyFixed, InitialWait: time.Millisecond, MaxRetries: 5,
	})

	calls := 0
	err := o.ExecuteWithResilience(context.Background(), func(ctx context.Context) error {
		calls++
		return errDown
	}, "db", "db")
	// Attempts 1 and 2 trip the breaker; attempt 3 is rejected open, and
	// the open-circuit error is not retryable.
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if calls != 2 {
		t.Errorf("fn ran %d times, want 2", calls)
	}
}
