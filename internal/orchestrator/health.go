package orchestrator

import (
	"context"
	"log"
)

// RunHealthPass executes one iteration of the health loop: snapshot due
// resources, order them so dependencies are checked first, run each
// check outside the registry lock, then fold the results back in and
// fire recovery for anything that entered the failing state.
func (o *Orchestrator) RunHealthPass(ctx context.Context) {
	now := o.now()

	o.mu.Lock()
	var due []*resource
	for _, r := range o.resources {
		if r.lastCheck.IsZero() || now.Sub(r.lastCheck) >= r.cfg.Interval {
			due = append(due, r)
		}
	}
	ordered, cyclic := topoOrder(due)
	o.mu.Unlock()

	if len(cyclic) > 0 {
		logCycle(cyclic)
	}

	for _, r := range ordered {
		if ctx.Err() != nil {
			return
		}
		o.checkResource(ctx, r)
	}
}

// checkResource probes one resource and applies the state transition
// rules. The check itself runs under the resource's registered
// retry/breaker when configured.
func (o *Orchestrator) checkResource(ctx context.Context, r *resource) {
	err := o.ExecuteWithResilience(ctx, r.check, r.cfg.Breaker, r.cfg.Retry)

	o.mu.Lock()
	r.lastCheck = o.now()

	if err != nil {
		r.lastError = err.Error()
		r.successes = 0
		r.failures++
		if r.failures >= r.cfg.FailureThreshold {
			switch r.status {
			case Healthy:
				r.status = Degraded
				r.failures = 0
				log.Printf("orchestrator: resource %q degraded: %v", r.id, err)
			case Degraded:
				r.status = Failing
				r.failures = 0
				log.Printf("orchestrator: resource %q failing: %v", r.id, err)
			}
		}
		entering := r.status == Failing
		if entering {
			r.status = Recovering
		}
		o.mu.Unlock()

		if entering {
			o.recover(ctx, r)
		}
		return
	}

	r.lastError = ""
	if r.failures > 0 {
		r.failures--
	}
	r.successes++
	if r.status != Healthy && r.successes >= r.cfg.RecoveryThreshold {
		log.Printf("orchestrator: resource %q healthy again", r.id)
		r.status = Healthy
		r.failures = 0
		r.successes = 0
	}
	o.mu.Unlock()
}

// recover invokes the resource's recovery action, debounced by its
// cooldown. On success the resource's breaker (if any) is reset and the
// resource returns to healthy; on failure it stays failing until the
// next pass.
func (o *Orchestrator) recover(ctx context.Context, r *resource) {
	o.mu.Lock()
	rec := o.recoveries[r.id]
	now := o.now()
	if rec == nil || rec.fn == nil {
		r.status = Failing
		o.mu.Unlock()
		return
	}
	if rec.cooldown > 0 && !rec.lastAttempt.IsZero() && now.Sub(rec.lastAttempt) < rec.cooldown {
		r.status = Failing
		o.mu.Unlock()
		return
	}
	rec.lastAttempt = now
	fn := rec.fn
	breakerName := r.cfg.Breaker
	if breakerName == "" {
		// Unconfigured resources conventionally share their breaker's
		// name with the resource ID.
		breakerName = r.id
	}
	o.mu.Unlock()

	err := fn(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		log.Printf("orchestrator: recovery for %q failed: %v", r.id, err)
		r.status = Failing
		return
	}
	log.Printf("orchestrator: resource %q recovered", r.id)
	if b := o.breakers[breakerName]; b != nil {
		b.Reset()
	}
	r.status = Healthy
	r.failures = 0
	r.successes = 0
}

// topoOrder sorts resources so dependencies come before dependents.
// Only edges between due resources matter for ordering. Resources on a
// dependency cycle are excluded and returned separately.
func topoOrder(due []*resource) ([]*resource, []string) {
	byID := make(map[string]*resource, len(due))
	for _, r := range due {
		byID[r.id] = r
	}

	indegree := make(map[string]int, len(due))
	dependents := make(map[string][]string, len(due))
	for _, r := range due {
		indegree[r.id] += 0
		for _, dep := range r.cfg.DependsOn {
			if _, ok := byID[dep]; !ok {
				continue // dependency not due this tick
			}
			indegree[r.id]++
			dependents[dep] = append(dependents[dep], r.id)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	var ordered []*resource
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byID[id])
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(ordered) == len(due) {
		return ordered, nil
	}
	seen := make(map[string]bool, len(ordered))
	for _, r := range ordered {
		seen[r.id] = true
	}
	var cyclic []string
	for _, r := range due {
		if !seen[r.id] {
			cyclic = append(cyclic, r.id)
		}
	}
	return ordered, cyclic
}
