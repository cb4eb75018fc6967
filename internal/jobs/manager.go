package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/camatools/pacsync/internal/adapter"
	"github.com/camatools/pacsync/internal/idgen"
	"github.com/camatools/pacsync/internal/types"
)

// Runner executes one kind of job. The sync engine is the runner for
// full/incremental sync; report, market-analysis, and GIS-export
// processors plug in the same way.
type Runner interface {
	Run(ctx context.Context, job *types.Job) (*types.SyncSummary, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job *types.Job) (*types.SyncSummary, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, job *types.Job) (*types.SyncSummary, error) {
	return f(ctx, job)
}

// ManagerConfig tunes the job manager.
type ManagerConfig struct {
	// WorkerPoolSize caps concurrently running jobs.
	WorkerPoolSize int
	// QueueDepth caps submitted-but-unstarted jobs.
	QueueDepth int
	// StaleTimeout is how long a job may sit in RUNNING before the
	// sweeper fails it.
	StaleTimeout time.Duration
	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration
}

func (c *ManagerConfig) withDefaults() ManagerConfig {
	out := *c
	if out.WorkerPoolSize <= 0 {
		out.WorkerPoolSize = 4
	}
	if out.QueueDepth <= 0 {
		out.QueueDepth = 256
	}
	if out.StaleTimeout <= 0 {
		out.StaleTimeout = 30 * time.Minute
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = time.Minute
	}
	return out
}

// Manager accepts job submissions, dispatches them to runners on a
// bounded worker pool, serializes status transitions per job, and
// expires stale jobs.
type Manager struct {
	store   *Store
	audit   adapter.AuditSink
	cfg     ManagerConfig
	runners map[types.JobKind]Runner

	queue chan string
	sem   *semaphore.Weighted
	wg    sync.WaitGroup

	mu        sync.Mutex
	inflight  map[string]context.CancelFunc
	nonce     int
	cancelled bool
	loopStop  context.CancelFunc
}

// NewManager creates a Manager. Runners are registered per job kind
// before Start.
func NewManager(store *Store, audit adapter.AuditSink, cfg ManagerConfig) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		store:    store,
		audit:    audit,
		cfg:      cfg,
		runners:  make(map[types.JobKind]Runner),
		queue:    make(chan string, cfg.QueueDepth),
		sem:      semaphore.NewWeighted(int64(cfg.WorkerPoolSize)),
		inflight: make(map[string]context.CancelFunc),
	}
}

// RegisterRunner installs the processor for a job kind.
func (m *Manager) RegisterRunner(kind types.JobKind, r Runner) {
	m.runners[kind] = r
}

// Submit validates and persists a new pending job and enqueues it.
func (m *Manager) Submit(ctx context.Context, kind types.JobKind, tenant string, params map[string]interface{}) (*types.Job, error) {
	if !kind.IsValid() {
		return nil, adapter.E("jobs.submit", adapter.KindInputInvalid, fmt.Errorf("unknown job kind %q", kind))
	}
	if tenant == "" {
		return nil, adapter.E("jobs.submit", adapter.KindInputInvalid, fmt.Errorf("tenant_id is required"))
	}
	if _, ok := m.runners[kind]; !ok {
		return nil, adapter.E("jobs.submit", adapter.KindInputInvalid, fmt.Errorf("no processor registered for kind %q", kind))
	}

	now := time.Now().UTC()
	m.mu.Lock()
	m.nonce++
	nonce := m.nonce
	m.mu.Unlock()

	job := &types.Job{
		ID:        idgen.NewJobID(string(kind), tenant, now, nonce),
		Kind:      kind,
		TenantID:  tenant,
		Status:    types.JobPending,
		CreatedAt: now,
		Params:    params,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	_ = m.audit.RecordJob(ctx, job)

	select {
	case m.queue <- job.ID:
	default:
		// Queue full: fail the job rather than block the control plane.
		_, _ = m.store.TransitionJob(ctx, job.ID, types.JobPending, types.JobFailed, Transition{
			SetCompletedAt: &now, Error: "queue full",
		})
		return nil, adapter.E("jobs.submit", adapter.KindTransient, fmt.Errorf("job queue full"))
	}
	return job, nil
}

// Get returns one job.
func (m *Manager) Get(ctx context.Context, id string) (*types.Job, error) {
	return m.store.GetJob(ctx, id)
}

// List returns jobs newest-first, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error) {
	return m.store.ListJobs(ctx, status, limit)
}

// Cancel requests cancellation. Pending jobs cancel immediately;
// running jobs move to CANCELLING and the worker finishes the
// transition. Terminal jobs return ErrInvalidTransition.
func (m *Manager) Cancel(ctx context.Context, id string) (*types.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case types.JobPending:
		now := time.Now().UTC()
		ok, err := m.store.TransitionJob(ctx, id, types.JobPending, types.JobCancelled, Transition{SetCompletedAt: &now})
		if err != nil {
			return nil, err
		}
		if !ok {
			// Raced with worker pickup; fall through to cooperative path.
			return m.Cancel(ctx, id)
		}
	case types.JobRunning:
		ok, err := m.store.TransitionJob(ctx, id, types.JobRunning, types.JobCancelling, Transition{})
		if err != nil {
			return nil, err
		}
		if ok {
			m.mu.Lock()
			if cancel := m.inflight[id]; cancel != nil {
				cancel()
			}
			m.mu.Unlock()
		}
	case types.JobCancelling:
		// Already cancelling; nothing to do.
	default:
		return nil, adapter.E("jobs.cancel", adapter.KindInputInvalid,
			fmt.Errorf("job %s is %s: %w", id, job.Status, ErrInvalidTransition))
	}
	_ = m.audit.RecordEvent(ctx, id, "cancel_requested", nil)
	return m.store.GetJob(ctx, id)
}

// Start launches the dispatch loop and the stale sweeper. They run
// until Stop.
func (m *Manager) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.loopStop = cancel
	m.mu.Unlock()

	m.wg.Add(2)
	go m.dispatchLoop(loopCtx)
	go m.sweepLoop(loopCtx)
}

// Stop drains the manager: no new dispatches, in-flight jobs observe
// cancellation, loops exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.cancelled = true
	if m.loopStop != nil {
		m.loopStop()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			if err := m.sem.Acquire(ctx, 1); err != nil {
				return
			}
			m.wg.Add(1)
			go func(jobID string) {
				defer m.wg.Done()
				defer m.sem.Release(1)
				m.runJob(ctx, jobID)
			}(id)
		}
	}
}

// runJob drives one job through RUNNING to a terminal state.
func (m *Manager) runJob(ctx context.Context, id string) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		log.Printf("jobs: load %s: %v", id, err)
		return
	}
	if job.Status != types.JobPending {
		return // cancelled before pickup, or duplicate dispatch
	}

	now := time.Now().UTC()
	ok, err := m.store.TransitionJob(ctx, id, types.JobPending, types.JobRunning, Transition{SetStartedAt: &now})
	if err != nil || !ok {
		return
	}
	_ = m.audit.RecordEvent(ctx, id, "started", nil)

	jobCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.inflight[id] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.inflight, id)
		m.mu.Unlock()
	}()

	job, err = m.store.GetJob(ctx, id)
	if err != nil {
		return
	}
	runner := m.runners[job.Kind]
	summary, runErr := m.runSafely(jobCtx, runner, job)

	m.finishJob(context.Background(), id, summary, runErr, jobCtx.Err() != nil)
}

// runSafely converts runner panics into internal errors; a bug must
// fail the job, never the worker pool.
func (m *Manager) runSafely(ctx context.Context, r Runner, job *types.Job) (summary *types.SyncSummary, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = adapter.E("jobs.run", adapter.KindInternal, fmt.Errorf("panic: %v", rec))
		}
	}()
	return r.Run(ctx, job)
}

// finishJob applies the terminal transition, racing fairly with the
// stale sweeper via conditional writes.
func (m *Manager) finishJob(ctx context.Context, id string, summary *types.SyncSummary, runErr error, interrupted bool) {
	now := time.Now().UTC()
	tr := Transition{SetCompletedAt: &now, Result: summary}

	var to types.JobStatus
	switch {
	case interrupted:
		to = types.JobCancelled
		tr.Error = "cancelled"
	case runErr != nil:
		to = types.JobFailed
		tr.Error = runErr.Error()
	default:
		to = types.JobCompleted
	}

	// The worker may find the job in RUNNING or CANCELLING.
	for _, from := range []types.JobStatus{types.JobRunning, types.JobCancelling} {
		if !from.CanTransition(to) {
			continue
		}
		ok, err := m.store.TransitionJob(ctx, id, from, to, tr)
		if err != nil {
			log.Printf("jobs: finish %s: %v", id, err)
			return
		}
		if ok {
			_ = m.audit.RecordEvent(ctx, id, "finished", map[string]interface{}{
				"status": string(to), "error": tr.Error,
			})
			return
		}
	}
}

// sweepLoop periodically expires stale running jobs.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SweepStale(ctx); err != nil {
				log.Printf("jobs: stale sweep: %v", err)
			}
		}
	}
}

// SweepStale marks jobs stuck in RUNNING past the stale timeout as
// FAILED with reason timeout. Idempotent: a job expires once, and a
// concurrently completing worker wins via the conditional write.
func (m *Manager) SweepStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-m.cfg.StaleTimeout)
	stale, err := m.store.StaleRunning(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, job := range stale {
		now := time.Now().UTC()
		ok, err := m.store.TransitionJob(ctx, job.ID, types.JobRunning, types.JobFailed, Transition{
			SetCompletedAt: &now, Error: "timeout",
		})
		if err != nil {
			return err
		}
		if ok {
			log.Printf("jobs: expired stale job %s (started %s)", job.ID, job.StartedAt.Format(time.RFC3339))
			_ = m.audit.RecordEvent(ctx, job.ID, "stale_expired", map[string]interface{}{
				"started_at": job.StartedAt.Format(time.RFC3339),
			})
		}
	}
	return nil
}
