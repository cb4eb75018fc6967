// Package service assembles the pacsync daemon: adapters, catalogs,
// resilience policies, job manager, sync engine, and the HTTP control
// plane, wired from one Config.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/camatools/pacsync/internal/adapter"
	"github.com/camatools/pacsync/internal/adapter/cama"
	"github.com/camatools/pacsync/internal/adapter/memory"
	"github.com/camatools/pacsync/internal/adapter/pacs"
	"github.com/camatools/pacsync/internal/audit"
	"github.com/camatools/pacsync/internal/config"
	"github.com/camatools/pacsync/internal/engine"
	"github.com/camatools/pacsync/internal/jobs"
	"github.com/camatools/pacsync/internal/mapping"
	"github.com/camatools/pacsync/internal/orchestrator"
	"github.com/camatools/pacsync/internal/resilience"
	"github.com/camatools/pacsync/internal/rpc"
	"github.com/camatools/pacsync/internal/telemetry"
	"github.com/camatools/pacsync/internal/types"
)

const (
	sourceBreakerName = "source"
	targetBreakerName = "target"
	sourceRetryName   = "source"
	targetRetryName   = "target"
)

// Service is the assembled daemon.
type Service struct {
	cfg *config.Config

	source   adapter.SourceAdapter
	target   adapter.TargetAdapter
	catalogs *mapping.Store
	store    *jobs.Store
	manager  *jobs.Manager
	orch     *orchestrator.Orchestrator
	engine   *engine.Engine
	server   *rpc.Server
	metrics  *telemetry.Sink
	auditLog *audit.FileSink
	version  string
}

// New builds a Service from configuration. Nothing is connected or
// started yet; Run does that.
func New(ctx context.Context, cfg *config.Config, version string) (*Service, error) {
	s := &Service{cfg: cfg, version: version}

	switch cfg.Source.Driver {
	case "mysql":
		s.source = pacs.New(pacs.Config{
			DSN:            cfg.Source.DSN,
			ConnectTimeout: time.Duration(cfg.Source.ConnectTimeout) * time.Second,
			QueryTimeout:   time.Duration(cfg.Source.QueryTimeout) * time.Second,
			MaxOpenConns:   cfg.Source.MaxOpenConns,
		})
	default:
		s.source = memory.NewSource()
	}

	switch cfg.Target.Driver {
	case "sqlite":
		s.target = cama.New(cfg.Target.Path)
	default:
		s.target = memory.NewTarget()
	}

	catalogs, err := loadCatalogs(cfg)
	if err != nil {
		return nil, err
	}
	s.catalogs = catalogs

	store, err := jobs.Open(ctx, cfg.Jobs.DBPath)
	if err != nil {
		return nil, fmt.Errorf("service: open jobs store: %w", err)
	}
	s.store = store

	sink := adapter.AuditSink(store)
	if cfg.Audit.LogPath != "" {
		fileSink, err := audit.OpenFile(cfg.Audit.LogPath)
		if err != nil {
			return nil, fmt.Errorf("service: open audit log: %w", err)
		}
		s.auditLog = fileSink
		sink = audit.Multi(store, fileSink)
	}

	s.metrics = telemetry.NewSink()
	s.orch = orchestrator.New()
	s.registerResilience()

	s.engine = engine.New(s.source, s.target, s.catalogs, s.orch, s.store, sink, s.metrics, engine.Config{
		BatchSize:     cfg.Sync.BatchSize,
		SourceBreaker: sourceBreakerName,
		SourceRetry:   sourceRetryName,
		TargetBreaker: targetBreakerName,
		TargetRetry:   targetRetryName,
	})

	s.manager = jobs.NewManager(store, sink, jobs.ManagerConfig{
		WorkerPoolSize: cfg.Jobs.WorkerPoolSize,
		QueueDepth:     cfg.Jobs.QueueDepth,
		StaleTimeout:   cfg.Jobs.StaleTimeout(),
		SweepInterval:  cfg.Jobs.SweepInterval(),
	})
	s.manager.RegisterRunner(types.JobFullSync, s.engine)
	s.manager.RegisterRunner(types.JobIncrementalSync, s.engine)
	s.manager.RegisterRunner(types.JobReport, newReportRunner(s.source, s.store, sink))
	s.manager.RegisterRunner(types.JobMarketAnalysis, newMarketAnalysisRunner(s.source, sink))
	gisPath := filepath.Join(filepath.Dir(cfg.Jobs.DBPath), "gis_export.jsonl")
	s.manager.RegisterRunner(types.JobGISExport, newGISExportRunner(s.source, gisPath, sink))

	s.server = rpc.NewServer(s.manager, s.orch, s.metrics, cfg.Server.Listen, cfg.Server.Token, version)
	return s, nil
}

// registerResilience installs breakers, retries, health checks, and
// recovery actions from configuration, with sensible defaults for the
// source and target when the file names none.
func (s *Service) registerResilience() {
	breakers := map[string]resilience.BreakerConfig{
		sourceBreakerName: {FailureThreshold: 5, ResetTimeout: 30 * time.Second},
		targetBreakerName: {FailureThreshold: 5, ResetTimeout: 30 * time.Second},
	}
	for name, settings := range s.cfg.Breakers {
		breakers[name] = settings.BreakerConfig()
	}
	for name, cfg := range breakers {
		s.orch.RegisterBreaker(name, cfg)
	}

	retries := map[string]resilience.RetryConfig{
		sourceRetryName: {Strategy: resilience.StrategyExponentialJitter, InitialWait: time.Second, MaxRetries: 3, JitterFactor: 0.5},
		targetRetryName: {Strategy: resilience.StrategyExponentialJitter, InitialWait: time.Second, MaxRetries: 3, JitterFactor: 0.5},
	}
	for name, settings := range s.cfg.Retries {
		retries[name] = settings.RetryConfig()
	}
	for name, cfg := range retries {
		s.orch.RegisterRetry(name, cfg)
	}

	resources := map[string]config.ResourceSettings{
		"source": {IntervalSecs: 15, FailureThreshold: 3, Breaker: sourceBreakerName},
		"target": {IntervalSecs: 15, FailureThreshold: 3, Breaker: targetBreakerName, DependsOn: []string{"source"}},
	}
	for name, settings := range s.cfg.Health.Resources {
		resources[name] = settings
	}

	checks := map[string]orchestrator.CheckFunc{
		"source": s.source.Healthy,
		"target": s.target.Healthy,
	}
	recoveries := map[string]orchestrator.RecoverFunc{
		"source": s.reconnect(s.source),
		"target": s.reconnect(s.target),
	}

	for name, settings := range resources {
		check := checks[name]
		if check == nil {
			log.Printf("service: health resource %q has no probe, skipping", name)
			continue
		}
		err := s.orch.RegisterHealthCheck(name, check, orchestrator.HealthCheckConfig{
			Interval:          time.Duration(max(settings.IntervalSecs, 1)) * time.Second,
			FailureThreshold:  settings.FailureThreshold,
			RecoveryThreshold: settings.RecoveryThreshold,
			DependsOn:         settings.DependsOn,
			Breaker:           settings.Breaker,
			Retry:             settings.Retry,
		})
		if err != nil {
			log.Printf("service: register health check %q: %v", name, err)
			continue
		}
		if rec := recoveries[name]; rec != nil {
			cooldown := time.Duration(settings.RecoveryCooldown) * time.Second
			if cooldown <= 0 {
				cooldown = 30 * time.Second
			}
			s.orch.RegisterRecovery(name, rec, cooldown)
		}
	}
}

type connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// reconnect builds the recovery action for an adapter: tear the
// connection down and dial again.
func (s *Service) reconnect(c connector) orchestrator.RecoverFunc {
	return func(ctx context.Context) error {
		_ = c.Disconnect(ctx)
		return c.Connect(ctx)
	}
}

// Run connects the adapters and serves until ctx is cancelled, then
// shuts everything down in reverse order.
func (s *Service) Run(ctx context.Context) error {
	if err := s.source.Connect(ctx); err != nil {
		return fmt.Errorf("service: connect source: %w", err)
	}
	if err := s.target.Connect(ctx); err != nil {
		return fmt.Errorf("service: connect target: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.manager.Start(runCtx)
	s.orch.StartHealthLoop(runCtx, s.cfg.Health.Tick())

	if s.cfg.Catalogs.Watch && s.cfg.Catalogs.FieldMappingPath != "" {
		go func() {
			if err := s.catalogs.Watch(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("service: catalog watch stopped: %v", err)
			}
		}()
	}

	log.Printf("service: listening on %s (version %s)", s.cfg.Server.Listen, s.version)
	err := s.server.Start(runCtx)

	s.orch.StopHealthLoop()
	s.manager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = s.target.Disconnect(shutdownCtx)
	_ = s.source.Disconnect(shutdownCtx)
	if s.auditLog != nil {
		_ = s.auditLog.Close()
	}
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Addr returns the control plane's bound address once listening.
func (s *Service) Addr() string { return s.server.Addr() }

func loadCatalogs(cfg *config.Config) (*mapping.Store, error) {
	if cfg.Catalogs.FieldMappingPath != "" && cfg.Catalogs.ResolutionRulesPath != "" {
		store, err := mapping.NewStore(cfg.Catalogs.FieldMappingPath, cfg.Catalogs.ResolutionRulesPath)
		if err != nil {
			return nil, fmt.Errorf("service: load catalogs: %w", err)
		}
		return store, nil
	}
	// No catalog files configured: fall back to the built-in defaults.
	cat, err := mapping.ParseCatalog([]byte(defaultCatalogYAML))
	if err != nil {
		return nil, fmt.Errorf("service: built-in catalog: %w", err)
	}
	rules, err := mapping.ParseRules([]byte(defaultRulesYAML))
	if err != nil {
		return nil, fmt.Errorf("service: built-in rules: %w", err)
	}
	return mapping.NewStaticStore(cat, rules), nil
}
