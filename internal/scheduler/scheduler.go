// Package scheduler owns process lifecycle (component C8): it constructs
// every collaborator, gates startup on Policy Engine authorization, runs
// each monitor on its configured cadence, and tears everything down in
// dependency order on shutdown.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/r3e-network/fl-testbed-observer/infrastructure/metrics"
	"github.com/r3e-network/fl-testbed-observer/infrastructure/middleware"
	"github.com/r3e-network/fl-testbed-observer/internal/eventmon"
	"github.com/r3e-network/fl-testbed-observer/internal/flmon"
	"github.com/r3e-network/fl-testbed-observer/internal/flowmgr"
	"github.com/r3e-network/fl-testbed-observer/internal/httpclient"
	"github.com/r3e-network/fl-testbed-observer/internal/model"
	"github.com/r3e-network/fl-testbed-observer/internal/netmon"
	"github.com/r3e-network/fl-testbed-observer/internal/policyclient"
	"github.com/r3e-network/fl-testbed-observer/internal/policymon"
	"github.com/r3e-network/fl-testbed-observer/internal/sdnclient"
	"github.com/r3e-network/fl-testbed-observer/internal/storage"
	"github.com/r3e-network/fl-testbed-observer/pkg/config"
	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

// Scheduler wires and drives every collector component.
type Scheduler struct {
	cfg config.Config
	log *logger.Logger

	Store        *storage.Store
	Controller   *sdnclient.Client
	PolicyClient *policyclient.Client
	FLServer     *httpclient.Client
	Netmon       *netmon.Monitor
	FLMonitor    *flmon.Monitor
	PolicyMon    *policymon.Monitor
	EventMon     *eventmon.Monitor
	FlowManager  *flowmgr.Manager
	Metrics      *metrics.Metrics

	cron *cron.Cron
}

// New constructs every collaborator but starts nothing; call Start to run.
func New(ctx context.Context, cfg config.Config, log *logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	store, err := storage.Open(ctx, storage.Options{
		Path:                 filepath.Join(cfg.MetricsOutputDir, "collector.db"),
		MetricsRetentionDays: cfg.MetricsRetentionDays,
		EventsRetentionDays:  cfg.EventsRetentionDays,
		CleanupIntervalHours: cfg.CleanupIntervalHours,
		Log:                  log.WithField("component", "storage"),
		Metrics:              m,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	controller := sdnclient.New(cfg.SDNControllerURL, log.WithField("component", "sdnclient"), m)
	policyClient := policyclient.New(cfg.PolicyEngineURL, log.WithField("component", "policyclient"), m)
	flServer := httpclient.New(httpclient.Options{
		BaseURL: cfg.FLServerURL, Target: "fl_server", Log: log.WithField("component", "flserver"), Metrics: m,
	})
	netMonitor := netmon.New(controller, log.WithField("component", "netmon"))

	flMonitor := flmon.New(flmon.Options{
		BaseURL: cfg.FLServerURL, Store: store, DevMode: cfg.IsDevMode(),
		Log: log.WithField("component", "flmon"), Metrics: m,
	})
	policyMon := policymon.New(policymon.Options{
		BaseURL: cfg.PolicyEngineURL, Store: store, Log: log.WithField("component", "policymon"), Metrics: m,
	})
	eventMon := eventmon.New(eventmon.Options{
		FLServerURL: cfg.FLServerURL, PolicyEngineURL: cfg.PolicyEngineURL, ControllerURL: cfg.SDNControllerURL,
		Netmon: netMonitor, Store: store, Log: log.WithField("component", "eventmon"), Metrics: m,
	})

	flowManager := flowmgr.New(controller, cfg, log.WithField("component", "flowmgr"))
	policyClient.OnChange(func(policies []model.Policy, connected bool) {
		flowManager.OnPolicyChange(context.Background(), policies, connected)
	})

	return &Scheduler{
		cfg: cfg, log: log,
		Store: store, Controller: controller, PolicyClient: policyClient, FLServer: flServer,
		Netmon: netMonitor, FLMonitor: flMonitor, PolicyMon: policyMon, EventMon: eventMon,
		FlowManager: flowManager, Metrics: m,
		cron: cron.New(),
	}, nil
}

// StartupGate calls the Policy Engine's startup authorization check. When
// CheckPolicyEnabled is false, it is skipped and treated as allowed. A
// denial aborts process startup only under StrictPolicyMode; otherwise it
// is logged and startup proceeds in degraded form.
func (s *Scheduler) StartupGate(ctx context.Context) error {
	if !s.cfg.CheckPolicyEnabled {
		return nil
	}
	allowed, err := s.PolicyClient.CheckStartupGate(ctx, "collector", "start")
	if err != nil {
		s.log.WithError(err).Warn("startup policy gate unreachable, proceeding")
		return nil
	}
	if !allowed {
		if s.cfg.StrictPolicyMode {
			return fmt.Errorf("startup denied by policy engine (strict_policy_mode=true)")
		}
		s.log.Warn("startup denied by policy engine, proceeding anyway (strict_policy_mode=false)")
	}
	return nil
}

// Start runs the FL monitor's dedicated worker and schedules every other
// monitor on its configured cron cadence. The first tick of each
// cron-scheduled monitor is started at once in its own goroutine (Start does
// not wait for it), so collection begins without waiting one interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.FLMonitor.Start(ctx, s.cfg.FLInterval())

	s.runAndSchedule(ctx, "policy", s.cfg.PolicyIntervalSec, func(ctx context.Context) {
		_, err := s.PolicyClient.FetchPolicies(ctx)
		if err != nil {
			s.log.WithError(err).Warn("policy fetch failed")
		}
		if s.Metrics != nil {
			s.Metrics.RecordMonitorTick("policy_fetch", err)
		}
		s.PolicyMon.Collect(ctx)
	})

	s.runAndSchedule(ctx, "network", s.cfg.NetworkIntervalSec, func(ctx context.Context) {
		s.Store.StoreMetric(ctx, "network", s.Netmon.CollectMetrics(ctx))
		if s.Metrics != nil {
			s.Metrics.RecordMonitorTick("network", nil)
		}
	})

	s.runAndSchedule(ctx, "event", s.cfg.EventIntervalSec, func(ctx context.Context) {
		s.EventMon.Collect(ctx)
	})

	s.cron.Start()
}

// runAndSchedule fires fn once immediately, then on an every-N-second cron
// spec built from intervalSec (floored to 1s).
func (s *Scheduler) runAndSchedule(ctx context.Context, name string, intervalSec int, fn func(context.Context)) {
	if intervalSec <= 0 {
		intervalSec = 1
	}
	go fn(ctx)

	spec := fmt.Sprintf("@every %ds", intervalSec)
	if _, err := s.cron.AddFunc(spec, func() { fn(ctx) }); err != nil {
		s.log.WithError(err).WithField("monitor", name).Error("failed to schedule monitor")
	}
}

// RegisterShutdown wires the dependency-ordered teardown into gs: stop the
// FL monitor's worker first (it is the only monitor holding a goroutine and
// writing concurrently), then the cron scheduler, then close storage last
// so any in-flight write from either completes first.
func (s *Scheduler) RegisterShutdown(gs *middleware.GracefulShutdown) {
	gs.OnShutdown(func() { s.FLMonitor.Stop() })
	gs.OnShutdown(func() {
		select {
		case <-s.cron.Stop().Done():
		case <-time.After(5 * time.Second):
			s.log.Warn("cron scheduler did not drain within shutdown timeout")
		}
	})
	gs.OnShutdown(func() {
		if err := s.Store.Close(); err != nil {
			s.log.WithError(err).Warn("error closing storage")
		}
	})
}
