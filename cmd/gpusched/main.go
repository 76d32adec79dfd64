// Command gpusched runs the single-host GPU job scheduler daemon: it
// polls GPU telemetry, sweeps the file-based control surface, drives the
// Scheduler Core event loop, and serves Prometheus metrics and a JSON
// status endpoint.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gpusched/gpusched/internal/security"
	"github.com/gpusched/gpusched/pkg/config"
	"github.com/gpusched/gpusched/pkg/control"
	"github.com/gpusched/gpusched/pkg/daemoncli"
	"github.com/gpusched/gpusched/pkg/job"
	"github.com/gpusched/gpusched/pkg/metrics"
	"github.com/gpusched/gpusched/pkg/monitor"
	"github.com/gpusched/gpusched/pkg/policy"
	"github.com/gpusched/gpusched/pkg/queue"
	"github.com/gpusched/gpusched/pkg/scheduler"
	"github.com/gpusched/gpusched/pkg/supervisor"
	"github.com/gpusched/gpusched/pkg/telemetry"
)

func main() {
	app := daemoncli.New()

	flags, err := app.Parse(os.Args[1:])
	if err != nil {
		os.Exit(1)
	}

	logger := flags.Logger

	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(flags.LogDir, 0o750); err != nil {
		logger.Error("failed to create supervisor log dir", "dir", flags.LogDir, "err", err)
		os.Exit(1)
	}

	dirs := control.NewDirs(flags.ControlDir)
	if err := dirs.EnsureDirs(); err != nil {
		logger.Error("failed to create control surface directories", "err", err)
		os.Exit(1)
	}

	runAsUser := cfg.Security.RunAsUser
	if flags.RunAsUser != "" {
		runAsUser = flags.RunAsUser
	}

	// --security.drop-privileges is the authoritative source; its default
	// matches the config file's, so an operator relying on config alone
	// still gets cfg.Security.DropPrivileges' documented default.
	dropPrivileges := flags.DropPrivileges

	if runAsUser != "" {
		secMgr, err := security.NewManager(security.Config{RunAsUser: runAsUser}, logger)
		if err != nil {
			logger.Error("failed to construct security manager", "err", err)
			os.Exit(1)
		}

		secMgr.GrantReadWrite([]string{dirs.Inbox, dirs.Control})
		secMgr.Grant([]string{dirs.State, flags.LogDir})

		if dropPrivileges {
			logger.Info("security capability check", "has_fowner", security.HasFOwner())
		}
	}

	telemetryOpts := []telemetry.Option{}
	if cfg.Redfish != nil {
		telemetryOpts = append(telemetryOpts, telemetry.WithRedfish(
			cfg.Redfish.Endpoint, cfg.Redfish.Username, cfg.Redfish.Password, cfg.Redfish.Insecure))
	}

	probe := telemetry.NewProbe(logger, telemetryOpts...)

	queueMgr := queue.NewManager(cfg.Policy.AgingFactor)

	polEngine := policy.NewEngine(policy.Config{
		StaticUtilThreshold: cfg.Policy.StaticUtilThreshold,
		StaticMemThreshold:  cfg.Policy.StaticMemThreshold,
		HistoryWindow:       cfg.Policy.HistoryWindow,
		SpikeDelta:          cfg.Policy.SpikeDelta,
		CooldownSeconds:     cfg.Policy.CooldownSeconds,
		ThrashUtilThreshold: cfg.Policy.ThrashUtilThreshold,
	})
	defer polEngine.Stop()

	sup := supervisor.New(flags.LogDir, logger)

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	core := scheduler.New(cfg.GPUIndices, queueMgr, polEngine, sup, metricsReg, logger)

	mon := monitor.New(probe, logger, core.OnMonitorUpdate,
		monitor.WithPollInterval(time.Duration(cfg.Monitor.PollIntervalSeconds)*time.Second),
		monitor.WithUtilDeltaThreshold(cfg.Monitor.UtilDeltaThreshold),
	)

	surface := control.New(dirs, logger, core.SubmitJob, core.CancelJob)

	statusSource := func() ([]*job.Job, []*job.Job) {
		return queueMgr.GetQueuedJobs(), queueMgr.GetRunningJobs()
	}

	metricsCfg := metrics.DefaultConfig()
	metricsCfg.ListenAddress = flags.MetricsAddress
	metricsCfg.WebConfigFile = flags.WebConfigFile

	metricsServer := metrics.NewServer(metricsCfg, reg, statusSource, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monCtx, cancelMon := context.WithCancel(ctx)
	defer cancelMon()
	mon.Start(monCtx)

	go core.Run()

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	sweep := time.NewTicker(time.Duration(flags.SweepInterval * float64(time.Second)))
	defer sweep.Stop()

	snapshotTicker := time.NewTicker(time.Second)
	defer snapshotTicker.Stop()

sweepLoop:
	for {
		select {
		case <-sweep.C:
			surface.SweepInbox()
			surface.SweepControl()
		case <-snapshotTicker.C:
			queued, running := queueMgr.GetQueuedJobs(), queueMgr.GetRunningJobs()
			if err := surface.WriteSnapshot(queued, running); err != nil {
				logger.Error("failed to write state snapshot", "err", err)
			}
		case <-ctx.Done():
			break sweepLoop
		}
	}

	logger.Info("shutting down")
	stop()
	core.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "err", err)
	}

	mon.Stop(5 * time.Second)

	select {
	case <-core.Done():
	case <-time.After(10 * time.Second):
		logger.Warn("scheduler core did not stop within timeout")
	}
}
