// Package scheduler implements the Scheduler Core: the event loop that
// integrates the Queue Manager, Policy Engine, Monitor, and Supervisor
// behind a condition variable, and exposes submit/cancel/stop.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gpusched/gpusched/pkg/job"
	"github.com/gpusched/gpusched/pkg/policy"
	"github.com/gpusched/gpusched/pkg/queue"
	"github.com/gpusched/gpusched/pkg/statemachine"
	"github.com/gpusched/gpusched/pkg/supervisor"
	"github.com/gpusched/gpusched/pkg/telemetry"
)

// waitTimeout bounds the condition-variable wait so deadline-driven
// watchdog and stall recovery still fire even with no wake signal.
const waitTimeout = 2 * time.Second

// Metrics is the read-only side effect the core publishes after each
// pass. Implementations must not block meaningfully; this is consulted
// from the scheduling loop itself.
type Metrics interface {
	ObserveQueueDepth(depth int)
	ObserveRunning(gpu int, count int)
	ObserveGpuUtil(gpu int, percent float64)
	ObserveAdmission(gpu int, allowed bool)
	ObservePreemption(gpu int, allowed bool)
	ObserveScrapeSuccess(success bool)
}

type noopMetrics struct{}

func (noopMetrics) ObserveQueueDepth(int)       {}
func (noopMetrics) ObserveRunning(int, int)     {}
func (noopMetrics) ObserveGpuUtil(int, float64) {}
func (noopMetrics) ObserveAdmission(int, bool)  {}
func (noopMetrics) ObservePreemption(int, bool) {}
func (noopMetrics) ObserveScrapeSuccess(bool)   {}

// Core is the Scheduler Core event loop.
type Core struct {
	gpuIndices []int
	queueMgr   *queue.Manager
	policy     *policy.Engine
	supervisor *supervisor.Supervisor
	metrics    Metrics
	logger     *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	stopped  bool
	lastSnap telemetry.Snapshot
	dirty    bool

	doneCh chan struct{}
}

// New constructs a Scheduler Core over the given devices.
func New(gpuIndices []int, queueMgr *queue.Manager, pol *policy.Engine, sup *supervisor.Supervisor, metrics Metrics, logger *slog.Logger) *Core {
	if metrics == nil {
		metrics = noopMetrics{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	c := &Core{
		gpuIndices: gpuIndices,
		queueMgr:   queueMgr,
		policy:     pol,
		supervisor: sup,
		metrics:    metrics,
		logger:     logger,
		doneCh:     make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	return c
}

// SubmitJob adds job to the queue and wakes the loop.
func (c *Core) SubmitJob(j *job.Job) {
	c.queueMgr.Add(j)
	c.wake()
}

// CancelJob cancels id: if Queued, removes it from the queue; if Running,
// best-effort terminates its child. Returns whether the job was found.
func (c *Core) CancelJob(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.queueMgr.Get(id)
	if !ok {
		return false
	}

	switch j.Status {
	case job.Queued:
		if err := statemachine.Cancel(j); err != nil {
			c.logger.Error("cancelJob: illegal transition", "id", id, "err", err)

			return false
		}

		c.queueMgr.Remove(id)

	case job.Running, job.Paused:
		if j.Pid != 0 {
			c.supervisor.Terminate(j.Pid, supervisor.DefaultTerminateTimeout)
		}

		c.queueMgr.Release(j)

		if err := statemachine.Cancel(j); err != nil {
			c.logger.Error("cancelJob: illegal transition", "id", id, "err", err)

			return false
		}

		c.queueMgr.Remove(id)

	default:
		return false
	}

	c.wakeLocked()

	return true
}

// Stop signals the loop to exit after its current pass.
func (c *Core) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.wake()
}

// OnMonitorUpdate is the Monitor callback: it records the latest snapshot
// and wakes the loop so preemption/scheduling can react to it.
func (c *Core) OnMonitorUpdate(snap telemetry.Snapshot) {
	c.mu.Lock()
	c.lastSnap = snap
	c.mu.Unlock()

	c.metrics.ObserveScrapeSuccess(snap.Backend != telemetry.BackendNone)

	for _, d := range snap.Devices {
		c.metrics.ObserveGpuUtil(d.Index, d.GpuUtilPercent)
	}

	c.wake()
}

func (c *Core) wake() {
	c.mu.Lock()
	c.wakeLocked()
	c.mu.Unlock()
}

func (c *Core) wakeLocked() {
	c.dirty = true
	c.cond.Broadcast()
}

// Run executes the main loop until Stop is called. Intended to run in its
// own goroutine; Run closes its done channel on return, observable via
// Done().
func (c *Core) Run() {
	defer close(c.doneCh)

	for {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()

			return
		}
		c.mu.Unlock()

		changed := false
		changed = c.runCompletions() || changed
		changed = c.runPreemption() || changed
		changed = c.runScheduling() || changed

		c.metrics.ObserveQueueDepth(len(c.queueMgr.GetQueuedJobs()))

		for _, g := range c.gpuIndices {
			c.metrics.ObserveRunning(g, len(c.queueMgr.GetRunningOnGpu(g)))
		}

		if !changed {
			c.waitForWake()
		}
	}
}

// Done returns a channel closed once Run has returned.
func (c *Core) Done() <-chan struct{} {
	return c.doneCh
}

func (c *Core) waitForWake() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dirty || c.stopped {
		c.dirty = false

		return
	}

	timer := time.AfterFunc(waitTimeout, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	c.cond.Wait()
	c.dirty = false
}

// runCompletions polls every running job with a pid; transitions exited
// jobs to Finished/Failed under the strict exit-code mapping, releases
// their GPUs, and checks the watchdog deadline for the rest.
func (c *Core) runCompletions() bool {
	changed := false

	for _, j := range c.queueMgr.GetRunningJobs() {
		if j.Status != job.Running || j.Pid == 0 {
			continue
		}

		if code, exited, tracked := c.supervisor.Poll(j.Pid); tracked && exited {
			success := code == 0
			c.queueMgr.Release(j)

			if err := statemachine.Finish(j, success); err != nil {
				c.logger.Error("runCompletions: illegal transition", "id", j.ID, "err", err)
			}

			c.queueMgr.Remove(j.ID)
			changed = true

			continue
		}

		if j.HasExceededRuntime(time.Now()) {
			c.logger.Warn("job exceeded max runtime, terminating", "id", j.ID)
			c.supervisor.Terminate(j.Pid, supervisor.DefaultTerminateTimeout)
			c.queueMgr.Release(j)

			if err := statemachine.Finish(j, false); err != nil {
				c.logger.Error("runCompletions: illegal transition", "id", j.ID, "err", err)
			}

			c.queueMgr.Remove(j.ID)
			changed = true
		}
	}

	return changed
}

// runPreemption compares the top queued candidate against preemptible
// victims on each device; on a positive policy decision it terminates,
// pauses, releases, and requeues the victim, restarting from completions
// on the caller's next pass.
func (c *Core) runPreemption() bool {
	top := c.queueMgr.PeekHighestPriorityQueued()
	if top == nil {
		return false
	}

	c.mu.Lock()
	util := c.lastSnap.MaxGpuUtilPercent()
	c.mu.Unlock()

	for _, g := range c.gpuIndices {
		for _, victim := range c.queueMgr.GetRunningOnGpu(g) {
			if !victim.Preemptible {
				continue
			}

			allow := c.policy.ShouldPreempt(util, victim.Priority, top.Priority)
			c.metrics.ObservePreemption(g, allow)

			if !allow {
				continue
			}

			c.logger.Info("preempting job", "victim", victim.ID, "challenger", top.ID, "gpu", g)

			if victim.Pid != 0 {
				c.supervisor.Terminate(victim.Pid, supervisor.DefaultTerminateTimeout)
			}

			c.queueMgr.Release(victim)

			if err := statemachine.Pause(victim); err != nil {
				c.logger.Error("runPreemption: illegal transition", "id", victim.ID, "err", err)

				continue
			}

			if err := statemachine.Requeue(victim); err != nil {
				c.logger.Error("runPreemption: illegal requeue", "id", victim.ID, "err", err)

				continue
			}

			c.queueMgr.Requeue(victim)

			return true
		}
	}

	return false
}

// runScheduling asks the Queue Manager for an allocation, checks Policy
// admission per allocated device, and on acceptance starts the job via
// the Supervisor.
func (c *Core) runScheduling() bool {
	alloc, ok := c.queueMgr.FindAndAssign(c.gpuIndices)
	if !ok {
		c.metrics.ObserveQueueDepth(len(c.queueMgr.GetQueuedJobs()))

		return false
	}

	c.mu.Lock()
	snap := c.lastSnap
	c.mu.Unlock()

	util := snap.MaxGpuUtilPercent()

	for _, g := range alloc.Gpus {
		memUtil := memUtilForDevice(snap, g)

		allowed := c.policy.CanScheduleOnGpu(g, util, memUtil)
		c.metrics.ObserveAdmission(g, allowed)

		if !allowed {
			// Release and proceed with no retry: the loop sleeps until the
			// next wake source re-evaluates this candidate.
			c.queueMgr.Release(alloc.Job)
			c.queueMgr.Requeue(alloc.Job)

			return false
		}
	}

	pid, err := c.supervisor.Spawn(alloc.Job.ID, alloc.Job.Command, alloc.Gpus[0])
	if err != nil {
		c.logger.Error("runScheduling: failed to spawn job", "id", alloc.Job.ID, "err", err)
		c.queueMgr.Release(alloc.Job)
		c.queueMgr.Requeue(alloc.Job)

		return true
	}

	alloc.Job.Pid = pid
	alloc.Job.AssignedGpu = alloc.Gpus[0]

	if err := statemachine.Start(alloc.Job); err != nil {
		c.logger.Error("runScheduling: illegal transition", "id", alloc.Job.ID, "err", err)
	}

	for _, g := range c.gpuIndices {
		c.metrics.ObserveRunning(g, len(c.queueMgr.GetRunningOnGpu(g)))
	}

	return true
}

func memUtilForDevice(snap telemetry.Snapshot, gpu int) float64 {
	for _, d := range snap.Devices {
		if d.Index == gpu {
			return d.MemUtilPercent
		}
	}

	return -1
}
