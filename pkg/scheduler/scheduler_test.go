package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpusched/gpusched/pkg/job"
	"github.com/gpusched/gpusched/pkg/policy"
	"github.com/gpusched/gpusched/pkg/queue"
	"github.com/gpusched/gpusched/pkg/supervisor"
	"github.com/gpusched/gpusched/pkg/telemetry"
)

func newTestCore(t *testing.T, gpus []int) (*Core, *supervisor.Supervisor) {
	t.Helper()

	qm := queue.NewManager(queue.DefaultAgingFactor)
	pol := policy.NewEngine(policy.DefaultConfig())
	t.Cleanup(pol.Stop)

	sup := supervisor.New(t.TempDir(), nil)
	c := New(gpus, qm, pol, sup, nil, nil)

	return c, sup
}

func runPasses(c *Core, n int) {
	for i := 0; i < n; i++ {
		c.runCompletions()
		c.runPreemption()
		c.runScheduling()
	}
}

func TestSubmitAndScheduleRunsJob(t *testing.T) {
	c, _ := newTestCore(t, []int{0})

	j := job.New("j1", job.Request{Command: "sh -c 'exit 0'"})
	c.SubmitJob(j)

	runPasses(c, 1)
	assert.Equal(t, job.Running, j.Status)
	assert.NotZero(t, j.Pid)

	require.Eventually(t, func() bool {
		c.runCompletions()

		return j.Status == job.Finished
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFailedExitMarksFailed(t *testing.T) {
	c, _ := newTestCore(t, []int{0})

	j := job.New("j1", job.Request{Command: "sh -c 'exit 7'"})
	c.SubmitJob(j)
	runPasses(c, 1)

	require.Eventually(t, func() bool {
		c.runCompletions()

		return j.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, job.Failed, j.Status)
}

func TestCancelQueuedJob(t *testing.T) {
	c, _ := newTestCore(t, []int{0})

	occupant := job.New("occupant", job.Request{Command: "sleep 5"})
	c.SubmitJob(occupant)
	runPasses(c, 1)
	require.Equal(t, job.Running, occupant.Status)

	queued := job.New("queued", job.Request{Command: "sh -c 'exit 0'"})
	c.SubmitJob(queued)

	ok := c.CancelJob("queued")
	assert.True(t, ok)
	assert.Equal(t, job.Cancelled, queued.Status)

	_, found := c.queueMgr.Get("queued")
	assert.False(t, found)

	c.supervisor.Terminate(occupant.Pid, time.Second)
}

func TestCancelRunningJobTerminatesChild(t *testing.T) {
	c, sup := newTestCore(t, []int{0})

	j := job.New("j1", job.Request{Command: "sleep 30"})
	c.SubmitJob(j)
	runPasses(c, 1)
	require.Equal(t, job.Running, j.Status)

	pid := j.Pid
	ok := c.CancelJob("j1")
	assert.True(t, ok)
	assert.Equal(t, job.Cancelled, j.Status)

	_, _, tracked := sup.Poll(pid)
	assert.False(t, tracked, "terminated pid must no longer be tracked")
}

func TestCancelUnknownJobReturnsFalse(t *testing.T) {
	c, _ := newTestCore(t, []int{0})
	assert.False(t, c.CancelJob("missing"))
}

func TestExclusiveJobWaitsForFreeDevice(t *testing.T) {
	c, _ := newTestCore(t, []int{0})

	occupant := job.New("occupant", job.Request{Command: "sleep 5"})
	c.SubmitJob(occupant)
	runPasses(c, 1)
	require.Equal(t, job.Running, occupant.Status)

	second := job.New("second", job.Request{Command: "sh -c 'exit 0'"})
	c.SubmitJob(second)
	runPasses(c, 1)

	assert.Equal(t, job.Queued, second.Status)

	c.supervisor.Terminate(occupant.Pid, time.Second)
}

func TestRunSchedulingReturnsFalseOnAdmissionDenial(t *testing.T) {
	qm := queue.NewManager(queue.DefaultAgingFactor)

	denyAll := policy.DefaultConfig()
	denyAll.StaticUtilThreshold = 0
	denyAll.StaticMemThreshold = 0
	pol := policy.NewEngine(denyAll)
	t.Cleanup(pol.Stop)

	sup := supervisor.New(t.TempDir(), nil)
	c := New([]int{0}, qm, pol, sup, nil, nil)

	j := job.New("j1", job.Request{Command: "sh -c 'exit 0'"})
	c.SubmitJob(j)

	c.mu.Lock()
	c.lastSnap.Devices = []telemetry.DeviceSample{{Index: 0, GpuUtilPercent: 99, MemUtilPercent: 99}}
	c.mu.Unlock()

	changed := c.runScheduling()
	assert.False(t, changed, "a policy-denied candidate must not report progress, so Run() sleeps instead of busy-spinning")
	assert.Equal(t, job.Queued, j.Status)
}

func TestStopEndsRun(t *testing.T) {
	c, _ := newTestCore(t, []int{0})

	go c.Run()
	c.Stop()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}
