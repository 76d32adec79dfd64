package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpusched/gpusched/pkg/job"
)

func newQueued() *job.Job {
	return job.New("j1", job.Request{Command: "echo hi"})
}

func TestStartStampsStartedAt(t *testing.T) {
	j := newQueued()
	require.NoError(t, Start(j))
	assert.Equal(t, job.Running, j.Status)
	assert.NotZero(t, j.StartedAt)
}

func TestPauseAndResume(t *testing.T) {
	j := newQueued()
	require.NoError(t, Start(j))
	require.NoError(t, Pause(j))
	assert.Equal(t, job.Paused, j.Status)

	require.NoError(t, Resume(j))
	assert.Equal(t, job.Running, j.Status)
}

func TestFinishSuccessAndFailure(t *testing.T) {
	j := newQueued()
	require.NoError(t, Start(j))
	j.Pid = 123
	j.AssignedGpu = 2

	require.NoError(t, Finish(j, true))
	assert.Equal(t, job.Finished, j.Status)
	assert.Zero(t, j.Pid)
	assert.Zero(t, j.AssignedGpu)
	assert.NotZero(t, j.FinishedAt)

	j2 := newQueued()
	require.NoError(t, Start(j2))
	require.NoError(t, Finish(j2, false))
	assert.Equal(t, job.Failed, j2.Status)
}

func TestCancelFromQueuedAndRunning(t *testing.T) {
	j := newQueued()
	require.NoError(t, Cancel(j))
	assert.Equal(t, job.Cancelled, j.Status)

	j2 := newQueued()
	require.NoError(t, Start(j2))
	require.NoError(t, Cancel(j2))
	assert.Equal(t, job.Cancelled, j2.Status)
}

func TestIllegalTransitionsRejected(t *testing.T) {
	j := newQueued()
	require.NoError(t, Start(j))
	require.NoError(t, Finish(j, true))

	err := Start(j)
	require.Error(t, err)

	var illegal *IllegalTransition
	assert.ErrorAs(t, err, &illegal)
	assert.Equal(t, job.Finished, illegal.From)
	assert.Equal(t, job.Running, illegal.To)
	assert.Equal(t, job.Finished, j.Status, "rejected transition must not mutate the job")
}

func TestQueuedCannotGoDirectlyToPaused(t *testing.T) {
	j := newQueued()
	err := Transition(j, job.Paused)
	require.Error(t, err)
	assert.Equal(t, job.Queued, j.Status)
}

func TestPausedCannotFinishDirectly(t *testing.T) {
	j := newQueued()
	require.NoError(t, Start(j))
	require.NoError(t, Pause(j))

	err := Transition(j, job.Finished)
	require.Error(t, err)
	assert.Equal(t, job.Paused, j.Status)
}
