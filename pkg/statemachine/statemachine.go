// Package statemachine enforces the job lifecycle's legal transition table
// and the timestamp bookkeeping that goes with each transition.
package statemachine

import (
	"fmt"
	"time"

	"github.com/gpusched/gpusched/pkg/job"
)

// IllegalTransition is returned when a caller attempts a transition not
// present in the legal table. It is a programmer error: callers must never
// swallow it, only log and treat the attempted mutation as rejected.
type IllegalTransition struct {
	ID   string
	From job.Status
	To   job.Status
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("statemachine: illegal transition for job %s: %s -> %s", e.ID, e.From, e.To)
}

var legal = map[job.Status]map[job.Status]bool{
	job.Queued: {
		job.Running:   true,
		job.Cancelled: true,
	},
	job.Running: {
		job.Paused:    true,
		job.Finished:  true,
		job.Failed:    true,
		job.Cancelled: true,
	},
	job.Paused: {
		job.Running:   true,
		job.Cancelled: true,
	},
	job.Finished:  {},
	job.Failed:    {},
	job.Cancelled: {},
}

// Transition moves j from its current status to to, stamping timestamps and
// clearing pid/assignedGpu on entry to a terminal state, or stamping
// startedAt on entry to Running. It returns *IllegalTransition without
// mutating j if the move is not in the legal table.
func Transition(j *job.Job, to job.Status) error {
	allowed := legal[j.Status]
	if allowed == nil || !allowed[to] {
		return &IllegalTransition{ID: j.ID, From: j.Status, To: to}
	}

	now := time.Now().Unix()

	if to == job.Running {
		j.StartedAt = now
	}

	if to.Terminal() {
		j.FinishedAt = now
		j.Pid = 0
		j.AssignedGpu = 0
	}

	j.Status = to

	return nil
}

// Start transitions j from Queued to Running.
func Start(j *job.Job) error {
	return Transition(j, job.Running)
}

// Pause transitions j from Running to Paused.
func Pause(j *job.Job) error {
	return Transition(j, job.Paused)
}

// Resume transitions j from Paused back to Running.
func Resume(j *job.Job) error {
	return Transition(j, job.Running)
}

// Finish transitions a Running j to Finished (success) or Failed.
func Finish(j *job.Job, success bool) error {
	if success {
		return Transition(j, job.Finished)
	}

	return Transition(j, job.Failed)
}

// Cancel transitions j (Queued, Running, or Paused) to Cancelled.
func Cancel(j *job.Job) error {
	return Transition(j, job.Cancelled)
}

// Requeue moves a Paused preemption victim back to Queued. This is not in
// the legal transition table: Paused only legally reaches Running or
// Cancelled through an external lifecycle event. Requeue is the Scheduler
// Core's own internal operation for putting a preempted job back up for
// allocation, so it is exempt from that table by construction, not by
// coincidence — calling it from any status but Paused is a programmer
// error and returns *IllegalTransition same as Transition would.
func Requeue(j *job.Job) error {
	if j.Status != job.Paused {
		return &IllegalTransition{ID: j.ID, From: j.Status, To: job.Queued}
	}

	j.Status = job.Queued

	return nil
}
