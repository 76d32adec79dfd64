// Package job implements the scheduler's Job model: an immutable-identity,
// mutable-state record describing one submitted compute job.
package job

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

// Lifecycle states. See statemachine.Transition for the legal transition table.
const (
	Queued    Status = "queued"
	Running   Status = "running"
	Paused    Status = "paused"
	Finished  Status = "finished"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Terminal reports whether s is one of the terminal states that no longer
// accept transitions.
func (s Status) Terminal() bool {
	switch s {
	case Finished, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// Default field values applied by New when a submission omits
// them, per the inbox file contract.
const (
	DefaultPriority     = 10
	DefaultRequiredGpus = 1
	DefaultExclusive    = true
	DefaultPreemptible  = true
)

// Job is the unit of work scheduled onto GPUs. The Scheduler Core is the
// sole writer of Status, StartedAt/FinishedAt, Pid and AssignedGpu; the
// Queue Manager writes only CreatedAt (refreshed on Requeue), and the
// Supervisor only reads and relays Jobs.
type Job struct {
	ID                string            `json:"id"`
	Command           string            `json:"command"`
	Priority          int               `json:"priority"`
	RequiredGpus      int               `json:"requiredGpus"`
	RequiredMemMb     int               `json:"requiredMemMb,omitempty"`
	Exclusive         bool              `json:"exclusive"`
	Preemptible       bool              `json:"preemptible"`
	MaxRuntimeSeconds int64             `json:"maxRuntimeSeconds,omitempty"`
	Status            Status            `json:"status"`
	CreatedAt         int64             `json:"createdAt"`
	StartedAt         int64             `json:"startedAt,omitempty"`
	FinishedAt        int64             `json:"finishedAt,omitempty"`
	AssignedGpu       int               `json:"assignedGpu"`
	Pid               int               `json:"pid,omitempty"`
	Meta              map[string]string `json:"meta,omitempty"`
}

// Request is the shape of an inbox submission file: the subset of Job
// fields a caller may specify, before defaults are applied.
type Request struct {
	Command           string            `json:"command"`
	Priority          *int              `json:"priority,omitempty"`
	RequiredGpus      *int              `json:"requiredGpus,omitempty"`
	RequiredMemMb     int               `json:"requiredMemMb,omitempty"`
	Exclusive         *bool             `json:"exclusive,omitempty"`
	Preemptible       *bool             `json:"preemptible,omitempty"`
	MaxRuntimeSeconds int64             `json:"maxRuntimeSeconds,omitempty"`
	Meta              map[string]string `json:"meta,omitempty"`
}

// New creates a Queued Job with the caller-supplied id from a submission
// request, applying §3/§6 defaults for any omitted optional field.
func New(id string, req Request) *Job {
	j := &Job{
		ID:                id,
		Command:           req.Command,
		Priority:          DefaultPriority,
		RequiredGpus:      DefaultRequiredGpus,
		RequiredMemMb:     req.RequiredMemMb,
		Exclusive:         DefaultExclusive,
		Preemptible:       DefaultPreemptible,
		MaxRuntimeSeconds: req.MaxRuntimeSeconds,
		Status:            Queued,
		CreatedAt:         time.Now().Unix(),
		Meta:              req.Meta,
	}

	if req.Priority != nil {
		j.Priority = *req.Priority
	}

	if req.RequiredGpus != nil {
		j.RequiredGpus = *req.RequiredGpus
	}

	if req.Exclusive != nil {
		j.Exclusive = *req.Exclusive
	}

	if req.Preemptible != nil {
		j.Preemptible = *req.Preemptible
	}

	return j
}

// HasExceededRuntime reports whether a Running job has exceeded its
// configured watchdog deadline, measured from StartedAt. A job with no
// MaxRuntimeSeconds configured never exceeds it.
func (j *Job) HasExceededRuntime(now time.Time) bool {
	if j.MaxRuntimeSeconds <= 0 || j.StartedAt == 0 {
		return false
	}

	return now.Unix()-j.StartedAt >= j.MaxRuntimeSeconds
}

// ToJSON renders the job as compact JSON using the camelCase field names of
// the inbox/control/state file contract.
func (j *Job) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// FromJSON parses a Job from JSON produced by ToJSON or an external CLI.
func FromJSON(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}

	return &j, nil
}

// Clone returns a deep-enough copy of j suitable for snapshotting outside
// of the Queue Manager's lock (meta map is copied so callers cannot mutate
// the live job through it).
func (j *Job) Clone() *Job {
	c := *j
	if j.Meta != nil {
		c.Meta = make(map[string]string, len(j.Meta))
		for k, v := range j.Meta {
			c.Meta[k] = v
		}
	}

	return &c
}
