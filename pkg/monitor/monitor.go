// Package monitor implements the background GPU utilization poller: it
// repeatedly samples the Telemetry Probe, keeps the last snapshot behind a
// mutex, and notifies a caller-supplied callback whenever derived
// utilization has moved enough to matter.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gpusched/gpusched/pkg/telemetry"
)

// DefaultUtilDeltaThreshold is the default percentage-point move in
// derived utilization required to fire the notification callback.
const DefaultUtilDeltaThreshold = 10.0

// DefaultPollInterval is the time between samples.
const DefaultPollInterval = 2 * time.Second

// sleepQuantum bounds how long a single sleep iteration blocks, so stop()
// can interrupt a pending poll within this granularity.
const sleepQuantum = 200 * time.Millisecond

// Callback is invoked whenever derived utilization shifts by at least the
// configured delta threshold. Panics from the callback are recovered and
// logged; the Monitor must survive a misbehaving caller.
type Callback func(snap telemetry.Snapshot)

// Monitor is a background poller over a telemetry.Probe.
type Monitor struct {
	probe        *telemetry.Probe
	pollInterval time.Duration
	deltaThresh  float64
	callback     Callback
	logger       *slog.Logger

	snapMu sync.Mutex
	last   telemetry.Snapshot

	lastNotifiedUtil float64
	haveNotified     bool

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	runMu   sync.Mutex
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) { m.pollInterval = d }
}

// WithUtilDeltaThreshold overrides DefaultUtilDeltaThreshold.
func WithUtilDeltaThreshold(pp float64) Option {
	return func(m *Monitor) { m.deltaThresh = pp }
}

// New constructs a Monitor over probe, invoking cb on significant
// utilization moves.
func New(probe *telemetry.Probe, logger *slog.Logger, cb Callback, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		probe:        probe,
		pollInterval: DefaultPollInterval,
		deltaThresh:  DefaultUtilDeltaThreshold,
		callback:     cb,
		logger:       logger,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins the polling loop in a new goroutine. Idempotent: a second
// call while already running is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.loop(ctx)
}

// Stop signals the loop to exit and waits up to timeout for it to finish.
func (m *Monitor) Stop(timeout time.Duration) {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()

		return
	}

	close(m.stopCh)
	done := m.doneCh
	m.runMu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		m.logger.Warn("monitor did not stop within timeout")
	}
}

// GetLastStats returns a shallow copy of the most recent snapshot.
func (m *Monitor) GetLastStats() telemetry.Snapshot {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()

	snap := m.last
	devices := make([]telemetry.DeviceSample, len(m.last.Devices))
	copy(devices, m.last.Devices)
	snap.Devices = devices

	return snap
}

func (m *Monitor) loop(ctx context.Context) {
	defer func() {
		m.runMu.Lock()
		m.running = false
		m.runMu.Unlock()
		close(m.doneCh)
	}()

	for {
		snap := m.probe.Sample(ctx)

		m.snapMu.Lock()
		m.last = snap
		m.snapMu.Unlock()

		m.maybeNotify(snap)

		if m.sleepInterruptible(m.pollInterval) {
			return
		}
	}
}

func (m *Monitor) maybeNotify(snap telemetry.Snapshot) {
	util := snap.MaxGpuUtilPercent()

	shifted := !m.haveNotified || absDiff(util, m.lastNotifiedUtil) >= m.deltaThresh
	if !shifted {
		return
	}

	m.lastNotifiedUtil = util
	m.haveNotified = true

	if m.callback == nil {
		return
	}

	m.invokeCallback(snap)
}

func (m *Monitor) invokeCallback(snap telemetry.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor callback panicked", "recovered", r)
		}
	}()

	m.callback(snap)
}

// sleepInterruptible sleeps for d in sleepQuantum increments, returning
// true early if stop() was called meanwhile.
func (m *Monitor) sleepInterruptible(d time.Duration) bool {
	elapsed := time.Duration(0)

	for elapsed < d {
		step := sleepQuantum
		if remaining := d - elapsed; remaining < step {
			step = remaining
		}

		select {
		case <-m.stopCh:
			return true
		case <-time.After(step):
			elapsed += step
		}
	}

	return false
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}

	return b - a
}
