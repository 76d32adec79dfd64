// Package policy implements the Policy Engine: per-GPU utilization
// history, spike-triggered cooldown windows, and the admission and
// preemption decisions that gate scheduling.
package policy

import (
	"math"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Defaults per the admission/preemption rules.
const (
	DefaultStaticUtilThreshold = 60.0
	DefaultStaticMemThreshold  = 80.0
	DefaultHistoryWindow       = 5
	DefaultSpikeDelta          = 25.0
	DefaultCooldownSeconds     = 5 * time.Second
	DefaultThrashUtilThreshold = 90.0
)

// Config holds the Policy Engine's tunable thresholds.
type Config struct {
	StaticUtilThreshold float64
	StaticMemThreshold  float64
	HistoryWindow       int
	SpikeDelta          float64
	CooldownSeconds     time.Duration
	ThrashUtilThreshold float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		StaticUtilThreshold: DefaultStaticUtilThreshold,
		StaticMemThreshold:  DefaultStaticMemThreshold,
		HistoryWindow:       DefaultHistoryWindow,
		SpikeDelta:          DefaultSpikeDelta,
		CooldownSeconds:     DefaultCooldownSeconds,
		ThrashUtilThreshold: DefaultThrashUtilThreshold,
	}
}

// Engine holds per-GPU utilization history and cooldown state.
//
// cooldownUntil is modeled as a ttlcache: an entry's presence under key g
// means "cooling down", and the cache's own TTL expiry is the reset, so
// there is no deadline field to compare against a clock read from a
// different goroutine than the one that set it.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	history map[int][]float64

	cooldown *ttlcache.Cache[int, struct{}]
}

// NewEngine constructs a Policy Engine and starts its cooldown cache's
// background janitor.
func NewEngine(cfg Config) *Engine {
	cooldown := ttlcache.New[int, struct{}]()
	go cooldown.Start()

	return &Engine{
		cfg:      cfg,
		history:  make(map[int][]float64),
		cooldown: cooldown,
	}
}

// Stop shuts down the cooldown cache's background goroutine.
func (e *Engine) Stop() {
	e.cooldown.Stop()
}

// CanScheduleOnGpu runs the six-step admission check for device g given a
// freshly observed utilization sample and optional memory utilization
// (negative memUtil means "not available").
func (e *Engine) CanScheduleOnGpu(g int, util float64, memUtil float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	hist := append(e.history[g], util)
	if len(hist) > e.cfg.HistoryWindow {
		hist = hist[len(hist)-e.cfg.HistoryWindow:]
	}

	e.history[g] = hist

	if e.cooldown.Has(g) {
		return false
	}

	if len(hist) >= 2 {
		delta := math.Abs(hist[len(hist)-1] - hist[len(hist)-2])
		if delta > e.cfg.SpikeDelta {
			e.cooldown.Set(g, struct{}{}, e.cfg.CooldownSeconds)

			return false
		}
	}

	avg := mean(hist)
	memOK := memUtil < 0 || memUtil < e.cfg.StaticMemThreshold

	if avg < e.cfg.StaticUtilThreshold && memOK {
		return true
	}

	if util < e.cfg.StaticUtilThreshold && memOK {
		return true
	}

	return false
}

// ShouldPreempt reports whether a challenger with strictly higher priority
// (lower numeric value) than the running victim should preempt it, given
// the device's current utilization. Thrash avoidance denies preemption
// above ThrashUtilThreshold regardless of priority gap.
func (e *Engine) ShouldPreempt(currentUtil float64, victimPriority, challengerPriority int) bool {
	if challengerPriority >= victimPriority {
		return false
	}

	if currentUtil > e.cfg.ThrashUtilThreshold {
		return false
	}

	return true
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}

	var sum float64
	for _, x := range xs {
		sum += x
	}

	return sum / float64(len(xs))
}
