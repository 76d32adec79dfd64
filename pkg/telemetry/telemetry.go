// Package telemetry implements the GPU Telemetry Probe: a synchronous,
// fail-soft snapshot function over nvidia-smi (Linux/NVIDIA) or
// powermetrics (Apple Silicon), with an advisory Redfish power
// supplement where a BMC is configured.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/stmcginnis/gofish"

	"github.com/gpusched/gpusched/internal/osexec"
)

// Backend names carried in every snapshot.
const (
	BackendNvidiaSMI    = "nvidia-smi"
	BackendPowermetrics = "powermetrics"
	BackendNone         = "none"
)

const (
	nvidiaSMITimeoutSeconds    = 1.5
	powermetricsTimeoutSeconds = 15.0
)

// DeviceSample is one GPU's reading within a Snapshot.
type DeviceSample struct {
	Index          int
	MemoryUsedMb   int
	MemoryTotalMb  int
	GpuUtilPercent float64
	MemUtilPercent float64
}

// Snapshot is the probe's output: a point-in-time reading across whatever
// devices the active backend could see.
type Snapshot struct {
	Timestamp    time.Time
	Backend      string
	Devices      []DeviceSample
	SystemWattsW float64 // 0 when no BMC power reading was available
}

// Probe holds the configuration needed to invoke the vendor tools and an
// optional Redfish client for advisory system power.
type Probe struct {
	logger           *slog.Logger
	nvidiaSMIPath    string
	powermetricsPath string
	redfish          *redfishConfig
}

type redfishConfig struct {
	endpoint string
	username string
	password string
	insecure bool
}

// Option configures a Probe.
type Option func(*Probe)

// WithNvidiaSMIPath overrides the default nvidia-smi path.
func WithNvidiaSMIPath(path string) Option {
	return func(p *Probe) { p.nvidiaSMIPath = path }
}

// WithPowermetricsPath overrides the default powermetrics path.
func WithPowermetricsPath(path string) Option {
	return func(p *Probe) { p.powermetricsPath = path }
}

// WithRedfish enables the advisory BMC power supplement.
func WithRedfish(endpoint, username, password string, insecure bool) Option {
	return func(p *Probe) {
		p.redfish = &redfishConfig{endpoint: endpoint, username: username, password: password, insecure: insecure}
	}
}

// NewProbe constructs a Probe with sensible per-OS defaults.
func NewProbe(logger *slog.Logger, opts ...Option) *Probe {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Probe{
		logger:           logger,
		nvidiaSMIPath:    "/usr/bin/nvidia-smi",
		powermetricsPath: "/usr/bin/powermetrics",
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Sample takes one snapshot. It never returns an error: any backend
// failure collapses to a BackendNone snapshot, matching the fail-soft
// contract a scheduling loop depends on to keep making progress.
func (p *Probe) Sample(ctx context.Context) Snapshot {
	snap := p.sampleBackend()
	snap.Timestamp = time.Now()

	if p.redfish != nil {
		if watts, err := p.sampleRedfishPower(ctx); err == nil {
			snap.SystemWattsW = watts
		} else {
			p.logger.Debug("redfish power sample failed", "err", err)
		}
	}

	return snap
}

func (p *Probe) sampleBackend() Snapshot {
	switch runtime.GOOS {
	case "linux":
		if devices, err := p.sampleNvidiaSMI(); err == nil {
			return Snapshot{Backend: BackendNvidiaSMI, Devices: devices}
		}
	case "darwin":
		if devices, err := p.samplePowermetrics(); err == nil {
			return Snapshot{Backend: BackendPowermetrics, Devices: devices}
		}
	}

	return Snapshot{Backend: BackendNone}
}

// sampleNvidiaSMI invokes nvidia-smi asking for the five CSV fields and
// parses each line independently, skipping any malformed row rather than
// failing the whole snapshot.
func (p *Probe) sampleNvidiaSMI() ([]DeviceSample, error) {
	if _, err := os.Stat(p.nvidiaSMIPath); err != nil {
		return nil, err
	}

	args := []string{
		"--query-gpu=index,memory.used,memory.total,utilization.gpu,utilization.memory",
		"--format=csv,noheader,nounits",
	}

	out, err := osexec.ExecuteWithTimeout(p.nvidiaSMIPath, args, nvidiaSMITimeoutSeconds, nil)
	if err != nil {
		return nil, err
	}

	var devices []DeviceSample

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		sample, ok := parseNvidiaSMILine(line)
		if !ok {
			p.logger.Debug("skipping malformed nvidia-smi row", "line", line)

			continue
		}

		devices = append(devices, sample)
	}

	return devices, nil
}

func parseNvidiaSMILine(line string) (DeviceSample, bool) {
	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		return DeviceSample{}, false
	}

	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	index, err := strconv.Atoi(fields[0])
	if err != nil {
		return DeviceSample{}, false
	}

	memUsed, err := strconv.Atoi(fields[1])
	if err != nil {
		return DeviceSample{}, false
	}

	memTotal, err := strconv.Atoi(fields[2])
	if err != nil {
		return DeviceSample{}, false
	}

	gpuUtil, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return DeviceSample{}, false
	}

	memUtil, err := strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return DeviceSample{}, false
	}

	return DeviceSample{
		Index:          index,
		MemoryUsedMb:   memUsed,
		MemoryTotalMb:  memTotal,
		GpuUtilPercent: gpuUtil,
		MemUtilPercent: memUtil,
	}, true
}

// samplePowermetrics scrapes the "GPU HW active residency" line from one
// powermetrics sample, wrapping the call in sudo when not already root.
func (p *Probe) samplePowermetrics() ([]DeviceSample, error) {
	cmd := p.powermetricsPath
	args := []string{"--samplers", "gpu_power", "-i", "1000", "-n", "1"}

	if !isRoot() {
		args = append([]string{cmd}, args...)
		cmd = "sudo"
	}

	out, err := osexec.ExecuteWithTimeout(cmd, args, powermetricsTimeoutSeconds, nil)
	if err != nil {
		return nil, err
	}

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "GPU HW active residency:") {
			continue
		}

		pct := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(line, "GPU HW active residency:")), "%")

		val, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			continue
		}

		return []DeviceSample{{Index: 0, GpuUtilPercent: val}}, nil
	}

	return nil, errNoResidencyLine
}

var errNoResidencyLine = &probeError{"powermetrics output did not contain a GPU HW active residency line"}

type probeError struct{ msg string }

func (e *probeError) Error() string { return e.msg }

func isRoot() bool {
	u, err := user.Current()

	return err == nil && u.Uid == "0"
}

// sampleRedfishPower queries the configured BMC for its current system
// power reading. This is purely advisory: it never gates scheduling
// decisions, only enriches the snapshot and the exporter.
func (p *Probe) sampleRedfishPower(_ context.Context) (float64, error) {
	client, err := gofish.Connect(gofish.ClientConfig{
		Endpoint: p.redfish.endpoint,
		Username: p.redfish.username,
		Password: p.redfish.password,
		Insecure: p.redfish.insecure,
	})
	if err != nil {
		return 0, err
	}
	defer client.Logout()

	chassisList, err := client.Service.Chassis()
	if err != nil {
		return 0, err
	}

	var total float64

	for _, chassis := range chassisList {
		power, err := chassis.Power()
		if err != nil || power == nil {
			continue
		}

		for _, pc := range power.PowerControl {
			if pc.PowerConsumedWatts > 0 {
				total += float64(pc.PowerConsumedWatts)
			}
		}
	}

	return total, nil
}

// MaxGpuUtilPercent derives the scalar utilization the Monitor tracks: the
// maximum of per-device GpuUtilPercent across the snapshot, or 0 when no
// devices were seen.
func (s Snapshot) MaxGpuUtilPercent() float64 {
	var max float64

	for _, d := range s.Devices {
		if d.GpuUtilPercent > max {
			max = d.GpuUtilPercent
		}
	}

	return max
}
