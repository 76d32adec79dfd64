// Package config loads the daemon's YAML configuration file: GPU
// indices, policy thresholds, and directory layout.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level on-disk shape of gpusched's config file.
type Config struct {
	GPUIndices []int          `yaml:"gpu_indices"`
	BaseDir    string         `yaml:"base_dir"`
	LogDir     string         `yaml:"log_dir"`
	Policy     PolicyConfig   `yaml:"policy"`
	Monitor    MonitorConfig  `yaml:"monitor"`
	Security   SecurityConfig `yaml:"security"`
	Redfish    *RedfishConfig `yaml:"redfish,omitempty"`
}

// PolicyConfig mirrors policy.Config's YAML-serializable fields.
type PolicyConfig struct {
	StaticUtilThreshold float64       `yaml:"static_util_threshold"`
	StaticMemThreshold  float64       `yaml:"static_mem_threshold"`
	HistoryWindow       int           `yaml:"history_window"`
	SpikeDelta          float64       `yaml:"spike_delta"`
	CooldownSeconds     time.Duration `yaml:"cooldown_seconds"`
	ThrashUtilThreshold float64       `yaml:"thrash_util_threshold"`
	AgingFactor         float64       `yaml:"aging_factor"`
}

// MonitorConfig configures the background utilization poller.
type MonitorConfig struct {
	PollIntervalSeconds int     `yaml:"poll_interval_seconds"`
	UtilDeltaThreshold  float64 `yaml:"util_delta_threshold"`
}

// SecurityConfig configures the run-as-user ACL grants over the control
// surface and log directory, and whether the daemon checks its
// capability set at startup.
type SecurityConfig struct {
	RunAsUser      string `yaml:"run_as_user"`
	DropPrivileges bool   `yaml:"drop_privileges"`
}

// RedfishConfig configures the optional advisory BMC power supplement.
type RedfishConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Insecure bool   `yaml:"insecure"`
}

// Default returns the documented defaults for every field a config file
// may omit.
func Default() Config {
	return Config{
		GPUIndices: []int{0},
		BaseDir:    "/var/lib/gpusched",
		LogDir:     "/var/log/gpusched/jobs",
		Policy: PolicyConfig{
			StaticUtilThreshold: 60,
			StaticMemThreshold:  80,
			HistoryWindow:       5,
			SpikeDelta:          25,
			CooldownSeconds:     5 * time.Second,
			ThrashUtilThreshold: 90,
			AgingFactor:         0.01,
		},
		Monitor: MonitorConfig{
			PollIntervalSeconds: 2,
			UtilDeltaThreshold:  10,
		},
		Security: SecurityConfig{
			DropPrivileges: true,
		},
	}
}

// Load reads and parses a YAML config file, overlaying it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if len(cfg.GPUIndices) == 0 {
		return Config{}, fmt.Errorf("config: gpu_indices must not be empty")
	}

	return cfg, nil
}
