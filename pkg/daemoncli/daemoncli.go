// Package daemoncli wires the gpusched daemon's kingpin CLI: flags,
// logger construction, and GOMAXPROCS, in the shape the rest of the
// CEEMS tool family uses for its daemon entrypoints.
package daemoncli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/promslog"
	promslogflag "github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"

	internal_runtime "github.com/gpusched/gpusched/internal/runtime"
)

// AppName is the kingpin application name.
const AppName = "gpusched"

// Flags holds every resolved CLI flag value the daemon needs to start.
type Flags struct {
	ConfigFile     string
	MetricsAddress string
	WebConfigFile  string
	ControlDir     string
	LogDir         string
	SweepInterval  float64
	MaxProcs       int
	RunAsUser      string
	DropPrivileges bool
	Logger         *slog.Logger
}

// App wraps the kingpin.Application for the gpusched daemon.
type App struct {
	kp *kingpin.Application
}

// New constructs the kingpin application with every gpusched daemon flag
// registered.
func New() *App {
	kp := kingpin.New(AppName, "Single-host GPU job scheduler daemon.")

	return &App{kp: kp}
}

// Parse parses os.Args (or the provided args, for tests) and returns the
// resolved Flags, a constructed logger, and any parse error.
func (a *App) Parse(args []string) (*Flags, error) {
	var (
		configFile     = a.kp.Flag("config.file", "Path to gpusched YAML config file.").Default("").String()
		metricsAddress = a.kp.Flag("web.listen-address", "Address on which to expose /metrics and /status.json.").Default(":9600").String()
		webConfigFile  = a.kp.Flag("web.config.file", "Path to exporter-toolkit web config file enabling TLS or auth.").Default("").String()
		controlDir     = a.kp.Flag("control.dir", "Base directory for the inbox/control/state file surface.").Default("/var/lib/gpusched").String()
		logDir         = a.kp.Flag("supervisor.log-dir", "Directory where spawned job stdout/stderr logs are written.").Default("/var/log/gpusched/jobs").String()
		sweepInterval  = a.kp.Flag("control.sweep-interval", "Seconds between inbox/control directory sweeps.").Default("1").Float64()
		maxProcs       = a.kp.Flag("runtime.gomaxprocs", "The target number of CPUs Go will run on (GOMAXPROCS).").Envar("GOMAXPROCS").Default("0").Int()
		runAsUser      = a.kp.Flag("security.run-as-user", "Unprivileged user granted ACL access to the control surface and job logs. Overrides the config file's security.run_as_user.").Default("").String()
		dropPrivileges = a.kp.Flag("security.drop-privileges", "Check and log the process capability set at startup instead of assuming full root privilege.").Default("true").Bool()
	)

	promslogConfig := &promslog.Config{}
	promslogflag.AddFlags(a.kp, promslogConfig)
	a.kp.Version(version.Print(AppName))
	a.kp.UsageWriter(os.Stdout)
	a.kp.HelpFlag.Short('h')

	if _, err := a.kp.Parse(args); err != nil {
		return nil, fmt.Errorf("daemoncli: failed to parse CLI flags: %w", err)
	}

	logger := promslog.New(promslogConfig)

	absControlDir, err := filepath.Abs(*controlDir)
	if err != nil {
		return nil, fmt.Errorf("daemoncli: failed to resolve --control.dir: %w", err)
	}

	absLogDir, err := filepath.Abs(*logDir)
	if err != nil {
		return nil, fmt.Errorf("daemoncli: failed to resolve --supervisor.log-dir: %w", err)
	}

	if *maxProcs > 0 {
		runtime.GOMAXPROCS(*maxProcs)
	}

	logger.Info("starting "+AppName, "version", version.Info())
	logger.Info("operational information", "build_context", version.BuildContext(),
		"host", internal_runtime.Uname(), "fd_limits", internal_runtime.FdLimits())
	logger.Debug("GOMAXPROCS", "procs", runtime.GOMAXPROCS(0))

	return &Flags{
		ConfigFile:     *configFile,
		MetricsAddress: *metricsAddress,
		WebConfigFile:  *webConfigFile,
		ControlDir:     absControlDir,
		LogDir:         absLogDir,
		SweepInterval:  *sweepInterval,
		MaxProcs:       *maxProcs,
		RunAsUser:      *runAsUser,
		DropPrivileges: *dropPrivileges,
		Logger:         logger,
	}, nil
}
