// Command gpuschedsubmit writes a job submission file into the running
// daemon's inbox directory, per the file-based control surface contract.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"github.com/google/uuid"
	"github.com/prometheus/common/version"

	"github.com/gpusched/gpusched/pkg/job"
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Submit a job to the gpusched daemon.")

	var (
		controlDir   = app.Flag("control.dir", "Base directory of the gpusched control surface.").Default("/var/lib/gpusched").String()
		command      = app.Arg("command", "Shell-word-split command to run.").Required().String()
		priority     = app.Flag("priority", "Scheduling priority; lower values run first.").Default("10").Int()
		requiredGpus = app.Flag("gpus", "Number of GPUs required.").Default("1").Int()
		exclusive    = app.Flag("exclusive", "Require exclusive use of each assigned GPU.").Default("true").Bool()
		preemptible  = app.Flag("preemptible", "Allow this job to be preempted.").Default("true").Bool()
		maxRuntime   = app.Flag("max-runtime", "Maximum runtime in seconds before the watchdog kills the job (0 = unbounded).").Int64()
	)

	app.Version(version.Print(filepath.Base(os.Args[0])))
	app.HelpFlag.Short('h')

	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "gpuschedsubmit:", err)
		os.Exit(1)
	}

	req := job.Request{
		Command:           *command,
		Priority:          priority,
		RequiredGpus:      requiredGpus,
		Exclusive:         exclusive,
		Preemptible:       preemptible,
		MaxRuntimeSeconds: *maxRuntime,
	}

	data, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gpuschedsubmit: failed to encode request:", err)
		os.Exit(1)
	}

	id := uuid.NewString()
	path := filepath.Join(*controlDir, "inbox", id+".json")

	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "gpuschedsubmit: failed to write inbox file:", err)
		os.Exit(1)
	}

	fmt.Println(id)
}
