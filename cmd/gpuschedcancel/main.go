// Command gpuschedcancel writes a cancel request file into the running
// daemon's control directory, per the file-based control surface contract.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/version"
)

type cancelRequest struct {
	JobID string `json:"jobId"`
}

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Cancel a job running under the gpusched daemon.")

	var (
		controlDir = app.Flag("control.dir", "Base directory of the gpusched control surface.").Default("/var/lib/gpusched").String()
		jobID      = app.Arg("job-id", "ID of the job to cancel.").Required().String()
	)

	app.Version(version.Print(filepath.Base(os.Args[0])))
	app.HelpFlag.Short('h')

	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "gpuschedcancel:", err)
		os.Exit(1)
	}

	data, err := json.Marshal(cancelRequest{JobID: *jobID})
	if err != nil {
		fmt.Fprintln(os.Stderr, "gpuschedcancel: failed to encode request:", err)
		os.Exit(1)
	}

	path := filepath.Join(*controlDir, "control", "cancel_"+*jobID+".json")

	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "gpuschedcancel: failed to write control file:", err)
		os.Exit(1)
	}
}
