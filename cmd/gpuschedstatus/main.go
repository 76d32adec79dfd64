// Command gpuschedstatus renders the gpusched daemon's current queued and
// running jobs as a table, reading either the state directory's snapshot
// file or the daemon's /status.json endpoint.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/common/version"

	"github.com/gpusched/gpusched/pkg/job"
)

type snapshot struct {
	Queued  []*job.Job `json:"queued"`
	Running []*job.Job `json:"running"`
}

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Show the current queued and running gpusched jobs.")

	var (
		controlDir = app.Flag("control.dir", "Base directory of the gpusched control surface.").Default("/var/lib/gpusched").String()
		statusURL  = app.Flag("status.url", "If set, fetch the snapshot from this /status.json URL instead of the local state file.").String()
	)

	app.Version(version.Print(filepath.Base(os.Args[0])))
	app.HelpFlag.Short('h')

	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "gpuschedstatus:", err)
		os.Exit(1)
	}

	snap, err := loadSnapshot(*controlDir, *statusURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gpuschedstatus:", err)
		os.Exit(1)
	}

	render(snap)
}

func loadSnapshot(controlDir, statusURL string) (snapshot, error) {
	var data []byte

	if statusURL != "" {
		client := &http.Client{Timeout: 5 * time.Second}

		resp, err := client.Get(statusURL)
		if err != nil {
			return snapshot{}, fmt.Errorf("failed to fetch %s: %w", statusURL, err)
		}
		defer resp.Body.Close()

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return snapshot{}, fmt.Errorf("failed to read response body: %w", err)
		}
	} else {
		path := filepath.Join(controlDir, "state", "snapshot.json")

		var err error

		data, err = os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return snapshot{}, nil
		}

		if err != nil {
			return snapshot{}, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return snapshot{}, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	return snap, nil
}

func render(snap snapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SuppressEmptyColumns()
	t.AppendHeader(table.Row{"ID", "Status", "Command", "GPU", "Priority", "Pid"})

	for _, j := range snap.Running {
		t.AppendRow(table.Row{j.ID, j.Status, j.Command, j.AssignedGpu, j.Priority, j.Pid})
	}

	for _, j := range snap.Queued {
		t.AppendRow(table.Row{j.ID, j.Status, j.Command, "-", j.Priority, "-"})
	}

	t.Render()

	fmt.Printf("\n%d running, %d queued\n", len(snap.Running), len(snap.Queued))
}
