// Package control implements the file-based Control Surface: the
// inbox/control/state directory sweep that lets external callers submit,
// cancel, and observe jobs without a wire protocol.
package control

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/gpusched/gpusched/pkg/job"
)

// Dirs names the three directories the Control Surface manages, rooted
// under a single base directory.
type Dirs struct {
	Inbox   string
	Control string
	State   string
}

// NewDirs derives the standard inbox/control/state layout under base.
func NewDirs(base string) Dirs {
	return Dirs{
		Inbox:   filepath.Join(base, "inbox"),
		Control: filepath.Join(base, "control"),
		State:   filepath.Join(base, "state"),
	}
}

// EnsureDirs creates all three directories if absent.
func (d Dirs) EnsureDirs() error {
	for _, dir := range []string{d.Inbox, d.Control, d.State} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("control: create %s: %w", dir, err)
		}
	}

	return nil
}

// Surface drives one sweep cycle of the control directories against a
// Core-shaped submit/cancel interface.
type Surface struct {
	dirs   Dirs
	logger *slog.Logger
	submit func(*job.Job)
	cancel func(id string) bool
}

// New constructs a Surface. submit and cancel are normally
// scheduler.Core.SubmitJob and scheduler.Core.CancelJob — kept as plain
// funcs here so this package does not import scheduler.
func New(dirs Dirs, logger *slog.Logger, submit func(*job.Job), cancel func(id string) bool) *Surface {
	if logger == nil {
		logger = slog.Default()
	}

	return &Surface{dirs: dirs, logger: logger, submit: submit, cancel: cancel}
}

// cancelRequest is the shape of a control/cancel_{jobId}.json file.
type cancelRequest struct {
	JobID string `json:"jobId"`
}

// SweepInbox reads every {uuid}.json file in the inbox directory, submits
// it, and unlinks it on success. Parse failures are logged and the file
// is left in place for inspection.
func (s *Surface) SweepInbox() {
	entries, err := os.ReadDir(s.dirs.Inbox)
	if err != nil {
		s.logger.Error("control: failed to list inbox", "err", err)

		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(s.dirs.Inbox, entry.Name())
		s.processSubmission(path)
	}
}

func (s *Surface) processSubmission(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Error("control: failed to read inbox file", "path", path, "err", err)

		return
	}

	var req job.Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Error("control: failed to parse inbox file, leaving in place", "path", path, "err", err)

		return
	}

	if req.Command == "" {
		s.logger.Error("control: inbox file missing required command field, leaving in place", "path", path)

		return
	}

	j := job.New(uuid.NewString(), req)
	s.submit(j)

	if err := os.Remove(path); err != nil {
		s.logger.Error("control: failed to unlink processed inbox file", "path", path, "err", err)
	}
}

// SweepControl reads every cancel_{jobId}.json file in the control
// directory, cancels the named job, and unlinks it.
func (s *Surface) SweepControl() {
	entries, err := os.ReadDir(s.dirs.Control)
	if err != nil {
		s.logger.Error("control: failed to list control dir", "err", err)

		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "cancel_") || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(s.dirs.Control, entry.Name())
		s.processCancel(path)
	}
}

func (s *Surface) processCancel(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Error("control: failed to read control file", "path", path, "err", err)

		return
	}

	var req cancelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Error("control: failed to parse control file, leaving in place", "path", path, "err", err)

		return
	}

	if req.JobID != "" {
		s.cancel(req.JobID)
	}

	if err := os.Remove(path); err != nil {
		s.logger.Error("control: failed to unlink processed control file", "path", path, "err", err)
	}
}

// snapshot is the shape of state/snapshot.json.
type snapshot struct {
	Queued  []*job.Job `json:"queued"`
	Running []*job.Job `json:"running"`
}

// WriteSnapshot atomically overwrites state/snapshot.json: it writes to a
// temp file in the same directory and renames over the target, so readers
// never observe a partially written file.
func (s *Surface) WriteSnapshot(queued, running []*job.Job) error {
	data, err := json.Marshal(snapshot{Queued: queued, Running: running})
	if err != nil {
		return fmt.Errorf("control: marshal snapshot: %w", err)
	}

	target := filepath.Join(s.dirs.State, "snapshot.json")

	tmp, err := os.CreateTemp(s.dirs.State, ".snapshot-*.json.tmp")
	if err != nil {
		return fmt.Errorf("control: create temp snapshot file: %w", err)
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("control: write temp snapshot file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("control: close temp snapshot file: %w", err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("control: rename temp snapshot file: %w", err)
	}

	return nil
}
