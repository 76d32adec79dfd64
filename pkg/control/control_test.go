package control

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpusched/gpusched/pkg/job"
)

func newTestSurface(t *testing.T) (*Surface, *[]*job.Job, *[]string) {
	t.Helper()

	dirs := NewDirs(t.TempDir())
	require.NoError(t, dirs.EnsureDirs())

	var submitted []*job.Job
	var cancelled []string

	s := New(dirs, nil,
		func(j *job.Job) { submitted = append(submitted, j) },
		func(id string) bool { cancelled = append(cancelled, id); return true },
	)

	return s, &submitted, &cancelled
}

func TestSweepInboxSubmitsAndUnlinks(t *testing.T) {
	s, submitted, _ := newTestSurface(t)

	reqData, err := json.Marshal(job.Request{Command: "echo hi"})
	require.NoError(t, err)

	path := filepath.Join(s.dirs.Inbox, "abc.json")
	require.NoError(t, os.WriteFile(path, reqData, 0o644))

	s.SweepInbox()

	require.Len(t, *submitted, 1)
	assert.Equal(t, "echo hi", (*submitted)[0].Command)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "processed inbox file must be unlinked")
}

func TestSweepInboxLeavesMalformedFile(t *testing.T) {
	s, submitted, _ := newTestSurface(t)

	path := filepath.Join(s.dirs.Inbox, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s.SweepInbox()

	assert.Empty(t, *submitted)

	_, err := os.Stat(path)
	assert.NoError(t, err, "malformed inbox file must be left in place")
}

func TestSweepInboxLeavesFileMissingCommand(t *testing.T) {
	s, submitted, _ := newTestSurface(t)

	path := filepath.Join(s.dirs.Inbox, "nocommand.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"priority": 5}`), 0o644))

	s.SweepInbox()

	assert.Empty(t, *submitted)

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestSweepControlCancelsAndUnlinks(t *testing.T) {
	s, _, cancelled := newTestSurface(t)

	path := filepath.Join(s.dirs.Control, "cancel_job-1.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"jobId": "job-1"}`), 0o644))

	s.SweepControl()

	require.Len(t, *cancelled, 1)
	assert.Equal(t, "job-1", (*cancelled)[0])

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSweepControlIgnoresUnrelatedFiles(t *testing.T) {
	s, _, cancelled := newTestSurface(t)

	path := filepath.Join(s.dirs.Control, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	s.SweepControl()

	assert.Empty(t, *cancelled)

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestWriteSnapshotIsAtomicAndReadable(t *testing.T) {
	s, _, _ := newTestSurface(t)

	j := job.New("j1", job.Request{Command: "echo hi"})
	require.NoError(t, s.WriteSnapshot([]*job.Job{j}, nil))

	data, err := os.ReadFile(filepath.Join(s.dirs.State, "snapshot.json"))
	require.NoError(t, err)

	var snap snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Len(t, snap.Queued, 1)
	assert.Equal(t, "j1", snap.Queued[0].ID)
	assert.Empty(t, snap.Running)

	// No leftover temp files.
	entries, err := os.ReadDir(s.dirs.State)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
