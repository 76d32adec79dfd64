package supervisor

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnAndPollExit(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	pid, err := s.Spawn("job1", "sh -c 'exit 3'", 0)
	require.NoError(t, err)
	assert.Positive(t, pid)

	require.Eventually(t, func() bool {
		_, exited, _ := s.Poll(pid)

		return exited
	}, 2*time.Second, 10*time.Millisecond)

	code, exited, tracked := s.Poll(pid)
	assert.True(t, tracked)
	assert.True(t, exited)
	assert.Equal(t, 3, code)
}

func TestSpawnWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	pid, err := s.Spawn("job2", "echo hello-from-job", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, exited, _ := s.Poll(pid)

		return exited
	}, 2*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dir, "job2.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello-from-job")
}

func TestTerminateSIGTERM(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	pid, err := s.Spawn("job3", "sleep 30", 0)
	require.NoError(t, err)

	_, ok := s.Terminate(pid, 2*time.Second)
	assert.True(t, ok)

	assert.False(t, s.tracked(pid))
}

func TestTerminateEscalatesToSIGKILL(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	// trap SIGTERM so the process ignores it and forces SIGKILL escalation
	pid, err := s.Spawn("job4", "sh -c 'trap \"\" TERM; sleep 30'", 0)
	require.NoError(t, err)

	start := time.Now()
	_, ok := s.Terminate(pid, 300*time.Millisecond)
	elapsed := time.Since(start)

	assert.True(t, ok)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestPauseResume(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	pid, err := s.Spawn("job5", "sleep 5", 0)
	require.NoError(t, err)
	defer s.Terminate(pid, time.Second)

	require.NoError(t, s.Pause(pid))
	require.NoError(t, s.Resume(pid))
}

func TestSendSignalRejectsUntrackedPid(t *testing.T) {
	s := New(t.TempDir(), nil)
	err := s.SendSignal(999999, syscall.SIGTERM)
	assert.Error(t, err)
}

func TestReadJobLogTail(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job6.log"), []byte("0123456789"), 0o644))

	s := New(dir, nil)
	tail, err := s.ReadJobLogTail("job6", 4)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(tail))
}

func TestCUDAVisibleDevicesInjected(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	pid, err := s.Spawn("job7", "sh -c 'echo $CUDA_VISIBLE_DEVICES'", 2)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, exited, _ := s.Poll(pid)

		return exited
	}, 2*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dir, "job7.log"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(data[:1]))
}
