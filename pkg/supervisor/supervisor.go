// Package supervisor starts and controls job child processes: spawning
// them into their own session/process group, signaling, pausing,
// resuming, and escalated termination.
package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gpusched/gpusched/internal/wordsplit"
)

// DefaultTerminateTimeout is how long terminate() waits after SIGTERM
// before escalating to SIGKILL.
const DefaultTerminateTimeout = 5 * time.Second

// killGracePeriod is how long terminate() waits after SIGKILL before
// giving up on reaping the process.
const killGracePeriod = 2 * time.Second

// terminatePollInterval is the spacing between liveness polls during
// SIGTERM/SIGKILL escalation.
const terminatePollInterval = 250 * time.Millisecond

// handle is everything the Supervisor tracks about one running child.
type handle struct {
	jobID    string
	process  *os.Process
	logPath  string
	exited   bool
	exitCode int
}

// Supervisor owns the pid → handle and pid → jobID tables described by
// the spec: the sole source of truth for whether a pid is under
// management.
type Supervisor struct {
	logDir string
	logger *slog.Logger

	mu      sync.Mutex
	byPid   map[int]*handle
	pidByID map[string]int
}

// New constructs a Supervisor that writes job logs under logDir.
func New(logDir string, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		logDir:  logDir,
		logger:  logger,
		byPid:   make(map[int]*handle),
		pidByID: make(map[string]int),
	}
}

// Spawn starts command as jobID's child, assigning assignedGpu via
// CUDA_VISIBLE_DEVICES, and returns its pid. The child is placed in its
// own session so that terminate(pid) can signal the whole subtree.
func (s *Supervisor) Spawn(jobID, command string, assignedGpu int) (int, error) {
	if err := os.MkdirAll(s.logDir, 0o750); err != nil {
		return 0, fmt.Errorf("supervisor: ensure log dir: %w", err)
	}

	logPath := filepath.Join(s.logDir, jobID+".log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("supervisor: open job log: %w", err)
	}

	argv, err := wordsplit.Split(command)
	if err != nil {
		logFile.Close()

		return 0, fmt.Errorf("supervisor: parse command: %w", err)
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		logFile.Close()

		return 0, fmt.Errorf("supervisor: resolve executable: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		logFile.Close()

		return 0, fmt.Errorf("supervisor: open /dev/null: %w", err)
	}
	defer devNull.Close()

	env := append(os.Environ(), fmt.Sprintf("CUDA_VISIBLE_DEVICES=%d", assignedGpu))

	attr := &os.ProcAttr{
		Env:   env,
		Files: []*os.File{devNull, logFile, logFile},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}

	process, err := os.StartProcess(path, argv, attr)
	// The parent's descriptor on the log file is no longer needed once
	// the child inherits it.
	logFile.Close()

	if err != nil {
		return 0, fmt.Errorf("supervisor: start process: %w", err)
	}

	s.mu.Lock()
	s.byPid[process.Pid] = &handle{jobID: jobID, process: process, logPath: logPath}
	s.pidByID[jobID] = process.Pid
	s.mu.Unlock()

	return process.Pid, nil
}

// Poll performs a non-blocking check for pid's exit. ok is false if pid
// is not tracked; exited is false if a tracked pid has not exited yet.
func (s *Supervisor) Poll(pid int) (exitCode int, exited bool, ok bool) {
	s.mu.Lock()
	h, tracked := s.byPid[pid]
	s.mu.Unlock()

	if !tracked {
		return 0, false, false
	}

	if h.exited {
		return h.exitCode, true, true
	}

	var status syscall.WaitStatus

	wpid, err := syscall.Wait4(pid, &status, syscall.WNOHANG, nil)
	if err != nil || wpid == 0 {
		return 0, false, true
	}

	code := exitCodeFromStatus(status)

	s.mu.Lock()
	h.exited = true
	h.exitCode = code
	s.mu.Unlock()

	return code, true, true
}

func exitCodeFromStatus(status syscall.WaitStatus) int {
	switch {
	case status.Exited():
		return status.ExitStatus()
	case status.Signaled():
		return 128 + int(status.Signal())
	default:
		return -1
	}
}

// SendSignal delivers sig to pid's process group.
func (s *Supervisor) SendSignal(pid int, sig syscall.Signal) error {
	if !s.tracked(pid) {
		return fmt.Errorf("supervisor: pid %d is not tracked", pid)
	}

	return syscall.Kill(-pid, sig)
}

// Pause sends SIGSTOP to pid's process group.
func (s *Supervisor) Pause(pid int) error {
	return s.SendSignal(pid, syscall.SIGSTOP)
}

// Resume sends SIGCONT to pid's process group.
func (s *Supervisor) Resume(pid int) error {
	return s.SendSignal(pid, syscall.SIGCONT)
}

// SendPreempt sends SIGUSR1 to pid's process group for cooperative
// preemption.
func (s *Supervisor) SendPreempt(pid int) error {
	return s.SendSignal(pid, syscall.SIGUSR1)
}

// Terminate escalates SIGTERM, polling every 250ms up to timeout; if the
// process is still alive, sends SIGKILL and polls for up to 2 more
// seconds. On reap it removes pid from both tables and returns the exit
// code. If the process could not be reaped, ok is false and the pid is
// left tracked as a leaked zombie.
func (s *Supervisor) Terminate(pid int, timeout time.Duration) (exitCode int, ok bool) {
	if timeout <= 0 {
		timeout = DefaultTerminateTimeout
	}

	if code, exited, tracked := s.Poll(pid); tracked && exited {
		s.cleanup(pid)

		return code, true
	}

	_ = s.SendSignal(pid, syscall.SIGTERM)

	if code, ok := s.waitForExit(pid, timeout); ok {
		s.cleanup(pid)

		return code, true
	}

	s.logger.Warn("supervisor: escalating to SIGKILL", "pid", pid)
	_ = s.SendSignal(pid, syscall.SIGKILL)

	if code, ok := s.waitForExit(pid, killGracePeriod); ok {
		s.cleanup(pid)

		return code, true
	}

	s.logger.Error("supervisor: process did not reap after SIGKILL, leaking zombie", "pid", pid)

	return 0, false
}

func (s *Supervisor) waitForExit(pid int, timeout time.Duration) (int, bool) {
	deadline := time.Now().Add(timeout)

	for {
		if code, exited, _ := s.Poll(pid); exited {
			return code, true
		}

		if time.Now().After(deadline) {
			return 0, false
		}

		time.Sleep(terminatePollInterval)
	}
}

func (s *Supervisor) cleanup(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.byPid[pid]; ok {
		delete(s.pidByID, h.jobID)
	}

	delete(s.byPid, pid)
}

func (s *Supervisor) tracked(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.byPid[pid]

	return ok
}

// ReadJobLogTail returns up to maxBytes from the end of jobID's log file.
func (s *Supervisor) ReadJobLogTail(jobID string, maxBytes int64) ([]byte, error) {
	path := filepath.Join(s.logDir, jobID+".log")

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open job log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stat job log: %w", err)
	}

	offset := info.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, fmt.Errorf("supervisor: seek job log: %w", err)
	}

	buf := make([]byte, info.Size()-offset)
	if _, err := f.Read(buf); err != nil {
		return nil, fmt.Errorf("supervisor: read job log: %w", err)
	}

	return buf, nil
}

// LogDir returns the directory this Supervisor writes job logs to, for
// the Security Manager to grant ACL read access on.
func (s *Supervisor) LogDir() string {
	return s.logDir
}
