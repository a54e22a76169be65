package util

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// StartBackgroundProcess starts a detached background process.
// The process will continue running after the parent exits.
func StartBackgroundProcess(executable string, args []string, env []string) (*os.Process, error) {
	cmd := exec.Command(executable, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if env != nil {
		cmd.Env = env
	} else {
		cmd.Env = os.Environ()
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return cmd.Process, nil
}

// StopProcess attempts graceful shutdown, then force kills if needed.
// The gracefulStop function should request the process to stop (e.g., via
// the control socket). The isRunning function should check if the process
// is still running.
func StopProcess(pid int, gracefulTimeout time.Duration, gracefulStop func() error, isRunning func() bool) error {
	if gracefulTimeout == 0 {
		gracefulTimeout = 10 * time.Second
	}

	if gracefulStop != nil {
		// Force kill below if the graceful request fails.
		_ = gracefulStop()
	}

	if WaitWithDeadline(time.Now().Add(gracefulTimeout), 100*time.Millisecond, func() bool { return !isRunning() }) {
		return nil
	}

	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Signal(syscall.SIGKILL)
	}

	time.Sleep(500 * time.Millisecond)

	if isRunning() {
		return fmt.Errorf("failed to stop process (PID %d)", pid)
	}

	return nil
}

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, sending signal 0 checks if process exists
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// GetExecutablePath returns the path to the current executable.
func GetExecutablePath() (string, error) {
	return os.Executable()
}
