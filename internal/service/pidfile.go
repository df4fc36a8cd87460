package service

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// AcquirePidFile claims the relay PID file. A file holding a live PID means
// another relay owns this root and startup is refused; a stale file is
// removed and replaced.
func AcquirePidFile(path string) error {
	data, err := os.ReadFile(path)
	if err == nil {
		pid, parseErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if parseErr == nil && pidAlive(pid) {
			return fmt.Errorf("relay already running with pid %d (%s)", pid, path)
		}
		if removeErr := os.Remove(path); removeErr != nil {
			return fmt.Errorf("remove stale pid file: %w", removeErr)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read pid file: %w", err)
	}

	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// ReleasePidFile removes the PID file if it still holds our PID.
func ReleasePidFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid == os.Getpid() {
		os.Remove(path)
	}
}

// pidAlive probes the process with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
