package lock

import (
	"os"
	"syscall"
)

// ProcessAlive checks whether a process with the given PID is running on
// this host.
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without sending a real signal.
	return proc.Signal(syscall.Signal(0)) == nil
}
