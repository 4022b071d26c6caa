//go:build unix

package engine

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcessGroup puts the engine in its own process group so that a
// timeout also stops any helpers the engine spawned.
func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			return err
		}
		go func() {
			time.Sleep(grace)
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
		return nil
	}
	cmd.WaitDelay = grace + time.Second
}
