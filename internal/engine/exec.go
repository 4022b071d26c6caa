package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// ExecExecutor runs engines as local child processes.
type ExecExecutor struct {
	// Dir is the working directory of the engine; empty means inherit.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
	// KillGrace is how long the process group gets after SIGTERM before it
	// is killed outright.
	KillGrace time.Duration
	Logger    *slog.Logger
}

// Execute implements Executor.
func (x *ExecExecutor) Execute(ctx context.Context, inv Invocation) (Result, error) {
	logger := x.Logger
	if logger == nil {
		logger = slog.Default()
	}
	argv := inv.Engine.Argv(inv.Image, inv.Output, inv.PageID, inv.PageNum)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = x.Dir
	if len(x.Env) > 0 {
		cmd.Env = append(cmd.Environ(), x.Env...)
	}
	var stdout, stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	grace := x.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	configureProcessGroup(cmd, grace)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%w: %s: %v", ErrStart, argv[0], err)
	}
	logger.Debug("engine started", "engine", inv.Engine.ID, "page", inv.PageNum, "pid", cmd.Process.Pid)

	err := cmd.Wait()
	res := Result{ExitCode: cmd.ProcessState.ExitCode(), Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	logger.Debug("engine exited",
		"engine", inv.Engine.ID,
		"page", inv.PageNum,
		"exit_code", res.ExitCode,
		"duration", time.Since(start))

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return res, fmt.Errorf("wait for engine: %w", err)
	}
	return res, nil
}
