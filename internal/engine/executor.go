package engine

import (
	"bytes"
	"context"
	"errors"
)

// ErrStart is returned when the engine program could not be started.
var ErrStart = errors.New("engine failed to start")

// outputLimit caps how much of each output stream is kept for diagnostics.
const outputLimit = 64 * 1024

// Invocation is one engine run for one page.
type Invocation struct {
	Engine  Engine
	Image   string
	Output  string
	PageID  string
	PageNum int
}

// Result is what a finished engine run reported.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Executor runs an engine. A run that exits is reported through Result
// whatever its exit code; the error is reserved for runs that could not be
// started or were cut short by ctx.
type Executor interface {
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// Dispatch sends containerized engines to Container and everything else to
// Local.
type Dispatch struct {
	Local     Executor
	Container Executor
}

// Execute implements Executor.
func (d Dispatch) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if inv.Engine.Containerized() {
		if d.Container == nil {
			return Result{}, errors.Join(ErrStart, errors.New("engine requires a container runtime"))
		}
		return d.Container.Execute(ctx, inv)
	}
	if d.Local == nil {
		return Result{}, errors.Join(ErrStart, errors.New("no local executor configured"))
	}
	return d.Local.Execute(ctx, inv)
}

// limitedBuffer keeps the first outputLimit bytes written to it and
// silently drops the rest.
type limitedBuffer struct {
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := outputLimit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte { return b.buf.Bytes() }
