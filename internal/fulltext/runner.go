package fulltext

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackzampolin/fulltext/internal/alto"
	"github.com/jackzampolin/fulltext/internal/engine"
	"github.com/jackzampolin/fulltext/internal/fetch"
	"github.com/jackzampolin/fulltext/internal/metrics"
)

// DefaultJobTimeout bounds a single engine run.
const DefaultJobTimeout = 5 * time.Minute

// diagnosticLimit caps how much engine output is copied into a JobError.
const diagnosticLimit = 4096

// Downloader fetches page images ahead of an engine run.
type Downloader interface {
	Download(ctx context.Context, locator, dst string) (int64, error)
}

// Job is one OCR run for one page.
type Job struct {
	Engine       engine.Engine
	Page         int
	PageID       string
	ImageLocator string

	// ArtifactPath receives the engine output on success.
	ArtifactPath string
	// WorkPath is the engine's output file and the page's in-progress marker.
	WorkPath string
	// ImagePath, if set, is where a remote image is downloaded before the run.
	ImagePath string
	// Placeholder is set when ArtifactPath currently holds a placeholder.
	Placeholder bool
}

// JobError describes a failed run.
type JobError struct {
	// Kind is one of ErrTimeout, ErrNonZeroExit, ErrNoOutput, ErrEngineStart
	// or ErrDownload.
	Kind     error
	Engine   string
	Page     int
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *JobError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "page %d with engine %s: %v", e.Page, e.Engine, e.Kind)
	if e.Kind == ErrNonZeroExit || e.Kind == ErrTimeout {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", lastLine(s))
	}
	return b.String()
}

func (e *JobError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Executor   engine.Executor
	Downloader Downloader
	Timeout    time.Duration
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Runner executes jobs and moves their output into place.
type Runner struct {
	executor   engine.Executor
	downloader Downloader
	timeout    time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultJobTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		executor:   opts.Executor,
		downloader: opts.Downloader,
		timeout:    opts.Timeout,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("component", "runner"),
	}, nil
}

// Run executes job. The run is bounded by the runner's timeout only: once
// started it is not cut short when ctx is canceled.
//
// On failure the working files are removed and a placeholder at the artifact
// path is deleted. The error is always a *JobError.
func (r *Runner) Run(ctx context.Context, job Job) (err error) {
	start := time.Now()
	logger := r.logger.With("engine", job.Engine.ID, "page", job.Page, "page_id", job.PageID)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	downloaded := ""
	defer func() {
		_ = os.Remove(job.WorkPath)
		_ = os.Remove(job.WorkPath + ".xml")
		if downloaded != "" {
			_ = os.Remove(downloaded)
		}
		if err != nil && job.Placeholder {
			removePlaceholder(job.ArtifactPath, logger)
		}

		outcome := "generated"
		var jerr *JobError
		if errors.As(err, &jerr) {
			outcome = outcomeLabel(jerr.Kind)
		}
		r.metrics.RecordJob(job.Engine.ID, outcome, time.Since(start))
	}()

	if err := os.MkdirAll(filepath.Dir(job.WorkPath), 0o755); err != nil {
		return r.fail(job, ErrEngineStart, engine.Result{ExitCode: -1}, fmt.Errorf("create working directory: %w", err))
	}
	if err := os.WriteFile(job.WorkPath, nil, 0o644); err != nil {
		return r.fail(job, ErrEngineStart, engine.Result{ExitCode: -1}, fmt.Errorf("create working file: %w", err))
	}

	image := job.ImageLocator
	if job.ImagePath != "" && r.downloader != nil && fetch.IsRemote(image) {
		n, derr := r.downloader.Download(runCtx, image, job.ImagePath)
		if derr != nil {
			if runCtx.Err() != nil {
				return r.fail(job, ErrTimeout, engine.Result{ExitCode: TimeoutExitCode}, derr)
			}
			return r.fail(job, ErrDownload, engine.Result{ExitCode: -1}, derr)
		}
		downloaded = job.ImagePath
		image = job.ImagePath
		r.metrics.RecordDownload(n)
		logger.Debug("image downloaded", "bytes", n)
	}

	logger.Info("running OCR engine", "image", image)
	res, xerr := r.executor.Execute(runCtx, engine.Invocation{
		Engine:  job.Engine,
		Image:   image,
		Output:  job.WorkPath,
		PageID:  job.PageID,
		PageNum: job.Page,
	})
	switch {
	case xerr != nil && errors.Is(xerr, engine.ErrStart):
		return r.fail(job, ErrEngineStart, res, xerr)
	case xerr != nil && runCtx.Err() != nil:
		res.ExitCode = TimeoutExitCode
		return r.fail(job, ErrTimeout, res, xerr)
	case xerr != nil:
		return r.fail(job, ErrNonZeroExit, res, xerr)
	case res.ExitCode == TimeoutExitCode:
		return r.fail(job, ErrTimeout, res, nil)
	case res.ExitCode != 0:
		return r.fail(job, ErrNonZeroExit, res, nil)
	}

	output, ok := findOutput(job.WorkPath)
	if !ok {
		return r.fail(job, ErrNoOutput, res, nil)
	}
	if err := os.MkdirAll(filepath.Dir(job.ArtifactPath), 0o755); err != nil {
		return r.fail(job, ErrNoOutput, res, fmt.Errorf("create artifact directory: %w", err))
	}
	if err := moveFile(output, job.ArtifactPath); err != nil {
		return r.fail(job, ErrNoOutput, res, fmt.Errorf("move output into place: %w", err))
	}

	logger.Info("OCR finished", "artifact", job.ArtifactPath, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func (r *Runner) fail(job Job, kind error, res engine.Result, cause error) error {
	jerr := &JobError{
		Kind:     kind,
		Engine:   job.Engine.ID,
		Page:     job.Page,
		ExitCode: res.ExitCode,
		Stdout:   truncate(res.Stdout),
		Stderr:   truncate(res.Stderr),
		Err:      cause,
	}
	r.logger.Warn("OCR job failed",
		"engine", job.Engine.ID,
		"page", job.Page,
		"kind", kind,
		"exit_code", res.ExitCode,
		"error", cause,
	)
	return jerr
}

// findOutput returns the engine output. Engines that append their own
// extension, as tesseract does with its output base, write OUTPUT.xml.
func findOutput(work string) (string, bool) {
	for _, p := range []string{work, work + ".xml"} {
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() && fi.Size() > 0 {
			return p, true
		}
	}
	return "", false
}

// moveFile renames src onto dst, copying when they are on different
// filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Remove(src)
}

func removePlaceholder(path string, logger *slog.Logger) {
	ok, err := alto.IsPlaceholder(path)
	if err != nil || !ok {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove placeholder", "path", path, "error", err)
	}
}

func outcomeLabel(kind error) string {
	switch kind {
	case ErrTimeout:
		return "timeout"
	case ErrNonZeroExit:
		return "exit_error"
	case ErrNoOutput:
		return "no_output"
	case ErrEngineStart:
		return "start_error"
	case ErrDownload:
		return "download_error"
	default:
		return "error"
	}
}

func truncate(b []byte) string {
	if len(b) > diagnosticLimit {
		b = b[len(b)-diagnosticLimit:]
	}
	return string(b)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
