package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/jackzampolin/fulltext/internal/fetch"
)

const (
	// Label marks containers started for engine runs.
	Label = "fulltext-engine"

	containerInputDir  = "/work/in"
	containerOutputDir = "/work/out"
)

// DockerConfig holds configuration for the Docker executor.
type DockerConfig struct {
	// Labels are added to every container (used for test cleanup).
	Labels map[string]string
	// Network is the container network mode; empty disables networking
	// unless the image has to be fetched by the engine itself.
	Network string
	Logger  *slog.Logger
}

// DockerExecutor runs containerized engines in throw-away containers. The
// directories holding the input image and the output file are bind-mounted.
type DockerExecutor struct {
	cli     *client.Client
	labels  map[string]string
	network string
	logger  *slog.Logger
}

// NewDockerExecutor creates a Docker client from the environment.
func NewDockerExecutor(cfg DockerConfig) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	labels := map[string]string{Label: "true"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &DockerExecutor{
		cli:     cli,
		labels:  labels,
		network: cfg.Network,
		logger:  logger.With("component", "docker_executor"),
	}, nil
}

// Close closes the Docker client.
func (d *DockerExecutor) Close() error {
	return d.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (d *DockerExecutor) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker is not running: %w", err)
	}
	return nil
}

// Execute implements Executor.
func (d *DockerExecutor) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if err := d.ensureImage(ctx, inv.Engine.Image); err != nil {
		if ctx.Err() != nil {
			return Result{ExitCode: -1}, fmt.Errorf("pull image %s: %w", inv.Engine.Image, ctx.Err())
		}
		return Result{ExitCode: -1}, fmt.Errorf("%w: %v", ErrStart, err)
	}

	outDir, err := filepath.Abs(filepath.Dir(inv.Output))
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%w: %v", ErrStart, err)
	}
	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: outDir,
		Target: containerOutputDir,
	}}
	imageArg := inv.Image
	network := d.network
	if fetch.IsRemote(inv.Image) {
		if network == "" {
			network = "bridge"
		}
	} else {
		inDir, err := filepath.Abs(filepath.Dir(inv.Image))
		if err != nil {
			return Result{ExitCode: -1}, fmt.Errorf("%w: %v", ErrStart, err)
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   inDir,
			Target:   containerInputDir,
			ReadOnly: true,
		})
		imageArg = path.Join(containerInputDir, filepath.Base(inv.Image))
	}
	if network == "" {
		network = "none"
	}

	argv := inv.Engine.Argv(imageArg, path.Join(containerOutputDir, filepath.Base(inv.Output)), inv.PageID, inv.PageNum)

	containerConfig := &container.Config{
		Image:  inv.Engine.Image,
		Cmd:    argv,
		Labels: d.labels,
		// Output files must belong to the service user, not root.
		User: strconv.Itoa(os.Getuid()) + ":" + strconv.Itoa(os.Getgid()),
	}
	hostConfig := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(network),
	}

	name := "fulltext-" + inv.Engine.ID + "-" + uuid.NewString()[:8]
	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%w: failed to create container: %v", ErrStart, err)
	}
	// Cleanup must survive the run's deadline.
	defer d.remove(resp.ID)

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%w: failed to start container: %v", ErrStart, err)
	}
	d.logger.Debug("engine container started", "engine", inv.Engine.ID, "page", inv.PageNum, "container", name)

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	res := Result{ExitCode: -1}
	select {
	case st := <-statusCh:
		res.ExitCode = int(st.StatusCode)
	case err := <-errCh:
		if ctxErr := ctx.Err(); ctxErr != nil {
			d.kill(resp.ID)
			res.Stdout, res.Stderr = d.logs(resp.ID)
			return res, ctxErr
		}
		return res, fmt.Errorf("failed to wait for container: %w", err)
	case <-ctx.Done():
		d.kill(resp.ID)
		res.Stdout, res.Stderr = d.logs(resp.ID)
		return res, ctx.Err()
	}

	res.Stdout, res.Stderr = d.logs(resp.ID)
	return res, nil
}

func (d *DockerExecutor) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.cli.ContainerKill(ctx, id, "KILL"); err != nil {
		d.logger.Warn("failed to kill container", "container", id, "error", err)
	}
}

func (d *DockerExecutor) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		d.logger.Warn("failed to remove container", "container", id, "error", err)
	}
}

// logs returns the container's demultiplexed stdout and stderr.
func (d *DockerExecutor) logs(id string) ([]byte, []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		d.logger.Debug("failed to get logs", "container", id, "error", err)
		return nil, nil
	}
	defer rc.Close()

	var stdout, stderr limitedBuffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil && !errors.Is(err, io.EOF) {
		d.logger.Debug("failed to read logs", "container", id, "error", err)
	}
	return stdout.Bytes(), stderr.Bytes()
}

// ensureImage pulls the engine image if not present.
func (d *DockerExecutor) ensureImage(ctx context.Context, name string) error {
	_, err := d.cli.ImageInspect(ctx, name)
	if err == nil {
		return nil
	}

	d.logger.Info("pulling engine image", "image", name)
	reader, err := d.cli.ImagePull(ctx, name, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// Drain reader to complete pull
	_, err = io.Copy(io.Discard, reader)
	return err
}
