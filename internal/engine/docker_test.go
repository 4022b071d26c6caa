package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackzampolin/fulltext/internal/testutil"
)

const testImage = "busybox:1.36"

func newTestDockerExecutor(t *testing.T) (*DockerExecutor, func() int) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping docker test in short mode")
	}
	cli := testutil.RequireDocker(t)

	x, err := NewDockerExecutor(DockerConfig{Labels: testutil.ContainerLabels(t)})
	if err != nil {
		t.Fatalf("NewDockerExecutor failed: %v", err)
	}
	t.Cleanup(func() { x.Close() })
	return x, func() int { return testutil.CountContainers(t, cli) }
}

func TestDockerExecutor_Run(t *testing.T) {
	x, count := newTestDockerExecutor(t)

	in := filepath.Join(t.TempDir(), "log1_1-abcd.jpg")
	if err := os.WriteFile(in, []byte("JPEG"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "log1_1-abcd.xml")

	e := Engine{
		ID:      "busybox",
		Command: "sh",
		Args:    []string{"-c", `cat "$0" > "$1"; echo "page $2 $3"`},
		Image:   testImage,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	res, err := x.Execute(ctx, Invocation{Engine: e, Image: in, Output: out, PageID: "log1_1", PageNum: 1})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d (stderr %q)", res.ExitCode, res.Stderr)
	}
	if strings.TrimSpace(string(res.Stdout)) != "page log1_1 1" {
		t.Errorf("unexpected stdout %q", res.Stdout)
	}
	data, err := os.ReadFile(out)
	if err != nil || string(data) != "JPEG" {
		t.Errorf("output not written through the bind mount: %q %v", data, err)
	}
	if n := count(); n != 0 {
		t.Errorf("expected container to be removed, %d left", n)
	}
}

func TestDockerExecutor_Timeout(t *testing.T) {
	x, count := newTestDockerExecutor(t)

	// Pull outside the deadline under test.
	if err := x.ensureImage(context.Background(), testImage); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	out := filepath.Join(t.TempDir(), "out.xml")
	e := Engine{ID: "sleeper", Command: "sh", Args: []string{"-c", "sleep 300"}, Image: testImage}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := x.Execute(ctx, Invocation{Engine: e, Image: "https://example.org/img.jpg", Output: out, PageID: "p", PageNum: 1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if n := count(); n != 0 {
		t.Errorf("expected killed container to be removed, %d left", n)
	}
}

func TestDockerExecutor_PullDeadline(t *testing.T) {
	// A daemon that never answers stands in for a slow image pull.
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer daemon.Close()
	t.Setenv("DOCKER_HOST", "tcp://"+daemon.Listener.Addr().String())

	x, err := NewDockerExecutor(DockerConfig{})
	if err != nil {
		t.Fatalf("NewDockerExecutor failed: %v", err)
	}
	defer x.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = x.Execute(ctx, Invocation{
		Engine: Engine{ID: "slow", Command: "ocr", Image: "example.org/slow-engine:1"},
		Image:  filepath.Join(t.TempDir(), "in.jpg"),
		Output: filepath.Join(t.TempDir(), "out.xml"),
	})
	if errors.Is(err, ErrStart) {
		t.Fatalf("a pull cut off by the deadline must not be a start failure: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
