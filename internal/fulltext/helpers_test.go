package fulltext

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackzampolin/fulltext/internal/engine"
	"github.com/jackzampolin/fulltext/internal/fetch"
	"github.com/jackzampolin/fulltext/internal/lock"
	"github.com/jackzampolin/fulltext/internal/mets"
	"github.com/jackzampolin/fulltext/internal/testutil"
)

const (
	testEngine = "tesseract-basic"
	testURN    = "urn:nbn:de:bsz:180-digosi-30"
)

// fakeDoc is an in-memory Document.
type fakeDoc struct {
	locator string
	id      string
	urn     string
	pages   []map[string]FileRef
}

func (d *fakeDoc) Locator() string    { return d.locator }
func (d *fakeDoc) TopLevelID() string { return d.id }
func (d *fakeDoc) URN() string        { return d.urn }
func (d *fakeDoc) NumPages() int      { return len(d.pages) }

func (d *fakeDoc) PageFiles(n int) map[string]FileRef {
	if n < 1 || n > len(d.pages) {
		return nil
	}
	return d.pages[n-1]
}

func (d *fakeDoc) OpenMetadata(context.Context) (io.ReadCloser, error) {
	return nil, errors.New("no metadata")
}

type metsOptions = testutil.METSOptions

func writeScript(t *testing.T, body string) string {
	return testutil.WriteScript(t, body)
}

type testEnv struct {
	gen      *Generator
	resolver *Resolver
	locks    *lock.Dir
	doc      *mets.Document
}

// newTestEnv wires a Generator around a shell engine and a METS document
// with local images.
func newTestEnv(t *testing.T, script string, mopts metsOptions, configure ...func(*Options)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	if mopts.Pages == 0 {
		mopts.Pages = 1
	}

	dl := fetch.New(fetch.Options{RetryDelay: time.Millisecond})
	doc, err := mets.NewLoader(dl, nil).Load(context.Background(), testutil.WriteMETS(t, dir, mopts))
	if err != nil {
		t.Fatalf("failed to load METS: %v", err)
	}

	catalog, err := engine.NewCatalog(engine.Engine{ID: testEngine, Command: script})
	if err != nil {
		t.Fatal(err)
	}
	resolver, err := NewResolver(ResolverOptions{
		StorageRoot:   filepath.Join(dir, "fulltext"),
		TempOutputDir: filepath.Join(dir, "tmp", "output"),
		TempImagesDir: filepath.Join(dir, "tmp", "images"),
		PublicBaseURL: "http://localhost/fulltext",
	})
	if err != nil {
		t.Fatal(err)
	}
	locks, err := lock.New(lock.Options{Path: filepath.Join(dir, "tmp", "locks"), Ceiling: 2, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	runner, err := NewRunner(RunnerOptions{
		Executor:   &engine.ExecExecutor{KillGrace: 100 * time.Millisecond},
		Downloader: dl,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	opts := Options{
		Catalog:         catalog,
		Resolver:        resolver,
		Locks:           locks,
		Runner:          runner,
		Patcher:         mets.NewPatcher(mets.PatcherOptions{LockPoll: 10 * time.Millisecond}),
		PlaceholderText: "Full text is being generated...",
		PreDownload:     true,
	}
	for _, c := range configure {
		c(&opts)
	}
	gen, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &testEnv{gen: gen, resolver: resolver, locks: locks, doc: doc}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func assertMissing(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected %s to be absent, stat error: %v", path, err)
	}
}

func assertNoLocks(t *testing.T, d *lock.Dir) {
	t.Helper()
	entries, err := os.ReadDir(d.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected empty lock directory, found %v", names)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
