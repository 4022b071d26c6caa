package fulltext

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackzampolin/fulltext/internal/alto"
	"github.com/jackzampolin/fulltext/internal/engine"
	"github.com/jackzampolin/fulltext/internal/lock"
	"github.com/jackzampolin/fulltext/internal/testutil"
)

func TestEnsurePage_Generates(t *testing.T) {
	env := newTestEnv(t, writeScript(t, `cp "$1" "$2"`), metsOptions{URN: testURN, Pages: 2})
	ctx := context.Background()

	res, err := env.gen.EnsurePage(ctx, env.doc, 1, "", testEngine)
	if err != nil {
		t.Fatalf("EnsurePage failed: %v", err)
	}
	if res.Outcome != OutcomeGenerated {
		t.Fatalf("expected generated, got %s", res.Outcome)
	}

	want := filepath.Join(env.resolver.StorageRoot(), "URN", "nbn", "de", "bsz", "180", "digosi", "30", testEngine, "log59088_1.xml")
	if res.Artifact != want {
		t.Errorf("artifact at %s, want %s", res.Artifact, want)
	}
	if got := readFile(t, want); got != `<alto><Page ID="p1"/></alto>` {
		t.Errorf("unexpected artifact content %q", got)
	}
	if !strings.HasSuffix(res.URL, "/URN/nbn/de/bsz/180/digosi/30/tesseract-basic/log59088_1.xml") {
		t.Errorf("unexpected public URL %s", res.URL)
	}

	meta := readFile(t, env.resolver.MetadataPath(env.doc, testEngine))
	for _, s := range []string{
		`<mets:fileGrp USE="FULLTEXT">`,
		`<mets:file ID="ALTO_log59088_1" MIMETYPE="text/xml"`,
		`SOFTWARE="DFG-Viewer-5-OCR-tesseract-basic"`,
		`xlink:href="` + res.URL + `"`,
		`<mets:fptr FILEID="ALTO_log59088_1"`,
	} {
		if !strings.Contains(meta, s) {
			t.Errorf("METS copy missing %s", s)
		}
	}

	assertNoLocks(t, env.locks)
	assertMissing(t, env.resolver.InProgressPath(env.doc, 1))

	again, err := env.gen.EnsurePage(ctx, env.doc, 1, "", testEngine)
	if err != nil || again.Outcome != OutcomeFinished {
		t.Errorf("expected finished on second call, got %s (%v)", again.Outcome, err)
	}

	// A second page is appended to the same copy.
	if _, err := env.gen.EnsurePage(ctx, env.doc, 2, "", ""); err != nil {
		t.Fatalf("EnsurePage page 2 failed: %v", err)
	}
	meta = readFile(t, env.resolver.MetadataPath(env.doc, testEngine))
	if strings.Count(meta, `<mets:fileGrp USE="FULLTEXT">`) != 1 {
		t.Error("expected a single FULLTEXT group")
	}
	for _, id := range []string{"ALTO_log59088_1", "ALTO_log59088_2"} {
		if strings.Count(meta, `ID="`+id+`"`) != 2 {
			t.Errorf("expected one file and one pointer for %s", id)
		}
	}
}

func TestEnsurePage_BusyWhileRunning(t *testing.T) {
	gate := filepath.Join(t.TempDir(), "gate")
	script := writeScript(t, `while [ ! -f "`+gate+`" ]; do sleep 0.02; done; cp "$1" "$2"`)
	env := newTestEnv(t, script, metsOptions{URN: testURN})
	ctx := context.Background()

	done := make(chan PageResult, 1)
	go func() {
		res, _ := env.gen.EnsurePage(ctx, env.doc, 1, "", testEngine)
		done <- res
	}()

	checker := NewChecker(env.resolver, nil)
	waitFor(t, "job to start", func() bool { return checker.IsInProgress(env.doc, 1) })

	image, err := env.gen.ImageLocator(env.doc, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.locks.TryAcquire(ctx, lock.Key(image), lock.Info{}); !errors.Is(err, lock.ErrBusy) {
		t.Errorf("expected ErrBusy while the job runs, got %v", err)
	}
	if st, _ := env.gen.Status(env.doc, 1, testEngine); st != StatusPlaceholder {
		t.Errorf("expected placeholder status, got %s", st)
	}

	if err := os.WriteFile(gate, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case res := <-done:
		if res.Outcome != OutcomeGenerated {
			t.Errorf("expected generated, got %s (%v)", res.Outcome, res.Err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	if st, _ := env.gen.Status(env.doc, 1, testEngine); st != StatusFinished {
		t.Errorf("expected finished status, got %s", st)
	}
}

func TestEnsurePage_InProgressWithoutPlaceholder(t *testing.T) {
	gate := filepath.Join(t.TempDir(), "gate")
	script := writeScript(t, `while [ ! -f "`+gate+`" ]; do sleep 0.02; done; cp "$1" "$2"`)
	env := newTestEnv(t, script, metsOptions{}, func(o *Options) { o.PlaceholderText = "" })
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.gen.EnsurePage(ctx, env.doc, 1, "", testEngine)
	}()
	defer func() {
		os.WriteFile(gate, nil, 0o644)
		<-done
	}()

	checker := NewChecker(env.resolver, nil)
	waitFor(t, "job to start", func() bool { return checker.IsInProgress(env.doc, 1) })

	res, err := env.gen.EnsurePage(ctx, env.doc, 1, "", testEngine)
	if err != nil || res.Outcome != OutcomeInProgress {
		t.Errorf("expected in_progress, got %s (%v)", res.Outcome, err)
	}
	if st, _ := env.gen.Status(env.doc, 1, testEngine); st != StatusInProgress {
		t.Errorf("expected in_progress status, got %s", st)
	}
}

func TestEnsurePage_LockedImageIsInProgress(t *testing.T) {
	env := newTestEnv(t, writeScript(t, `cp "$1" "$2"`), metsOptions{})
	ctx := context.Background()

	image, _ := env.gen.ImageLocator(env.doc, 1)
	tok, err := env.locks.TryAcquire(ctx, lock.Key(image), lock.Info{})
	if err != nil {
		t.Fatal(err)
	}
	defer env.locks.Release(tok)

	res, err := env.gen.EnsurePage(ctx, env.doc, 1, "", testEngine)
	if err != nil || res.Outcome != OutcomeInProgress {
		t.Errorf("expected in_progress, got %s (%v)", res.Outcome, err)
	}
	assertMissing(t, env.resolver.PageArtifactPath(env.doc, testEngine, 1))
}

func TestEnsurePage_FailureRollsBack(t *testing.T) {
	env := newTestEnv(t, writeScript(t, `echo "engine exploded" >&2; exit 3`), metsOptions{URN: testURN})

	res, err := env.gen.EnsurePage(context.Background(), env.doc, 1, "", testEngine)
	if !errors.Is(err, ErrNonZeroExit) {
		t.Fatalf("expected ErrNonZeroExit, got %v", err)
	}
	if res.Outcome != OutcomeFailed || res.Error == "" {
		t.Errorf("unexpected result %+v", res)
	}
	var jerr *JobError
	if !errors.As(err, &jerr) || jerr.ExitCode != 3 {
		t.Errorf("expected JobError with exit code 3, got %v", err)
	}

	assertMissing(t, env.resolver.PageArtifactPath(env.doc, testEngine, 1))
	assertMissing(t, env.resolver.MetadataPath(env.doc, testEngine))
	assertMissing(t, env.resolver.InProgressPath(env.doc, 1))
	assertNoLocks(t, env.locks)
}

func TestEnsurePage_Remote(t *testing.T) {
	env := newTestEnv(t, writeScript(t, `exit 1`), metsOptions{Pages: 2, RemotePage: 2})

	res, err := env.gen.EnsurePage(context.Background(), env.doc, 2, "", testEngine)
	if err != nil {
		t.Fatalf("EnsurePage failed: %v", err)
	}
	if res.Outcome != OutcomeRemote || res.URL != "https://example.org/fulltext/0002.xml" {
		t.Errorf("unexpected result %+v", res)
	}
	if st, _ := env.gen.Status(env.doc, 2, testEngine); st != StatusRemote {
		t.Errorf("expected remote status, got %s", st)
	}
	if st, _ := env.gen.Status(env.doc, 1, testEngine); st != StatusMissing {
		t.Errorf("expected missing status, got %s", st)
	}
}

func TestEnsurePage_Errors(t *testing.T) {
	env := newTestEnv(t, writeScript(t, `exit 1`), metsOptions{Pages: 2})
	ctx := context.Background()

	if _, err := env.gen.EnsurePage(ctx, env.doc, 1, "", "no-such-engine"); !errors.Is(err, engine.ErrUnknownEngine) {
		t.Errorf("expected ErrUnknownEngine, got %v", err)
	}
	for _, page := range []int{0, 3, -1} {
		if _, err := env.gen.EnsurePage(ctx, env.doc, page, "", testEngine); !errors.Is(err, ErrPageOutOfRange) {
			t.Errorf("page %d: expected ErrPageOutOfRange, got %v", page, err)
		}
	}
	if _, err := env.gen.Status(env.doc, 1, "../etc"); !errors.Is(err, engine.ErrUnknownEngine) {
		t.Errorf("expected ErrUnknownEngine from Status, got %v", err)
	}
}

func TestEnsurePage_ExplicitImage(t *testing.T) {
	env := newTestEnv(t, writeScript(t, `cp "$1" "$2"`), metsOptions{})
	img := filepath.Join(t.TempDir(), "other.jpg")
	if err := os.WriteFile(img, []byte("<alto>other</alto>"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := env.gen.EnsurePage(context.Background(), env.doc, 1, img, testEngine)
	if err != nil {
		t.Fatalf("EnsurePage failed: %v", err)
	}
	if got := readFile(t, res.Artifact); got != "<alto>other</alto>" {
		t.Errorf("engine did not run on the given image: %q", got)
	}
}

func TestEnsureBook(t *testing.T) {
	script := writeScript(t, `[ "$4" = 3 ] && { echo "bad page" >&2; exit 1; }; cp "$1" "$2"`)
	env := newTestEnv(t, script, metsOptions{Pages: 4, RemotePage: 2}, func(o *Options) {
		o.PageDelay = 50 * time.Millisecond
	})

	start := time.Now()
	book, err := env.gen.EnsureBook(context.Background(), env.doc, nil, testEngine)
	if err != nil {
		t.Fatalf("EnsureBook failed: %v", err)
	}
	// Pages 1, 3 and 4 need work: two delays between their starts.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("engine starts were not spaced out: %v", elapsed)
	}

	want := []Outcome{OutcomeGenerated, OutcomeRemote, OutcomeFailed, OutcomeGenerated}
	if len(book.Pages) != len(want) {
		t.Fatalf("expected %d page results, got %d", len(want), len(book.Pages))
	}
	for i, w := range want {
		if got := book.Pages[i]; got.Page != i+1 || got.Outcome != w {
			t.Errorf("page %d: expected %s, got %s (%v)", i+1, w, got.Outcome, got.Err)
		}
	}
	if failed := book.Failed(); len(failed) != 1 || failed[0].Page != 3 {
		t.Errorf("unexpected failed pages %+v", failed)
	}
	if s := book.Summary(); s[OutcomeGenerated] != 2 {
		t.Errorf("unexpected summary %v", s)
	}

	meta := readFile(t, env.resolver.MetadataPath(env.doc, testEngine))
	for _, id := range []string{"ALTO_log59088_1", "ALTO_log59088_4"} {
		if !strings.Contains(meta, `FILEID="`+id+`"`) {
			t.Errorf("METS copy missing pointer for %s", id)
		}
	}
	if strings.Contains(meta, "ALTO_log59088_3") {
		t.Error("failed page was registered")
	}
	assertNoLocks(t, env.locks)

	// Only the failing page is retried on a second run.
	book, err = env.gen.EnsureBook(context.Background(), env.doc, nil, testEngine)
	if err != nil {
		t.Fatal(err)
	}
	if s := book.Summary(); s[OutcomeFinished] != 2 || s[OutcomeRemote] != 1 || s[OutcomeFailed] != 1 {
		t.Errorf("unexpected summary on second run %v", s)
	}
}

func TestEnsureBook_Canceled(t *testing.T) {
	env := newTestEnv(t, writeScript(t, `cp "$1" "$2"`), metsOptions{Pages: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	book, err := env.gen.EnsureBook(ctx, env.doc, nil, testEngine)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s := book.Summary(); s[OutcomeSkipped] != 3 {
		t.Errorf("expected all pages skipped, got %v", s)
	}
	if _, err := env.gen.EnsureBook(context.Background(), env.doc, nil, "nope"); !errors.Is(err, engine.ErrUnknownEngine) {
		t.Errorf("expected ErrUnknownEngine, got %v", err)
	}
}

func TestRelink(t *testing.T) {
	env := newTestEnv(t, writeScript(t, `cp "$1" "$2"`), metsOptions{URN: testURN, Pages: 3})
	ctx := context.Background()

	if _, err := env.gen.EnsurePage(ctx, env.doc, 1, "", testEngine); err != nil {
		t.Fatal(err)
	}
	if err := alto.WritePlaceholder(env.resolver.PageArtifactPath(env.doc, testEngine, 2), "WIP"); err != nil {
		t.Fatal(err)
	}

	// Lose the METS copy, as after a failed metadata update.
	metaPath := env.resolver.MetadataPath(env.doc, testEngine)
	if err := os.Remove(metaPath); err != nil {
		t.Fatal(err)
	}

	n, err := env.gen.Relink(ctx, env.doc, testEngine)
	if err != nil {
		t.Fatalf("Relink failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 artifact relinked, got %d", n)
	}
	meta := readFile(t, metaPath)
	if !strings.Contains(meta, `FILEID="ALTO_log59088_1"`) {
		t.Error("relinked METS copy misses page 1")
	}
	if strings.Contains(meta, "ALTO_log59088_2") {
		t.Error("placeholder was registered")
	}

	// Relinking again changes nothing.
	if _, err := env.gen.Relink(ctx, env.doc, testEngine); err != nil {
		t.Fatal(err)
	}
	if again := readFile(t, metaPath); strings.Count(again, `FILEID="ALTO_log59088_1"`) != 1 {
		t.Error("relink duplicated the page pointer")
	}
}

func TestClearLock(t *testing.T) {
	env := newTestEnv(t, writeScript(t, `cp "$1" "$2"`), metsOptions{})
	ctx := context.Background()

	// A job that died after writing its placeholder and marker.
	artifact := env.resolver.PageArtifactPath(env.doc, testEngine, 1)
	work := env.resolver.InProgressPath(env.doc, 1)
	if err := alto.WritePlaceholder(artifact, "WIP"); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(work), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(work, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	image, _ := env.gen.ImageLocator(env.doc, 1)
	tok, err := env.locks.TryAcquire(ctx, lock.Key(image), lock.Info{Files: []string{work}, Placeholder: artifact})
	if err != nil {
		t.Fatal(err)
	}

	if st, _ := env.gen.Status(env.doc, 1, testEngine); st != StatusPlaceholder {
		t.Fatalf("expected placeholder status, got %s", st)
	}
	if err := env.gen.ClearLock(tok.Key); err != nil {
		t.Fatalf("ClearLock failed: %v", err)
	}
	if st, _ := env.gen.Status(env.doc, 1, testEngine); st != StatusMissing {
		t.Errorf("expected missing status after clear, got %s", st)
	}
	assertNoLocks(t, env.locks)

	res, err := env.gen.EnsurePage(ctx, env.doc, 1, "", testEngine)
	if err != nil || res.Outcome != OutcomeGenerated {
		t.Errorf("expected page to be generated after clear, got %s (%v)", res.Outcome, err)
	}
}

func TestImageLocator(t *testing.T) {
	env := newTestEnv(t, writeScript(t, `exit 0`), metsOptions{})
	doc := &fakeDoc{
		locator: "x",
		pages: []map[string]FileRef{
			{"DEFAULT": {URL: "https://example.org/default/1.jpg"}, "MAX": {URL: "https://example.org/max/1.jpg"}},
			{"DEFAULT": {URL: "https://example.org/default/2.jpg"}},
			{"THUMBS": {URL: "https://example.org/thumbs/3.jpg"}},
		},
	}
	tests := []struct {
		page    int
		want    string
		wantErr error
	}{
		{1, "https://example.org/max/1.jpg", nil},
		{2, "https://example.org/default/2.jpg", nil},
		{3, "", ErrNoImage},
		{4, "", ErrPageOutOfRange},
	}
	for _, tt := range tests {
		got, err := env.gen.ImageLocator(doc, tt.page)
		if !errors.Is(err, tt.wantErr) || got != tt.want {
			t.Errorf("page %d: got %q, %v; want %q, %v", tt.page, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestDescribe(t *testing.T) {
	env := newTestEnv(t, writeScript(t, `cp "$1" "$2"`), metsOptions{URN: testURN, Pages: 2, RemotePage: 2})
	ctx := context.Background()

	st, url, err := env.gen.Describe(env.doc, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	want := "http://localhost/fulltext/URN/nbn/de/bsz/180/digosi/30/tesseract-basic/log59088_1.xml"
	if st != StatusMissing || url != want {
		t.Errorf("expected missing at %s, got %s at %s", want, st, url)
	}

	if _, err := env.gen.EnsurePage(ctx, env.doc, 1, "", ""); err != nil {
		t.Fatal(err)
	}
	if st, url, _ = env.gen.Describe(env.doc, 1, ""); st != StatusFinished || url != want {
		t.Errorf("expected finished at %s, got %s at %s", want, st, url)
	}

	st, url, _ = env.gen.Describe(env.doc, 2, "")
	if st != StatusRemote || url != testutil.RemoteFulltextURL(2) {
		t.Errorf("expected remote page, got %s at %s", st, url)
	}

	if _, _, err := env.gen.Describe(env.doc, 3, ""); !errors.Is(err, ErrPageOutOfRange) {
		t.Errorf("expected ErrPageOutOfRange, got %v", err)
	}
}
