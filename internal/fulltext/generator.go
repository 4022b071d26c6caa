package fulltext

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jackzampolin/fulltext/internal/alto"
	"github.com/jackzampolin/fulltext/internal/engine"
	"github.com/jackzampolin/fulltext/internal/lock"
	"github.com/jackzampolin/fulltext/internal/mets"
	"github.com/jackzampolin/fulltext/internal/metrics"
)

// DefaultImageGroups are the file groups page images are taken from, lowest
// resolution first.
var DefaultImageGroups = []string{"DEFAULT", "MAX"}

// Options configures a Generator.
type Options struct {
	Catalog  *engine.Catalog
	Resolver *Resolver
	Locks    *lock.Dir
	Runner   *Runner
	Patcher  *mets.Patcher
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// PlaceholderText is shown while a page is being processed. Empty
	// disables placeholders.
	PlaceholderText string
	// PageDelay spaces out engine starts in book mode.
	PageDelay time.Duration
	// PreDownload fetches remote images before running the engine.
	PreDownload bool
	// ImageGroups lists image file groups, lowest resolution first.
	ImageGroups []string
	// FulltextGroups lists file groups holding existing full text.
	FulltextGroups []string
}

// Generator is the entry point for page and book requests.
type Generator struct {
	catalog  *engine.Catalog
	resolver *Resolver
	checker  *Checker
	locks    *lock.Dir
	runner   *Runner
	patcher  *mets.Patcher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	placeholder string
	pageDelay   time.Duration
	preDownload bool
	imageGroups []string
}

// New creates a Generator.
func New(opts Options) (*Generator, error) {
	switch {
	case opts.Catalog == nil:
		return nil, fmt.Errorf("engine catalog is required")
	case opts.Resolver == nil:
		return nil, fmt.Errorf("resolver is required")
	case opts.Locks == nil:
		return nil, fmt.Errorf("lock directory is required")
	case opts.Runner == nil:
		return nil, fmt.Errorf("runner is required")
	}
	if opts.Patcher == nil {
		opts.Patcher = mets.NewPatcher(mets.PatcherOptions{Logger: opts.Logger})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.ImageGroups) == 0 {
		opts.ImageGroups = DefaultImageGroups
	}
	return &Generator{
		catalog:     opts.Catalog,
		resolver:    opts.Resolver,
		checker:     NewChecker(opts.Resolver, opts.FulltextGroups),
		locks:       opts.Locks,
		runner:      opts.Runner,
		patcher:     opts.Patcher,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With("component", "generator"),
		placeholder: opts.PlaceholderText,
		pageDelay:   opts.PageDelay,
		preDownload: opts.PreDownload,
		imageGroups: opts.ImageGroups,
	}, nil
}

// Catalog returns the engine catalog.
func (g *Generator) Catalog() *engine.Catalog { return g.catalog }

// Resolver returns the path resolver.
func (g *Generator) Resolver() *Resolver { return g.resolver }

// Locks returns the lock directory.
func (g *Generator) Locks() *lock.Dir { return g.locks }

func checkPage(doc Document, page int) error {
	if page < 1 || page > doc.NumPages() {
		return fmt.Errorf("%w: %d not in 1..%d", ErrPageOutOfRange, page, doc.NumPages())
	}
	return nil
}

// ImageLocator picks the image to run OCR on, preferring the
// highest-resolution configured group.
func (g *Generator) ImageLocator(doc Document, page int) (string, error) {
	if err := checkPage(doc, page); err != nil {
		return "", err
	}
	files := doc.PageFiles(page)
	for i := len(g.imageGroups) - 1; i >= 0; i-- {
		if f, ok := files[g.imageGroups[i]]; ok && f.URL != "" {
			return f.URL, nil
		}
	}
	return "", fmt.Errorf("%w: page %d", ErrNoImage, page)
}

// Status reports the state of a page for an engine. An empty engineID
// means the default engine.
func (g *Generator) Status(doc Document, page int, engineID string) (Status, error) {
	eng, err := g.catalog.Resolve(engineID)
	if err != nil {
		return "", err
	}
	if err := checkPage(doc, page); err != nil {
		return "", err
	}
	return g.checker.Status(doc, eng.ID, page), nil
}

// Describe is Status together with the URL the full text of the page is,
// or will be, served at.
func (g *Generator) Describe(doc Document, page int, engineID string) (Status, string, error) {
	st, err := g.Status(doc, page, engineID)
	if err != nil {
		return "", "", err
	}
	if st == StatusRemote {
		f, _ := g.checker.Remote(doc, page)
		return st, f.URL, nil
	}
	eng, _ := g.catalog.Resolve(engineID)
	url, _ := g.resolver.PublicURL(g.resolver.PageArtifactPath(doc, eng.ID, page))
	return st, url, nil
}

// EnsurePage makes sure the full text of one page exists or is being made.
//
// Remote, finished and in-progress pages are reported without side effects,
// as is a page whose image is locked by another job. Otherwise an engine run
// is started and the call returns when it has finished and the artifact is
// registered in the local METS copy. imageLocator may be empty, in which case
// it is taken from the document.
//
// The result is always filled in. The error is non-nil for unknown engines,
// bad pages and failed jobs.
func (g *Generator) EnsurePage(ctx context.Context, doc Document, page int, imageLocator, engineID string) (PageResult, error) {
	res := PageResult{Page: page}
	eng, err := g.catalog.Resolve(engineID)
	if err != nil {
		return g.finish(res, OutcomeFailed, err)
	}
	if err := checkPage(doc, page); err != nil {
		return g.finish(res, OutcomeFailed, err)
	}

	if f, ok := g.checker.Remote(doc, page); ok {
		res.URL = f.URL
		return g.finish(res, OutcomeRemote, nil)
	}

	artifact := g.resolver.PageArtifactPath(doc, eng.ID, page)
	res.Artifact = artifact
	res.URL, _ = g.resolver.PublicURL(artifact)
	if g.checker.IsFinished(doc, eng.ID, page) {
		return g.finish(res, OutcomeFinished, nil)
	}
	if g.checker.IsInProgress(doc, page) {
		return g.finish(res, OutcomeInProgress, nil)
	}

	if imageLocator == "" {
		if imageLocator, err = g.ImageLocator(doc, page); err != nil {
			return g.finish(res, OutcomeFailed, err)
		}
	}

	pageID := g.resolver.PageLocalID(doc, page)
	work := g.resolver.InProgressPath(doc, page)
	job := Job{
		Engine:       eng,
		Page:         page,
		PageID:       pageID,
		ImageLocator: imageLocator,
		ArtifactPath: artifact,
		WorkPath:     work,
	}
	files := []string{work, work + ".xml"}
	if g.preDownload {
		job.ImagePath = g.resolver.ImagePath(doc, page, imageLocator)
		files = append(files, job.ImagePath)
	}

	placeholder := ""
	if g.placeholder != "" {
		placeholder = artifact
	}
	requester := requesterFrom(ctx)
	if requester == "" {
		requester = uuid.NewString()
	}
	waitStart := time.Now()
	tok, err := g.locks.TryAcquire(ctx, lock.Key(imageLocator), lock.Info{
		Engine:      eng.ID,
		Document:    doc.Locator(),
		Page:        page,
		Image:       imageLocator,
		Requester:   requester,
		Files:       files,
		Placeholder: placeholder,
	})
	if errors.Is(err, lock.ErrBusy) {
		return g.finish(res, OutcomeInProgress, nil)
	}
	if err != nil {
		return g.finish(res, OutcomeFailed, fmt.Errorf("acquire job lock: %w", err))
	}
	g.metrics.RecordLockWait(time.Since(waitStart))
	defer func() {
		if rerr := g.locks.Release(tok); rerr != nil {
			g.logger.Warn("failed to release job lock", "key", tok.Key, "error", rerr)
		}
	}()

	// Another job may have finished the page while this one waited.
	if g.checker.IsFinished(doc, eng.ID, page) {
		return g.finish(res, OutcomeFinished, nil)
	}

	if g.placeholder != "" {
		if err := alto.WritePlaceholder(artifact, g.placeholder); err != nil {
			g.logger.Warn("failed to write placeholder", "path", artifact, "error", err)
		} else {
			job.Placeholder = true
		}
	}

	if err := g.runner.Run(ctx, job); err != nil {
		return g.finish(res, OutcomeFailed, err)
	}

	err = g.register(ctx, doc, eng.ID, []mets.Artifact{g.artifact(doc, eng.ID, page, res.URL)})
	return g.finish(res, OutcomeGenerated, err)
}

func (g *Generator) finish(res PageResult, outcome Outcome, err error) (PageResult, error) {
	res.Outcome = outcome
	res.setErr(err)
	g.metrics.RecordPage(string(outcome))
	return res, err
}

func (g *Generator) artifact(doc Document, engineID string, page int, url string) mets.Artifact {
	return mets.Artifact{
		Page:   page,
		ID:     mets.FileID(g.resolver.PageLocalID(doc, page)),
		URL:    url,
		Engine: engineID,
	}
}

func (g *Generator) register(ctx context.Context, doc Document, engineID string, arts []mets.Artifact) error {
	dst := g.resolver.MetadataPath(doc, engineID)
	err := g.patcher.Register(ctx, dst, doc.OpenMetadata, arts)
	g.metrics.RecordPatch(err)
	if err != nil {
		g.logger.Error("failed to register full text in METS copy", "path", dst, "error", err)
		return fmt.Errorf("%w: %v", ErrMetadataWrite, err)
	}
	return nil
}

// EnsureBook runs EnsurePage for every page of doc. Engine starts are spaced
// by the configured page delay; pages that need no work are not delayed.
// Per-page failures are recorded in the result and do not stop the batch.
// The error is non-nil only for an unknown engine or when ctx ends.
//
// imagesByPage may be nil; missing entries are taken from the document.
func (g *Generator) EnsureBook(ctx context.Context, doc Document, imagesByPage map[int]string, engineID string) (BookResult, error) {
	eng, err := g.catalog.Resolve(engineID)
	if err != nil {
		return BookResult{}, err
	}

	n := doc.NumPages()
	out := BookResult{Pages: make([]PageResult, n)}
	for i := range out.Pages {
		out.Pages[i] = PageResult{Page: i + 1, Outcome: OutcomeSkipped}
	}

	limit := rate.Inf
	if g.pageDelay > 0 {
		limit = rate.Every(g.pageDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	// Jobs beyond the ceiling would only poll for a slot.
	sem := make(chan struct{}, g.locks.Ceiling())
	var wg sync.WaitGroup

	g.logger.Info("book requested", "document", doc.Locator(), "engine", eng.ID, "pages", n)
	for page := 1; page <= n; page++ {
		if ctx.Err() != nil {
			break
		}
		if !g.needsWork(doc, eng.ID, page) {
			out.Pages[page-1], _ = g.EnsurePage(ctx, doc, page, imagesByPage[page], eng.ID)
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			defer func() { <-sem }()
			out.Pages[page-1], _ = g.EnsurePage(ctx, doc, page, imagesByPage[page], eng.ID)
		}(page)
	}
	wg.Wait()

	summary := out.Summary()
	g.logger.Info("book finished",
		"document", doc.Locator(),
		"engine", eng.ID,
		"generated", summary[OutcomeGenerated],
		"failed", summary[OutcomeFailed],
		"skipped", summary[OutcomeSkipped],
	)
	return out, ctx.Err()
}

func (g *Generator) needsWork(doc Document, engineID string, page int) bool {
	return !g.checker.HasRemote(doc, page) &&
		!g.checker.IsFinished(doc, engineID, page) &&
		!g.checker.IsInProgress(doc, page)
}

// Relink registers every finished artifact of doc in its METS copy in one
// pass. It repairs copies left behind by failed metadata updates and returns
// the number of artifacts registered.
func (g *Generator) Relink(ctx context.Context, doc Document, engineID string) (int, error) {
	eng, err := g.catalog.Resolve(engineID)
	if err != nil {
		return 0, err
	}
	var arts []mets.Artifact
	for page := 1; page <= doc.NumPages(); page++ {
		path := g.resolver.PageArtifactPath(doc, eng.ID, page)
		ok, err := alto.IsPlaceholder(path)
		if err != nil || ok {
			continue
		}
		url, err := g.resolver.PublicURL(path)
		if err != nil {
			return 0, err
		}
		arts = append(arts, g.artifact(doc, eng.ID, page, url))
	}
	if len(arts) == 0 {
		return 0, nil
	}
	if err := g.register(ctx, doc, eng.ID, arts); err != nil {
		return 0, err
	}
	g.logger.Info("relinked full texts", "document", doc.Locator(), "engine", eng.ID, "count", len(arts))
	return len(arts), nil
}

// ListLocks returns the held job locks.
func (g *Generator) ListLocks() ([]lock.Info, error) {
	return g.locks.List()
}

// ClearLock removes a stale job lock along with its working files and any
// placeholder the job left at its artifact path.
func (g *Generator) ClearLock(key string) error {
	locks, err := g.locks.List()
	if err != nil {
		return err
	}
	for _, info := range locks {
		if info.Key != key {
			continue
		}
		if info.Alive != nil && *info.Alive {
			g.logger.Warn("clearing lock of a running process", "key", key, "pid", info.PID)
		}
		if err := g.locks.Clear(key); err != nil {
			return err
		}
		g.removeStalePlaceholder(info)
		return nil
	}
	return g.locks.Clear(key)
}

func (g *Generator) removeStalePlaceholder(info lock.Info) {
	if info.Placeholder == "" {
		return
	}
	removePlaceholder(info.Placeholder, g.logger)
}

// ClearAllLocks removes every lock. Working files of cleared jobs are left
// in place.
func (g *Generator) ClearAllLocks() (int, error) {
	return g.locks.ClearAll()
}
