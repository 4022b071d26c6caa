package mets

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackzampolin/fulltext/internal/lock"
	"github.com/jackzampolin/fulltext/internal/xmlstream"
)

const (
	DefaultGroup          = "FULLTEXT"
	DefaultSoftwarePrefix = "DFG-Viewer-5-OCR-"
)

var (
	// ErrNoFileSec is returned when the source has no file inventory.
	ErrNoFileSec = errors.New("mets: document has no fileSec")

	// ErrPageNotFound is returned when no physical page division matches an
	// artifact's page number.
	ErrPageNotFound = errors.New("mets: page division not found")
)

// Artifact is a generated full text to be registered in a METS document.
type Artifact struct {
	Page   int
	ID     string
	URL    string
	Engine string
}

// FileID returns the file ID used for the full text of a page.
func FileID(pageLocalID string) string {
	return "ALTO_" + pageLocalID
}

// Source reopens the original METS content.
type Source func(ctx context.Context) (io.ReadCloser, error)

// PatcherOptions configures a Patcher.
type PatcherOptions struct {
	Group          string
	SoftwarePrefix string
	LockPoll       time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Patcher registers artifacts in local METS copies.
type Patcher struct {
	group    string
	software string
	poll     time.Duration
	now      func() time.Time
	logger   *slog.Logger

	// beforeRename runs after the patched copy is synced and before it
	// replaces the target. Tests use it to simulate a crash.
	beforeRename func(tmp string) error
}

// NewPatcher creates a Patcher.
func NewPatcher(opts PatcherOptions) *Patcher {
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.SoftwarePrefix == "" {
		opts.SoftwarePrefix = DefaultSoftwarePrefix
	}
	if opts.LockPoll <= 0 {
		opts.LockPoll = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Patcher{
		group:    opts.Group,
		software: opts.SoftwarePrefix,
		poll:     opts.LockPoll,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "mets_patcher"),
	}
}

// Register adds artifacts to the METS copy at dst.
//
// If dst exists it is both source and target, so entries registered earlier
// are carried forward; otherwise source provides the original document.
// Writers of the same dst are serialized through dst+".lock", and the new
// content replaces dst by rename, so dst is either the old or the new
// document, never a partial one.
func (p *Patcher) Register(ctx context.Context, dst string, source Source, artifacts []Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mets: create directory: %w", err)
	}

	unlock, err := lock.Exclusive(ctx, dst+".lock", p.poll)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(); err != nil {
			p.logger.Warn("failed to remove metadata lock", "path", dst, "error", err)
		}
	}()

	var src io.ReadCloser
	f, err := os.Open(dst)
	switch {
	case err == nil:
		src = f
	case errors.Is(err, os.ErrNotExist):
		if source == nil {
			return fmt.Errorf("mets: %s does not exist and no source was given", dst)
		}
		if src, err = source(ctx); err != nil {
			return fmt.Errorf("mets: open source: %w", err)
		}
	default:
		return fmt.Errorf("mets: open %s: %w", dst, err)
	}
	defer src.Close()

	return p.writeAtomic(dst, func(w io.Writer) error {
		return p.Patch(w, src, artifacts)
	})
}

// RegisterFile is Register with an on-disk source document.
func (p *Patcher) RegisterFile(ctx context.Context, dst, srcPath string, artifacts []Artifact) error {
	return p.Register(ctx, dst, func(context.Context) (io.ReadCloser, error) {
		return os.Open(srcPath)
	}, artifacts)
}

func (p *Patcher) writeAtomic(dst string, write func(io.Writer) error) error {
	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("mets: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, 0o644)

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	if err := write(tmp); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("mets: sync: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("mets: close: %w", err)
	}
	if p.beforeRename != nil {
		if err := p.beforeRename(tmpPath); err != nil {
			_ = os.Remove(tmpPath)
			return err
		}
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("mets: replace %s: %w", dst, err)
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// patch is the state of one streaming pass.
type patch struct {
	p         *Patcher
	artifacts []Artifact
	byPage    map[int][]Artifact
	created   string

	sawFileSec  bool
	groupDone   bool
	xlinkPrefix string
	xlinkKnown  bool

	fileIDs   map[string]bool
	pagesSeen map[int]bool
	pageOrder int
	pointers  map[string]bool

	filesAdded    int
	pointersAdded int
}

// Patch streams src to w with artifacts added to the file inventory and to
// their physical page divisions. Artifacts already present are skipped, so
// patching an already patched document is a no-op.
func (p *Patcher) Patch(w io.Writer, src io.Reader, artifacts []Artifact) error {
	st := &patch{
		p:         p,
		artifacts: artifacts,
		byPage:    make(map[int][]Artifact),
		created:   p.now().Format(time.RFC3339),
		fileIDs:   make(map[string]bool),
		pagesSeen: make(map[int]bool),
		pointers:  make(map[string]bool),
	}
	for _, a := range artifacts {
		st.byPage[a.Page] = append(st.byPage[a.Page], a)
	}

	fileSec := xmlstream.Element("fileSec")
	group := xmlstream.Within(fileSec, xmlstream.Element("fileGrp", "USE", p.group))
	hooks := []*xmlstream.Hook{
		{
			Match: func(el xml.StartElement, anc []xml.StartElement) bool {
				if !fileSec(el, anc) {
					return false
				}
				st.sawFileSec = true
				st.xlinkPrefix, st.xlinkKnown = xlinkPrefix(el, anc)
				return true
			},
			Descendant: func(el xml.StartElement) {
				if el.Name.Local == "file" {
					if id, ok := xmlstream.AttrValue(el, "ID"); ok {
						st.fileIDs[id] = true
					}
				}
			},
			BeforeEnd: st.closeFileSec,
		},
		{
			Match: func(el xml.StartElement, anc []xml.StartElement) bool {
				if st.groupDone || !group(el, anc) {
					return false
				}
				st.xlinkPrefix, st.xlinkKnown = xlinkPrefix(el, anc)
				return true
			},
			BeforeEnd: st.closeGroup,
		},
		{
			Match: func(el xml.StartElement, anc []xml.StartElement) bool {
				if !physicalPage(el, anc) {
					return false
				}
				order, _ := xmlstream.AttrValue(el, "ORDER")
				n, err := strconv.Atoi(strings.TrimSpace(order))
				if err != nil || len(st.byPage[n]) == 0 {
					return false
				}
				st.pageOrder = n
				st.pagesSeen[n] = true
				return true
			},
			Descendant: func(el xml.StartElement) {
				if id, ok := xmlstream.AttrValue(el, "FILEID"); ok {
					st.pointers[pointerKey(st.pageOrder, id)] = true
				}
			},
			BeforeEnd: st.closePage,
		},
	}

	if err := xmlstream.Copy(w, src, hooks...); err != nil {
		return fmt.Errorf("mets: patch: %w", err)
	}
	if !st.sawFileSec {
		return ErrNoFileSec
	}
	for page := range st.byPage {
		if !st.pagesSeen[page] {
			return fmt.Errorf("%w: ORDER=%d", ErrPageNotFound, page)
		}
	}
	p.logger.Debug("metadata patched", "files_added", st.filesAdded, "pointers_added", st.pointersAdded)
	return nil
}

var physicalPage = xmlstream.Within(
	xmlstream.Element("structMap", "TYPE", "PHYSICAL"),
	xmlstream.Element("div", "TYPE", "page"),
)

func pointerKey(page int, id string) string {
	return strconv.Itoa(page) + "\x00" + id
}

// xlinkPrefix finds the innermost declaration of the XLink namespace in
// scope at el.
func xlinkPrefix(el xml.StartElement, ancestors []xml.StartElement) (string, bool) {
	if p, ok := xmlstream.NamespacePrefix(el, NamespaceXLink); ok && p != "" {
		return p, true
	}
	for i := len(ancestors) - 1; i >= 0; i-- {
		if p, ok := xmlstream.NamespacePrefix(ancestors[i], NamespaceXLink); ok && p != "" {
			return p, true
		}
	}
	return "", false
}

func qualify(prefix, local string) string {
	if prefix == "" {
		return local
	}
	return prefix + ":" + local
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xmlstream.ParseQName(name), Value: value}
}

func (st *patch) pendingFiles() []Artifact {
	var out []Artifact
	seen := make(map[string]bool)
	for _, a := range st.artifacts {
		if !st.fileIDs[a.ID] && !seen[a.ID] {
			seen[a.ID] = true
			out = append(out, a)
		}
	}
	return out
}

func (st *patch) writeFiles(w *xmlstream.Writer, prefix string, files []Artifact) error {
	for _, a := range files {
		if st.fileIDs[a.ID] {
			continue
		}
		name := qualify(prefix, "file")
		if err := w.Start(name,
			attr("ID", a.ID),
			attr("MIMETYPE", "text/xml"),
			attr("CREATED", st.created),
			attr("SOFTWARE", st.p.software+a.Engine),
		); err != nil {
			return err
		}

		locAttrs := []xml.Attr{attr("LOCTYPE", "URL")}
		href := "xlink:href"
		if st.xlinkKnown {
			href = st.xlinkPrefix + ":href"
		} else {
			locAttrs = append(locAttrs, attr("xmlns:xlink", NamespaceXLink))
		}
		locAttrs = append(locAttrs, attr(href, a.URL))

		loc := qualify(prefix, "FLocat")
		if err := w.Start(loc, locAttrs...); err != nil {
			return err
		}
		if err := w.End(loc); err != nil {
			return err
		}
		if err := w.End(name); err != nil {
			return err
		}
		st.fileIDs[a.ID] = true
		st.filesAdded++
	}
	return nil
}

func (st *patch) closeGroup(w *xmlstream.Writer, el xml.StartElement) error {
	st.groupDone = true
	return st.writeFiles(w, el.Name.Space, st.pendingFiles())
}

func (st *patch) closeFileSec(w *xmlstream.Writer, el xml.StartElement) error {
	if st.groupDone {
		return nil
	}
	files := st.pendingFiles()
	if len(files) == 0 {
		return nil
	}
	st.groupDone = true
	prefix := el.Name.Space
	grp := qualify(prefix, "fileGrp")
	if err := w.Start(grp, attr("USE", st.p.group)); err != nil {
		return err
	}
	if err := st.writeFiles(w, prefix, files); err != nil {
		return err
	}
	return w.End(grp)
}

func (st *patch) closePage(w *xmlstream.Writer, el xml.StartElement) error {
	order, _ := xmlstream.AttrValue(el, "ORDER")
	n, _ := strconv.Atoi(strings.TrimSpace(order))
	name := qualify(el.Name.Space, "fptr")
	for _, a := range st.byPage[n] {
		key := pointerKey(n, a.ID)
		if st.pointers[key] {
			continue
		}
		if err := w.Start(name, attr("FILEID", a.ID)); err != nil {
			return err
		}
		if err := w.End(name); err != nil {
			return err
		}
		st.pointers[key] = true
		st.pointersAdded++
	}
	return nil
}
