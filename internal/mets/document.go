// Package mets reads METS documents and registers generated full texts in
// local copies of them.
package mets

import (
	"context"
	"io"
	"sort"
)

// Namespace URIs used when injecting elements.
const (
	NamespaceMETS  = "http://www.loc.gov/METS/"
	NamespaceXLink = "http://www.w3.org/1999/xlink"
)

// FileRef is one entry of a METS file inventory.
type FileRef struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Group    string `json:"group"`
}

// Page is a division of the physical structure map.
type Page struct {
	ID      string
	Order   int
	FileIDs []string
}

// Opener returns the content stored at a locator.
type Opener interface {
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
}

// Document is the parsed outline of a METS file: only what OCR
// orchestration needs is kept.
type Document struct {
	locator    string
	topLevelID string
	urn        string
	groups     []string
	files      map[string]FileRef
	pages      []Page
	opener     Opener
}

// Locator returns the location the document was loaded from.
func (d *Document) Locator() string { return d.locator }

// TopLevelID returns the ID of the outermost logical division.
func (d *Document) TopLevelID() string { return d.topLevelID }

// URN returns the document's URN, or "" if none was found.
func (d *Document) URN() string { return d.urn }

// NumPages returns the number of physical pages.
func (d *Document) NumPages() int { return len(d.pages) }

// FileGroups returns the USE values of all file groups in document order.
func (d *Document) FileGroups() []string {
	out := make([]string, len(d.groups))
	copy(out, d.groups)
	return out
}

// Page returns physical page n (1-based).
func (d *Document) Page(n int) (Page, bool) {
	if n < 1 || n > len(d.pages) {
		return Page{}, false
	}
	return d.pages[n-1], true
}

// PageFiles returns the files linked to page n, keyed by file group.
// When a page links several files of one group, the first wins.
func (d *Document) PageFiles(n int) map[string]FileRef {
	p, ok := d.Page(n)
	if !ok {
		return nil
	}
	out := make(map[string]FileRef, len(p.FileIDs))
	for _, id := range p.FileIDs {
		f, ok := d.files[id]
		if !ok {
			continue
		}
		if _, dup := out[f.Group]; !dup {
			out[f.Group] = f
		}
	}
	return out
}

// OpenMetadata re-opens the METS source for streaming.
func (d *Document) OpenMetadata(ctx context.Context) (io.ReadCloser, error) {
	return d.opener.Open(ctx, d.locator)
}

// sortPages orders pages by ORDER. Pages without ORDER keep their document
// position relative to each other and sort after ordered ones.
func sortPages(pages []Page) {
	sort.SliceStable(pages, func(i, j int) bool {
		a, b := pages[i].Order, pages[j].Order
		if a == 0 || b == 0 {
			return a != 0 && b == 0
		}
		return a < b
	})
}
