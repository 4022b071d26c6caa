package mets

import (
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/jackzampolin/fulltext/internal/xmlstream"
)

// ErrNotMETS is returned when a document has no METS root element.
var ErrNotMETS = errors.New("mets: not a METS document")

// Loader parses METS documents from any locator its Opener understands.
type Loader struct {
	opener Opener
	logger *slog.Logger
}

// NewLoader creates a Loader.
func NewLoader(opener Opener, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{opener: opener, logger: logger.With("component", "mets")}
}

// Load fetches and parses the METS document at locator in one streaming pass.
func (l *Loader) Load(ctx context.Context, locator string) (*Document, error) {
	rc, err := l.opener.Open(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("mets: open %s: %w", locator, err)
	}
	defer rc.Close()

	doc, err := Parse(rc)
	if err != nil {
		return nil, fmt.Errorf("mets: parse %s: %w", locator, err)
	}
	doc.locator = locator
	doc.opener = l.opener

	l.logger.Debug("document loaded",
		"locator", locator,
		"top_level_id", doc.topLevelID,
		"urn", doc.urn,
		"pages", len(doc.pages),
		"files", len(doc.files))
	return doc, nil
}

// parser holds the open-element context of a single Parse call.
type parser struct {
	doc *Document
	urn URNScanner

	depth       int
	groupStack  []string
	groupDepths []int
	file        *FileRef
	fileDepth   int
	structType  string
	structDepth int
	page        *Page
	pageDepth   int

	firstLogical string
	dmdLogical   string
}

// Parse reads a METS document. The result has no locator and cannot reopen
// its source; use Loader.Load for that.
func Parse(r io.Reader) (*Document, error) {
	dec := xml.NewDecoder(bufio.NewReader(r))
	dec.CharsetReader = charset.NewReaderLabel

	p := &parser{doc: &Document{files: make(map[string]FileRef)}}
	sawRoot := false

	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !sawRoot {
				if t.Name.Local != "mets" {
					return nil, ErrNotMETS
				}
				sawRoot = true
			}
			p.depth++
			p.urn.Start(t)
			p.start(t)
		case xml.EndElement:
			p.end()
			p.urn.End()
			p.depth--
		case xml.CharData:
			p.urn.Text(t)
		}
	}
	if !sawRoot {
		return nil, ErrNotMETS
	}

	doc := p.doc
	doc.urn = p.urn.URN()
	doc.topLevelID = p.dmdLogical
	if doc.topLevelID == "" {
		doc.topLevelID = p.firstLogical
	}
	sortPages(doc.pages)
	return doc, nil
}

func (p *parser) start(el xml.StartElement) {
	switch el.Name.Local {
	case "fileGrp":
		use, _ := xmlstream.AttrValue(el, "USE")
		p.groupStack = append(p.groupStack, use)
		p.groupDepths = append(p.groupDepths, p.depth)
		p.doc.groups = append(p.doc.groups, use)

	case "file":
		if len(p.groupStack) == 0 || p.file != nil {
			return
		}
		id, _ := xmlstream.AttrValue(el, "ID")
		mime, _ := xmlstream.AttrValue(el, "MIMETYPE")
		p.file = &FileRef{ID: id, MimeType: mime, Group: p.groupStack[len(p.groupStack)-1]}
		p.fileDepth = p.depth

	case "FLocat":
		if p.file != nil && p.file.URL == "" {
			p.file.URL, _ = xmlstream.AttrValue(el, "href")
		}

	case "structMap":
		t, _ := xmlstream.AttrValue(el, "TYPE")
		p.structType = strings.ToUpper(t)
		p.structDepth = p.depth

	case "div":
		switch p.structType {
		case "LOGICAL":
			id, _ := xmlstream.AttrValue(el, "ID")
			if p.firstLogical == "" {
				p.firstLogical = id
			}
			// Anchor documents put a parent reference first; the division
			// carrying descriptive metadata is the one describing this file.
			if _, ok := xmlstream.AttrValue(el, "DMDID"); ok && p.dmdLogical == "" {
				p.dmdLogical = id
			}
		case "PHYSICAL":
			t, _ := xmlstream.AttrValue(el, "TYPE")
			if p.page == nil && strings.EqualFold(t, "page") {
				id, _ := xmlstream.AttrValue(el, "ID")
				order, _ := xmlstream.AttrValue(el, "ORDER")
				n, _ := strconv.Atoi(strings.TrimSpace(order))
				p.page = &Page{ID: id, Order: n}
				p.pageDepth = p.depth
			}
		}
	}

	// fptr, area and friends all link files through FILEID.
	if p.page != nil && p.depth > p.pageDepth {
		if id, ok := xmlstream.AttrValue(el, "FILEID"); ok && id != "" {
			p.page.FileIDs = append(p.page.FileIDs, id)
		}
	}
}

func (p *parser) end() {
	if n := len(p.groupDepths); n > 0 && p.groupDepths[n-1] == p.depth {
		p.groupStack = p.groupStack[:n-1]
		p.groupDepths = p.groupDepths[:n-1]
	}
	switch {
	case p.file != nil && p.depth == p.fileDepth:
		if p.file.ID != "" {
			p.doc.files[p.file.ID] = *p.file
		}
		p.file = nil
	case p.page != nil && p.depth == p.pageDepth:
		p.doc.pages = append(p.doc.pages, *p.page)
		p.page = nil
	case p.structType != "" && p.depth == p.structDepth:
		p.structType = ""
	}
}
