package mets

import (
	"encoding/xml"
	"strings"

	"github.com/jackzampolin/fulltext/internal/xmlstream"
)

// URNScanner picks the document URN out of a token stream. It recognises,
// in whatever order they appear:
//
//	<identifier type="urn">URN</identifier>        (MODS, any prefix)
//	<recordIdentifier source="urn">URN</recordIdentifier>
//	<div CONTENTIDS="urn:... other-id">            (METS structure maps)
//
// The first hit wins and later tokens are ignored.
type URNScanner struct {
	urn     string
	depth   int
	capture int // depth of the element whose text is being collected, 0 if none
	text    strings.Builder
}

// Found reports whether a URN has been seen.
func (s *URNScanner) Found() bool { return s.urn != "" }

// URN returns the URN found so far.
func (s *URNScanner) URN() string { return s.urn }

// Start observes a start element.
func (s *URNScanner) Start(el xml.StartElement) {
	s.depth++
	if s.Found() || s.capture != 0 {
		return
	}
	switch el.Name.Local {
	case "identifier":
		if v, _ := xmlstream.AttrValue(el, "type"); strings.EqualFold(v, "urn") {
			s.begin()
		}
	case "recordIdentifier":
		if v, _ := xmlstream.AttrValue(el, "source"); strings.EqualFold(v, "urn") {
			s.begin()
		}
	case "div":
		if v, ok := xmlstream.AttrValue(el, "CONTENTIDS"); ok {
			s.urn = firstURN(v)
		}
	}
}

// Text observes character data.
func (s *URNScanner) Text(b []byte) {
	if s.capture != 0 {
		s.text.Write(b)
	}
}

// End observes an end element.
func (s *URNScanner) End() {
	if s.capture != 0 && s.depth == s.capture {
		s.urn = strings.TrimSpace(s.text.String())
		s.capture = 0
		s.text.Reset()
	}
	s.depth--
}

func (s *URNScanner) begin() {
	s.capture = s.depth
	s.text.Reset()
}

// firstURN returns the first whitespace-separated CONTENTIDS entry that is a
// URN. CONTENTIDS may also carry PURLs or other identifiers.
func firstURN(contentIDs string) string {
	for _, f := range strings.Fields(contentIDs) {
		if len(f) > 4 && strings.EqualFold(f[:4], "urn:") {
			return f
		}
	}
	return ""
}
