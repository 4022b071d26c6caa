// Package xmlstream copies an XML document token by token while hooks keyed
// on element identity inject additional markup. The document is never held
// in memory; only the chain of currently open elements is kept.
package xmlstream

import (
	"bufio"
	"encoding/xml"
	"io"
	"regexp"
	"strings"
)

// Writer serializes raw tokens as read by xml.Decoder.RawToken.
// Name.Space is treated as a literal prefix, never as a namespace URL,
// so prefixes and xmlns declarations survive a round trip unchanged.
type Writer struct {
	w   *bufio.Writer
	err error
}

// NewWriter returns a Writer that buffers output to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 64*1024)}
}

var encodingDecl = regexp.MustCompile(`encoding\s*=\s*("[^"]*"|'[^']*')`)

// Token writes a single raw token.
func (w *Writer) Token(tok xml.Token) error {
	if w.err != nil {
		return w.err
	}
	switch t := tok.(type) {
	case xml.StartElement:
		w.writeStart(t)
	case xml.EndElement:
		w.str("</")
		w.str(QName(t.Name))
		w.str(">")
	case xml.CharData:
		w.str(escapeText(string(t)))
	case xml.Comment:
		w.str("<!--")
		w.str(string(t))
		w.str("-->")
	case xml.ProcInst:
		inst := string(t.Inst)
		if t.Target == "xml" {
			// Output is always UTF-8 regardless of the source encoding.
			inst = encodingDecl.ReplaceAllString(inst, `encoding="UTF-8"`)
		}
		w.str("<?")
		w.str(t.Target)
		if inst != "" {
			w.str(" ")
			w.str(inst)
		}
		w.str("?>")
	case xml.Directive:
		w.str("<!")
		w.str(string(t))
		w.str(">")
	}
	return w.err
}

// Start opens an element named by a prefixed name such as "mets:file".
func (w *Writer) Start(name string, attrs ...xml.Attr) error {
	return w.Token(xml.StartElement{Name: ParseQName(name), Attr: attrs})
}

// End closes an element opened with Start.
func (w *Writer) End(name string) error {
	return w.Token(xml.EndElement{Name: ParseQName(name)})
}

// Text writes escaped character data.
func (w *Writer) Text(s string) error {
	return w.Token(xml.CharData(s))
}

// Flush writes any buffered output and reports the first error seen.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}

func (w *Writer) writeStart(t xml.StartElement) {
	w.str("<")
	w.str(QName(t.Name))
	for _, a := range t.Attr {
		w.str(" ")
		w.str(QName(a.Name))
		w.str(`="`)
		w.str(escapeAttr(a.Value))
		w.str(`"`)
	}
	w.str(">")
}

func (w *Writer) str(s string) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.WriteString(s)
}

// QName renders a raw name as prefix:local.
func QName(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

// ParseQName splits "prefix:local" into a raw name.
func ParseQName(s string) xml.Name {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return xml.Name{Space: s[:i], Local: s[i+1:]}
	}
	return xml.Name{Local: s}
}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\r", "&#xD;")
	attrEscaper = strings.NewReplacer(
		"&", "&amp;", "<", "&lt;", `"`, "&quot;",
		"\n", "&#xA;", "\r", "&#xD;", "\t", "&#x9;",
	)
)

func escapeText(s string) string { return textEscaper.Replace(s) }
func escapeAttr(s string) string { return attrEscaper.Replace(s) }
