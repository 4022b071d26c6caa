package xmlstream

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// Matcher decides whether a hook applies to an element. ancestors lists the
// currently open elements, outermost first.
type Matcher func(el xml.StartElement, ancestors []xml.StartElement) bool

// Hook injects markup around a matching element.
// Callbacks are optional; hooks stay active until the element closes.
type Hook struct {
	Match Matcher

	// AfterStart runs right after the element's start tag is written.
	AfterStart func(w *Writer, el xml.StartElement) error

	// Descendant observes every element nested inside the match.
	Descendant func(el xml.StartElement)

	// BeforeEnd runs right before the element's end tag is written.
	BeforeEnd func(w *Writer, el xml.StartElement) error
}

type frame struct {
	el    xml.StartElement
	hooks []*Hook
}

// Copy streams src to dst unchanged except for what hooks inject.
// Non-UTF-8 input is transcoded; output is always UTF-8.
func Copy(dst io.Writer, src io.Reader, hooks ...*Hook) error {
	dec := xml.NewDecoder(bufio.NewReader(src))
	dec.CharsetReader = charset.NewReaderLabel
	w := NewWriter(dst)

	var stack []frame
	ancestors := func() []xml.StartElement {
		out := make([]xml.StartElement, len(stack))
		for i, f := range stack {
			out[i] = f.el
		}
		return out
	}

	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			el := xml.CopyToken(t).(xml.StartElement)
			for _, f := range stack {
				for _, h := range f.hooks {
					if h.Descendant != nil {
						h.Descendant(el)
					}
				}
			}

			var matched []*Hook
			if len(hooks) > 0 {
				anc := ancestors()
				for _, h := range hooks {
					if h.Match != nil && h.Match(el, anc) {
						matched = append(matched, h)
					}
				}
			}

			if err := w.Token(el); err != nil {
				return err
			}
			for _, h := range matched {
				if h.AfterStart != nil {
					if err := h.AfterStart(w, el); err != nil {
						return err
					}
				}
			}
			stack = append(stack, frame{el: el, hooks: matched})

		case xml.EndElement:
			if len(stack) == 0 {
				return fmt.Errorf("read xml: unexpected end element </%s>", QName(t.Name))
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if QName(top.el.Name) != QName(t.Name) {
				return fmt.Errorf("read xml: element <%s> closed by </%s>", QName(top.el.Name), QName(t.Name))
			}
			for i := len(top.hooks) - 1; i >= 0; i-- {
				if h := top.hooks[i]; h.BeforeEnd != nil {
					if err := h.BeforeEnd(w, top.el); err != nil {
						return err
					}
				}
			}
			if err := w.Token(t); err != nil {
				return err
			}

		default:
			if err := w.Token(tok); err != nil {
				return err
			}
		}
	}

	if len(stack) > 0 {
		return fmt.Errorf("read xml: unexpected EOF inside <%s>", QName(stack[len(stack)-1].el.Name))
	}
	return w.Flush()
}

// AttrValue returns the value of the attribute with the given local name,
// ignoring any prefix.
func AttrValue(el xml.StartElement, local string) (string, bool) {
	for _, a := range el.Attr {
		if a.Name.Local == local && a.Name.Space != "xmlns" {
			return a.Value, true
		}
	}
	return "", false
}

// Element matches elements by local name (any prefix) whose attributes equal
// the given local-name/value pairs. Attribute values compare case-insensitively.
func Element(local string, attrs ...string) Matcher {
	if len(attrs)%2 != 0 {
		panic("xmlstream: Element attrs must be name/value pairs")
	}
	return func(el xml.StartElement, _ []xml.StartElement) bool {
		if el.Name.Local != local {
			return false
		}
		for i := 0; i < len(attrs); i += 2 {
			v, ok := AttrValue(el, attrs[i])
			if !ok || !strings.EqualFold(v, attrs[i+1]) {
				return false
			}
		}
		return true
	}
}

// Within narrows m to elements that have an ancestor matching parent.
func Within(parent, m Matcher) Matcher {
	return func(el xml.StartElement, ancestors []xml.StartElement) bool {
		if !m(el, ancestors) {
			return false
		}
		for i, a := range ancestors {
			if parent(a, ancestors[:i]) {
				return true
			}
		}
		return false
	}
}

// NamespacePrefix returns the prefix the element declares for uri.
// The empty prefix is returned with ok=true for a matching default namespace.
func NamespacePrefix(el xml.StartElement, uri string) (prefix string, ok bool) {
	for _, a := range el.Attr {
		if a.Value != uri {
			continue
		}
		if a.Name.Space == "xmlns" {
			return a.Name.Local, true
		}
		if a.Name.Space == "" && a.Name.Local == "xmlns" {
			return "", true
		}
	}
	return "", false
}
