// Package alto writes and recognises provisional ALTO documents that stand in
// for a page transcription while OCR is still running.
package alto

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PlaceholderMarker is the content of the <Fulltext> element that flags a
// document as provisional.
const PlaceholderMarker = "WIP"

// blankLines pushes the placeholder text below the top edge of the viewer.
const blankLines = 8

type document struct {
	XMLName  xml.Name `xml:"alto"`
	Fulltext string   `xml:"Fulltext"`
	Layout   layout   `xml:"Layout"`
}

type layout struct {
	Page page `xml:"Page"`
}

type page struct {
	PrintSpace printSpace `xml:"PrintSpace"`
}

type printSpace struct {
	TextBlock textBlock `xml:"TextBlock"`
}

type textBlock struct {
	Lines []textLine `xml:"TextLine"`
}

type textLine struct {
	String str `xml:"String"`
}

type str struct {
	Content string `xml:"CONTENT,attr"`
}

// Placeholder renders the provisional document for text.
func Placeholder(text string) ([]byte, error) {
	doc := document{Fulltext: PlaceholderMarker}
	lines := make([]textLine, 0, blankLines+1)
	for i := 0; i < blankLines; i++ {
		lines = append(lines, textLine{String: str{Content: "\n"}})
	}
	lines = append(lines, textLine{String: str{Content: text}})
	doc.Layout.Page.PrintSpace.TextBlock.Lines = lines

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode placeholder: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// WritePlaceholder writes the provisional document to path, creating parent
// directories as needed.
func WritePlaceholder(path, text string) error {
	data, err := Placeholder(text)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create placeholder directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write placeholder: %w", err)
	}
	return nil
}

// IsPlaceholder reports whether the file at path is a provisional document.
// Only the head of the file is inspected.
func IsPlaceholder(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	dec := xml.NewDecoder(io.LimitReader(f, 4096))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			// Truncated head or EOF: not a placeholder we wrote.
			return false, nil
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 && t.Name.Local != "alto" {
				return false, nil
			}
			if depth == 2 {
				if t.Name.Local != "Fulltext" {
					return false, nil
				}
				var marker string
				if err := dec.DecodeElement(&marker, &t); err != nil {
					return false, nil
				}
				return marker == PlaceholderMarker, nil
			}
		case xml.EndElement:
			depth--
		}
	}
}
