package engine

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const sampleCatalog = `{
  "engines": [
    {"id": "tesseract-basic", "label": "Tesseract", "command": "/usr/local/bin/ocr-tesseract", "languages": "deu+eng", "options": "alto --psm 3"},
    {"id": "kraken", "label": "Kraken", "command": "ocr-kraken", "image": "example/kraken:4", "default": true}
  ]
}`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog failed: %v", err)
	}
	if len(c.All()) != 2 {
		t.Fatalf("expected 2 engines, got %d", len(c.All()))
	}
	if c.Default() != "kraken" {
		t.Errorf("expected flagged default kraken, got %q", c.Default())
	}

	e, err := c.Lookup("tesseract-basic")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if e.Languages != "deu+eng" || e.Containerized() {
		t.Errorf("unexpected engine %+v", e)
	}

	if e, err := c.Resolve(""); err != nil || e.ID != "kraken" {
		t.Errorf("Resolve(\"\") = %v, %v", e.ID, err)
	}
	if _, err := c.Lookup("../../bin/sh"); !errors.Is(err, ErrUnknownEngine) {
		t.Errorf("expected ErrUnknownEngine, got %v", err)
	}

	c2, err := c.WithDefault("tesseract-basic")
	if err != nil {
		t.Fatalf("WithDefault failed: %v", err)
	}
	if c2.Default() != "tesseract-basic" || c.Default() != "kraken" {
		t.Error("WithDefault must not modify the original catalog")
	}
	if _, err := c.WithDefault("nope"); !errors.Is(err, ErrUnknownEngine) {
		t.Errorf("expected ErrUnknownEngine, got %v", err)
	}
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"no engines", `{"engines": []}`},
		{"missing command", `{"engines": [{"id": "a"}]}`},
		{"bad id", `{"engines": [{"id": "../x", "command": "c"}]}`},
		{"unknown field", `{"engines": [{"id": "a", "command": "c", "shell": true}]}`},
		{"duplicate id", `{"engines": [{"id": "a", "command": "c"}, {"id": "a", "command": "d"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engines.json")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCatalog(path); err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestArgv(t *testing.T) {
	e := Engine{
		ID:        "tesseract-basic",
		Command:   "ocr",
		Args:      []string{"--engine", "tesseract"},
		Languages: "deu",
		Options:   " alto  --psm 3 ",
	}
	got := e.Argv("/tmp/img.jpg", "/tmp/out.xml", "log59088_5", 5)
	want := []string{"ocr", "--engine", "tesseract", "/tmp/img.jpg", "/tmp/out.xml", "log59088_5", "5", "-l", "deu", "alto", "--psm", "3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Argv = %q\nwant   %q", got, want)
	}

	bare := Engine{ID: "x", Command: "ocr"}.Argv("i", "o", "p", 1)
	if !reflect.DeepEqual(bare, []string{"ocr", "i", "o", "p", "1"}) {
		t.Errorf("unexpected bare argv %q", bare)
	}
}
