package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newDownloader() *Downloader {
	return New(Options{MaxRetries: 2, RetryDelay: time.Millisecond})
}

func TestOpen_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "<mets/>")
	}))
	defer srv.Close()

	rc, err := newDownloader().Open(context.Background(), srv.URL+"/mets.xml")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "<mets/>" {
		t.Errorf("unexpected body %q", data)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestOpen_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newDownloader().Open(context.Background(), srv.URL)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
}

func TestOpen_Local(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.xml")
	if err := os.WriteFile(path, []byte("local"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, loc := range []string{path, "file://" + path} {
		rc, err := newDownloader().Open(context.Background(), loc)
		if err != nil {
			t.Fatalf("Open(%q) failed: %v", loc, err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if string(data) != "local" {
			t.Errorf("Open(%q) = %q", loc, data)
		}
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "JPEGDATA")
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "images", "log1_1-abcd.jpg")
	n, err := newDownloader().Download(context.Background(), srv.URL+"/1.jpg", dst)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if n != 8 {
		t.Errorf("expected 8 bytes, got %d", n)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "JPEGDATA" {
		t.Errorf("unexpected content %q", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(dst))
	if len(entries) != 1 {
		t.Errorf("partial files left behind: %d entries", len(entries))
	}
}

func TestIsRemote(t *testing.T) {
	tests := map[string]bool{
		"https://example.org/a.jpg": true,
		"HTTP://example.org/a.jpg":  true,
		"file:///tmp/a.jpg":         false,
		"/tmp/a.jpg":                false,
	}
	for loc, want := range tests {
		if got := IsRemote(loc); got != want {
			t.Errorf("IsRemote(%q) = %v, want %v", loc, got, want)
		}
	}
}

func TestPermitted(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "docs", "mets.xml")
	if err := os.MkdirAll(filepath.Dir(inside), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(inside, []byte("<mets/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(t.TempDir(), "secret.xml")
	if err := os.WriteFile(outside, []byte("<mets/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	escape := filepath.Join(root, "escape.xml")
	if err := os.Symlink(outside, escape); err != nil {
		t.Fatal(err)
	}
	roots := []string{root}

	tests := []struct {
		name    string
		locator string
		roots   []string
		want    bool
	}{
		{"http", "http://example.org/mets.xml", nil, true},
		{"https", "HTTPS://example.org/mets.xml", nil, true},
		{"local without roots", inside, nil, false},
		{"local inside root", inside, roots, true},
		{"file url inside root", "file://" + inside, roots, true},
		{"missing file inside root", filepath.Join(root, "docs", "new.xml"), roots, true},
		{"local outside root", outside, roots, false},
		{"file url outside root", "file://" + outside, roots, false},
		{"dot-dot escape", filepath.Join(root, "docs", "..", "..", filepath.Base(filepath.Dir(outside)), "secret.xml"), roots, false},
		{"symlink escape", escape, roots, false},
		{"other scheme", "ftp://example.org/mets.xml", roots, false},
		{"empty", "", roots, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Permitted(tt.locator, tt.roots); got != tt.want {
				t.Errorf("Permitted(%q) = %v, want %v", tt.locator, got, tt.want)
			}
		})
	}
}
