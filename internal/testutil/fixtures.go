package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// CopyEngine copies IMAGE to OUTPUT. The images written by WriteMETS hold
// ALTO, so its output is a plausible artifact.
const CopyEngine = `cp "$1" "$2"`

// WriteScript writes an executable shell engine. Tests are skipped where no
// POSIX shell is available.
func WriteScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell engines need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// WriteCatalog writes an engine catalog with one local engine per id, all
// running command.
func WriteCatalog(t *testing.T, path, command string, ids ...string) {
	t.Helper()
	entries := make([]string, len(ids))
	for i, id := range ids {
		entries[i] = fmt.Sprintf(`{"id": %q, "command": %q}`, id, command)
	}
	data := `{"engines": [` + strings.Join(entries, ", ") + `]}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

// METSOptions shapes the document written by WriteMETS.
type METSOptions struct {
	URN   string
	Pages int
	// RemotePage, if set, links an existing full text for that page.
	RemotePage int
}

// RemoteFulltextURL is the full text WriteMETS links for the remote page.
func RemoteFulltextURL(page int) string {
	return fmt.Sprintf("https://example.org/fulltext/%04d.xml", page)
}

// WriteMETS writes dir/mets.xml whose pages link local images in dir/images.
// Each image holds a tiny ALTO document. The top-level logical div is
// log59088.
func WriteMETS(t *testing.T, dir string, opts METSOptions) string {
	t.Helper()
	if opts.Pages == 0 {
		opts.Pages = 1
	}
	imgDir := filepath.Join(dir, "images")
	if err := os.MkdirAll(imgDir, 0o755); err != nil {
		t.Fatal(err)
	}

	var files, remote, pages strings.Builder
	for i := 1; i <= opts.Pages; i++ {
		img := filepath.Join(imgDir, fmt.Sprintf("%04d.jpg", i))
		if err := os.WriteFile(img, []byte(fmt.Sprintf("<alto><Page ID=\"p%d\"/></alto>", i)), 0o644); err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(&files, `
      <mets:file ID="FILE_%04d_DEFAULT" MIMETYPE="image/jpeg">
        <mets:FLocat LOCTYPE="URL" xlink:href="%s"/>
      </mets:file>`, i, img)

		ft := ""
		if i == opts.RemotePage {
			fmt.Fprintf(&remote, `
    <mets:fileGrp USE="FULLTEXT">
      <mets:file ID="FULLTEXT_%04d" MIMETYPE="text/xml">
        <mets:FLocat LOCTYPE="URL" xlink:href="%s"/>
      </mets:file>
    </mets:fileGrp>`, i, RemoteFulltextURL(i))
			ft = fmt.Sprintf(`
        <mets:fptr FILEID="FULLTEXT_%04d"/>`, i)
		}
		fmt.Fprintf(&pages, `
      <mets:div ID="phys%d" ORDER="%d" TYPE="page">
        <mets:fptr FILEID="FILE_%04d_DEFAULT"/>%s
      </mets:div>`, i, i, i, ft)
	}

	ident := ""
	if opts.URN != "" {
		ident = fmt.Sprintf(`<mods:identifier type="urn">%s</mods:identifier>`, opts.URN)
	}

	doc := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<mets:mets xmlns:mets="http://www.loc.gov/METS/" xmlns:mods="http://www.loc.gov/mods/v3" xmlns:xlink="http://www.w3.org/1999/xlink">
  <mets:dmdSec ID="DMDLOG_0000">
    <mets:mdWrap MDTYPE="MODS">
      <mets:xmlData>
        <mods:mods>%s</mods:mods>
      </mets:xmlData>
    </mets:mdWrap>
  </mets:dmdSec>
  <mets:fileSec>
    <mets:fileGrp USE="DEFAULT">%s
    </mets:fileGrp>%s
  </mets:fileSec>
  <mets:structMap TYPE="LOGICAL">
    <mets:div ID="log59088" DMDID="DMDLOG_0000" TYPE="monograph"/>
  </mets:structMap>
  <mets:structMap TYPE="PHYSICAL">
    <mets:div ID="phys0" TYPE="physSequence">%s
    </mets:div>
  </mets:structMap>
</mets:mets>
`, ident, files.String(), remote.String(), pages.String())

	path := filepath.Join(dir, "mets.xml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
