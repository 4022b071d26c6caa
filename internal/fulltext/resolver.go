package fulltext

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	urnRoot   = "URN"
	noURNRoot = "noURN"
)

// ResolverOptions configures where artifacts and working files live.
type ResolverOptions struct {
	// StorageRoot holds artifacts and local METS copies.
	StorageRoot string
	// TempOutputDir holds engine output while a job runs. A file there is
	// the in-progress marker of its page.
	TempOutputDir string
	// TempImagesDir holds pre-downloaded page images.
	TempImagesDir string
	// PublicBaseURL is the externally reachable URL of StorageRoot.
	PublicBaseURL string
}

// Resolver maps documents, engines and pages to filesystem locations. It has
// no filesystem side effects.
type Resolver struct {
	root       string
	tempOutput string
	tempImages string
	publicBase string
}

// NewResolver creates a Resolver.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if opts.StorageRoot == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if opts.TempOutputDir == "" {
		opts.TempOutputDir = filepath.Join(opts.StorageRoot, ".tmp", "output")
	}
	if opts.TempImagesDir == "" {
		opts.TempImagesDir = filepath.Join(opts.StorageRoot, ".tmp", "images")
	}
	return &Resolver{
		root:       filepath.Clean(opts.StorageRoot),
		tempOutput: filepath.Clean(opts.TempOutputDir),
		tempImages: filepath.Clean(opts.TempImagesDir),
		publicBase: strings.TrimRight(opts.PublicBaseURL, "/"),
	}, nil
}

// StorageRoot returns the root all artifacts live under.
func (r *Resolver) StorageRoot() string { return r.root }

// TempOutputDir returns the directory of in-progress markers.
func (r *Resolver) TempOutputDir() string { return r.tempOutput }

// TempImagesDir returns the directory of downloaded images.
func (r *Resolver) TempImagesDir() string { return r.tempImages }

// locatorHash is the hex SHA-1 of the document locator.
func locatorHash(doc Document) string {
	sum := sha1.Sum([]byte(doc.Locator()))
	return hex.EncodeToString(sum[:])
}

// DocumentRoot returns the directory of a document: URN/{segments...} when
// the document has a URN, noURN/{sha1(locator)} otherwise.
func (r *Resolver) DocumentRoot(doc Document) string {
	if segs := URNSegments(doc.URN()); len(segs) > 0 {
		return filepath.Join(append([]string{r.root, urnRoot}, segs...)...)
	}
	return filepath.Join(r.root, noURNRoot, locatorHash(doc))
}

// EngineRoot returns the directory holding one engine's output for doc.
// engineID must already be validated against the catalog.
func (r *Resolver) EngineRoot(doc Document, engineID string) string {
	return filepath.Join(r.DocumentRoot(doc), engineID)
}

// DocumentID returns the sanitized top-level ID of doc, falling back to a
// prefix of the locator hash.
func (r *Resolver) DocumentID(doc Document) string {
	if id := sanitizeSegment(doc.TopLevelID()); id != "" {
		return id
	}
	return locatorHash(doc)[:12]
}

// PageLocalID returns the identifier of a page within its document,
// {docId}_{page}.
func (r *Resolver) PageLocalID(doc Document, page int) string {
	return r.DocumentID(doc) + "_" + strconv.Itoa(page)
}

// PageArtifactPath returns where the full text of a page is stored.
func (r *Resolver) PageArtifactPath(doc Document, engineID string, page int) string {
	return filepath.Join(r.EngineRoot(doc, engineID), r.PageLocalID(doc, page)+".xml")
}

// MetadataPath returns the local METS copy for doc and engine.
func (r *Resolver) MetadataPath(doc Document, engineID string) string {
	return filepath.Join(r.EngineRoot(doc, engineID), r.DocumentID(doc)+".xml")
}

// InProgressPath returns the working output file of a page. It is
// engine-independent and carries part of the locator hash, so documents
// sharing a top-level ID never collide.
func (r *Resolver) InProgressPath(doc Document, page int) string {
	return filepath.Join(r.tempOutput, r.workName(doc, page)+".xml")
}

// ImagePath returns where the image of a page is downloaded to. The
// extension is taken from the image locator.
func (r *Resolver) ImagePath(doc Document, page int, imageLocator string) string {
	return filepath.Join(r.tempImages, r.workName(doc, page)+imageExt(imageLocator))
}

func (r *Resolver) workName(doc Document, page int) string {
	return r.PageLocalID(doc, page) + "-" + locatorHash(doc)[:8]
}

func imageExt(locator string) string {
	p := locator
	if u, err := url.Parse(locator); err == nil && u.Scheme != "" {
		p = u.Path
	}
	ext := path.Ext(p)
	if ext == "" || len(ext) > 6 || sanitizeSegment(ext) != ext {
		return ".img"
	}
	return strings.ToLower(ext)
}

// PublicURL maps a path under the storage root to its public URL.
func (r *Resolver) PublicURL(p string) (string, error) {
	rel, err := filepath.Rel(r.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the storage root", p)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return r.publicBase + "/" + strings.Join(parts, "/"), nil
}

// URNSegments turns a URN into directory segments: the urn: scheme is
// dropped and the rest split on ':' and '-'. Segments are sanitized and
// empty ones skipped.
func URNSegments(urn string) []string {
	urn = strings.TrimSpace(urn)
	if len(urn) >= 4 && strings.EqualFold(urn[:4], "urn:") {
		urn = urn[4:]
	}
	var out []string
	for _, f := range strings.FieldsFunc(urn, func(c rune) bool { return c == ':' || c == '-' }) {
		if s := sanitizeSegment(f); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// sanitizeSegment replaces characters outside [A-Za-z0-9._~+=] with '_' and
// rejects the relative segments "." and "..".
func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '~', c == '+', c == '=':
		default:
			b[i] = '_'
		}
	}
	out := string(b)
	if out == "." || out == ".." {
		return ""
	}
	return out
}
