package fulltext

import (
	"os"

	"github.com/jackzampolin/fulltext/internal/alto"
)

// DefaultFulltextGroups are the file groups a document may already carry
// full text in.
var DefaultFulltextGroups = []string{"FULLTEXT"}

// Checker answers whether a page's full text exists or is being made.
type Checker struct {
	resolver *Resolver
	groups   []string
}

// NewChecker creates a Checker. Pages linking a file in one of
// fulltextGroups are considered to have remote full text.
func NewChecker(resolver *Resolver, fulltextGroups []string) *Checker {
	if len(fulltextGroups) == 0 {
		fulltextGroups = DefaultFulltextGroups
	}
	return &Checker{resolver: resolver, groups: fulltextGroups}
}

// Remote returns the full text the page already links, if any.
func (c *Checker) Remote(doc Document, page int) (FileRef, bool) {
	files := doc.PageFiles(page)
	for _, g := range c.groups {
		if f, ok := files[g]; ok && f.URL != "" {
			return f, true
		}
	}
	return FileRef{}, false
}

// HasRemote reports whether the page already links full text.
func (c *Checker) HasRemote(doc Document, page int) bool {
	_, ok := c.Remote(doc, page)
	return ok
}

// IsFinished reports whether the artifact file exists. A placeholder counts.
func (c *Checker) IsFinished(doc Document, engineID string, page int) bool {
	return exists(c.resolver.PageArtifactPath(doc, engineID, page))
}

// IsInProgress reports whether a job's working output for the page exists.
func (c *Checker) IsInProgress(doc Document, page int) bool {
	return exists(c.resolver.InProgressPath(doc, page))
}

// Status classifies a page for one engine.
func (c *Checker) Status(doc Document, engineID string, page int) Status {
	if c.HasRemote(doc, page) {
		return StatusRemote
	}
	artifact := c.resolver.PageArtifactPath(doc, engineID, page)
	if exists(artifact) {
		if ok, err := alto.IsPlaceholder(artifact); err == nil && ok {
			return StatusPlaceholder
		}
		return StatusFinished
	}
	if c.IsInProgress(doc, page) {
		return StatusInProgress
	}
	return StatusMissing
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
