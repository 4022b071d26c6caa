// Package fulltext orchestrates on-demand OCR for digitized documents.
//
// A page's full text is looked up remotely and locally first; only if it is
// missing is an engine run coordinated through the shared lock directory,
// with a placeholder standing in until the result is moved into place and
// registered in the document's local METS copy.
package fulltext

import (
	"context"
	"errors"
	"io"

	"github.com/jackzampolin/fulltext/internal/mets"
)

var (
	// ErrTimeout is returned when an engine run exceeds the job timeout.
	ErrTimeout = errors.New("OCR engine timed out")

	// ErrNonZeroExit is returned when an engine exits with a failure code.
	ErrNonZeroExit = errors.New("OCR engine failed")

	// ErrNoOutput is returned when an engine succeeds without writing output.
	ErrNoOutput = errors.New("OCR engine produced no output")

	// ErrEngineStart is returned when an engine could not be started.
	ErrEngineStart = errors.New("OCR engine could not be started")

	// ErrDownload is returned when the page image could not be fetched.
	ErrDownload = errors.New("page image download failed")

	// ErrMetadataWrite is returned when a finished artifact could not be
	// registered in the local METS copy. The artifact itself is kept.
	ErrMetadataWrite = errors.New("metadata update failed")

	// ErrPageOutOfRange is returned for page numbers outside 1..NumPages.
	ErrPageOutOfRange = errors.New("page out of range")

	// ErrNoImage is returned when a page links no usable image.
	ErrNoImage = errors.New("page has no image")
)

// TimeoutExitCode is the exit code reserved for timed-out runs, following
// timeout(1).
const TimeoutExitCode = 124

// FileRef is one file of a document's inventory.
type FileRef = mets.FileRef

// Document is what orchestration needs to know about a digitized document.
type Document interface {
	// Locator is the stable location of the document, typically its METS URL.
	Locator() string
	// TopLevelID is the ID of the document's top-level logical unit.
	TopLevelID() string
	// URN is the persistent identifier, or "".
	URN() string
	NumPages() int
	// PageFiles returns the files of page n keyed by file group.
	PageFiles(n int) map[string]FileRef
	// OpenMetadata streams the original METS.
	OpenMetadata(ctx context.Context) (io.ReadCloser, error)
}

// Outcome is what a page request resulted in.
type Outcome string

const (
	OutcomeRemote     Outcome = "remote"
	OutcomeFinished   Outcome = "finished"
	OutcomeInProgress Outcome = "in_progress"
	OutcomeGenerated  Outcome = "generated"
	OutcomeFailed     Outcome = "failed"
	OutcomeSkipped    Outcome = "skipped"
)

// PageResult reports one page request.
type PageResult struct {
	Page     int     `json:"page" yaml:"page"`
	Outcome  Outcome `json:"outcome" yaml:"outcome"`
	Artifact string  `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	URL      string  `json:"url,omitempty" yaml:"url,omitempty"`
	Err      error   `json:"-" yaml:"-"`
	Error    string  `json:"error,omitempty" yaml:"error,omitempty"`
}

func (r *PageResult) setErr(err error) {
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
}

// BookResult reports a whole-document request, one entry per page.
type BookResult struct {
	Pages []PageResult `json:"pages"`
}

// Summary counts pages per outcome.
func (b BookResult) Summary() map[Outcome]int {
	out := make(map[Outcome]int)
	for _, p := range b.Pages {
		out[p.Outcome]++
	}
	return out
}

// Failed returns the pages whose request failed.
func (b BookResult) Failed() []PageResult {
	var out []PageResult
	for _, p := range b.Pages {
		if p.Err != nil {
			out = append(out, p)
		}
	}
	return out
}

// Status describes the state of a page's full text for one engine.
type Status string

const (
	StatusRemote      Status = "remote"
	StatusFinished    Status = "finished"
	StatusPlaceholder Status = "placeholder"
	StatusInProgress  Status = "in_progress"
	StatusMissing     Status = "missing"
)

type requesterKey struct{}

// WithRequester tags ctx with the ID recorded in lock files of jobs started
// on its behalf.
func WithRequester(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requesterKey{}, id)
}

func requesterFrom(ctx context.Context) string {
	id, _ := ctx.Value(requesterKey{}).(string)
	return id
}
