package endpoints

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/jackzampolin/fulltext/internal/engine"
	"github.com/jackzampolin/fulltext/internal/fetch"
	"github.com/jackzampolin/fulltext/internal/fulltext"
	"github.com/jackzampolin/fulltext/internal/mets"
	"github.com/jackzampolin/fulltext/internal/svcctx"
)

var errNoGenerator = errors.New("generator not initialized")

// loadDocument resolves the METS document named in a request.
func loadDocument(ctx context.Context, locator string) (*mets.Document, error) {
	if locator == "" {
		return nil, badRequest("document is required")
	}
	if err := checkLocator(ctx, "document", locator); err != nil {
		return nil, err
	}
	loader := svcctx.LoaderFrom(ctx)
	if loader == nil {
		return nil, errNoGenerator
	}
	doc, err := loader.Load(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDocument, err)
	}
	return doc, nil
}

var errDocument = errors.New("document could not be loaded")

// checkLocator rejects locators an API caller may not make the server read:
// anything but http(s), unless it lies under a configured local root.
func checkLocator(ctx context.Context, field, locator string) error {
	var roots []string
	if mgr := svcctx.ConfigFrom(ctx); mgr != nil {
		roots = mgr.Get().Server.LocalRoots
	}
	if !fetch.Permitted(locator, roots) {
		return badRequest("%s must be an http(s) URL or lie under server.local_roots", field)
	}
	return nil
}

// checkDocumentImages applies checkLocator to the images doc links for
// pages. Pages without an image are left to the generator to report.
func checkDocumentImages(ctx context.Context, gen *fulltext.Generator, doc fulltext.Document, pages ...int) error {
	for _, page := range pages {
		loc, err := gen.ImageLocator(doc, page)
		if err != nil {
			continue
		}
		if err := checkLocator(ctx, fmt.Sprintf("image of page %d", page), loc); err != nil {
			return err
		}
	}
	return nil
}

type requestError struct{ msg string }

func (e requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return requestError{msg: fmt.Sprintf(format, args...)}
}

func parsePage(s string) (int, error) {
	page, err := strconv.Atoi(s)
	if err != nil || page < 1 {
		return 0, badRequest("page must be a positive number, got %q", s)
	}
	return page, nil
}

// errorStatus maps an error to the HTTP status reported for it.
func errorStatus(err error) int {
	var reqErr requestError
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, engine.ErrUnknownEngine),
		errors.Is(err, fulltext.ErrPageOutOfRange),
		errors.Is(err, fulltext.ErrNoImage):
		return http.StatusBadRequest
	case errors.Is(err, errNoGenerator):
		return http.StatusServiceUnavailable
	case errors.Is(err, fulltext.ErrMetadataWrite):
		return http.StatusInternalServerError
	case errors.Is(err, errDocument),
		errors.Is(err, fulltext.ErrTimeout),
		errors.Is(err, fulltext.ErrNonZeroExit),
		errors.Is(err, fulltext.ErrNoOutput),
		errors.Is(err, fulltext.ErrEngineStart),
		errors.Is(err, fulltext.ErrDownload):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

func generatorFrom(ctx context.Context) (*fulltext.Generator, error) {
	if gen := svcctx.GeneratorFrom(ctx); gen != nil {
		return gen, nil
	}
	return nil, errNoGenerator
}
