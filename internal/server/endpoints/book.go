package endpoints

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/fulltext/internal/api"
	"github.com/jackzampolin/fulltext/internal/fulltext"
	"github.com/jackzampolin/fulltext/internal/svcctx"
)

// JobTypeBook identifies background whole-document requests.
const JobTypeBook = "book"

// GenerateBookRequest is the request body for POST /api/fulltext/book.
type GenerateBookRequest struct {
	Document string `json:"document"`
	Engine   string `json:"engine,omitempty"`
}

// GenerateBookResponse is the response for POST /api/fulltext/book.
type GenerateBookResponse struct {
	RequestID string `json:"request_id" yaml:"request_id"`
	Document  string `json:"document" yaml:"document"`
	Engine    string `json:"engine" yaml:"engine"`
	Pages     int    `json:"pages" yaml:"pages"`
}

// BookSummary is the result kept on a finished book request.
type BookSummary struct {
	Outcomes map[fulltext.Outcome]int `json:"outcomes" yaml:"outcomes"`
	Failed   []fulltext.PageResult    `json:"failed,omitempty" yaml:"failed,omitempty"`
}

func summarize(res fulltext.BookResult) BookSummary {
	return BookSummary{Outcomes: res.Summary(), Failed: res.Failed()}
}

// GenerateBookEndpoint handles POST /api/fulltext/book.
type GenerateBookEndpoint struct{}

func (e *GenerateBookEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/fulltext/book", e.handler
}

func (e *GenerateBookEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Generate the full text of every page of a document
//	@Tags			fulltext
//	@Accept			json
//	@Produce		json
//	@Param			request	body		GenerateBookRequest	true	"Book request"
//	@Success		202		{object}	GenerateBookResponse
//	@Failure		400		{object}	ErrorResponse
//	@Router			/api/fulltext/book [post]
func (e *GenerateBookEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req GenerateBookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	gen, err := generatorFrom(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	eng, err := gen.Catalog().Resolve(req.Engine)
	if err != nil {
		writeErr(w, err)
		return
	}
	doc, err := loadDocument(ctx, req.Document)
	if err != nil {
		writeErr(w, err)
		return
	}
	pages := make([]int, doc.NumPages())
	for i := range pages {
		pages[i] = i + 1
	}
	if err := checkDocumentImages(ctx, gen, doc, pages...); err != nil {
		writeErr(w, err)
		return
	}
	tracker := svcctx.JobsFrom(ctx)
	if tracker == nil {
		writeErr(w, errNoGenerator)
		return
	}

	meta := map[string]any{"document": doc.Locator(), "engine": eng.ID, "pages": doc.NumPages()}
	id, err := tracker.Submit(JobTypeBook, meta, func(ctx context.Context, id string) (any, error) {
		res, err := gen.EnsureBook(fulltext.WithRequester(ctx, id), doc, nil, eng.ID)
		return summarize(res), err
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, GenerateBookResponse{
		RequestID: id,
		Document:  doc.Locator(),
		Engine:    eng.ID,
		Pages:     doc.NumPages(),
	})
}

func (e *GenerateBookEndpoint) Command(getServerURL func() string) *cobra.Command {
	var engineID string
	cmd := &cobra.Command{
		Use:   "book <document>",
		Short: "Request the full text of every page of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp GenerateBookResponse
			req := GenerateBookRequest{Document: args[0], Engine: engineID}
			if err := client.Post(cmd.Context(), "/api/fulltext/book", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&engineID, "engine", "", "OCR engine (default: catalog default)")
	return cmd
}
