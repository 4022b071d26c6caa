package endpoints

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/fulltext/internal/api"
	"github.com/jackzampolin/fulltext/internal/fulltext"
)

// PageStatusResponse is the response for GET /api/fulltext/status.
type PageStatusResponse struct {
	Document string          `json:"document" yaml:"document"`
	Page     int             `json:"page" yaml:"page"`
	Engine   string          `json:"engine" yaml:"engine"`
	Status   fulltext.Status `json:"status" yaml:"status"`
	URL      string          `json:"url,omitempty" yaml:"url,omitempty"`
}

// PageStatusEndpoint handles GET /api/fulltext/status.
type PageStatusEndpoint struct{}

func (e *PageStatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/fulltext/status", e.handler
}

func (e *PageStatusEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Full-text status of a page
//	@Tags			fulltext
//	@Produce		json
//	@Param			document	query		string	true	"METS locator"
//	@Param			page		query		int		true	"Page number"
//	@Param			engine		query		string	false	"Engine id"
//	@Success		200			{object}	PageStatusResponse
//	@Failure		400			{object}	ErrorResponse
//	@Router			/api/fulltext/status [get]
func (e *PageStatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	gen, err := generatorFrom(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	page, err := parsePage(q.Get("page"))
	if err != nil {
		writeErr(w, err)
		return
	}
	doc, err := loadDocument(ctx, q.Get("document"))
	if err != nil {
		writeErr(w, err)
		return
	}

	eng, err := gen.Catalog().Resolve(q.Get("engine"))
	if err != nil {
		writeErr(w, err)
		return
	}
	status, publicURL, err := gen.Describe(doc, page, eng.ID)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := PageStatusResponse{
		Document: doc.Locator(),
		Page:     page,
		Engine:   eng.ID,
		Status:   status,
		URL:      publicURL,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *PageStatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	var engineID string
	cmd := &cobra.Command{
		Use:   "status <document> <page>",
		Short: "Show the full-text status of a page",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			q := url.Values{"document": {args[0]}, "page": {args[1]}}
			if engineID != "" {
				q.Set("engine", engineID)
			}
			var resp PageStatusResponse
			if err := client.Get(cmd.Context(), "/api/fulltext/status", q, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&engineID, "engine", "", "OCR engine (default: catalog default)")
	return cmd
}
