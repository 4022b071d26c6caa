package endpoints

import (
	"encoding/json"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/fulltext/internal/api"
)

// RelinkRequest is the request body for POST /api/fulltext/relink.
type RelinkRequest struct {
	Document string `json:"document"`
	Engine   string `json:"engine,omitempty"`
}

// RelinkResponse is the response for POST /api/fulltext/relink.
type RelinkResponse struct {
	Document   string `json:"document" yaml:"document"`
	Engine     string `json:"engine" yaml:"engine"`
	Registered int    `json:"registered" yaml:"registered"`
}

// RelinkEndpoint handles POST /api/fulltext/relink. It registers every
// finished page of a document in its local METS copy again.
type RelinkEndpoint struct{}

func (e *RelinkEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/fulltext/relink", e.handler
}

func (e *RelinkEndpoint) RequiresInit() bool { return true }

func (e *RelinkEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RelinkRequest
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

	n, err := gen.Relink(ctx, doc, eng.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RelinkResponse{Document: doc.Locator(), Engine: eng.ID, Registered: n})
}

func (e *RelinkEndpoint) Command(getServerURL func() string) *cobra.Command {
	var engineID string
	cmd := &cobra.Command{
		Use:   "relink <document>",
		Short: "Register all finished pages in the local METS copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp RelinkResponse
			req := RelinkRequest{Document: args[0], Engine: engineID}
			if err := client.Post(cmd.Context(), "/api/fulltext/relink", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&engineID, "engine", "", "OCR engine (default: catalog default)")
	return cmd
}
