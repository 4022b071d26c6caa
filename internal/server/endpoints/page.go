package endpoints

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/fulltext/internal/api"
	"github.com/jackzampolin/fulltext/internal/fulltext"
	"github.com/jackzampolin/fulltext/internal/svcctx"
)

// JobTypePage identifies background single-page requests.
const JobTypePage = "page"

// GeneratePageRequest is the request body for POST /api/fulltext/page.
type GeneratePageRequest struct {
	Document string `json:"document"`
	Page     int    `json:"page"`
	Engine   string `json:"engine,omitempty"`
	// Image overrides the image taken from the document.
	Image string `json:"image,omitempty"`
	// Wait holds the response until the page is finished.
	Wait bool `json:"wait,omitempty"`
}

// GeneratePageResponse reports a page request.
type GeneratePageResponse struct {
	fulltext.PageResult `yaml:",inline"`
	Engine              string `json:"engine" yaml:"engine"`
	RequestID           string `json:"request_id,omitempty" yaml:"request_id,omitempty"`
}

// GeneratePageEndpoint handles POST /api/fulltext/page.
//
// Without wait, a page that needs work is handed to a background job and the
// response is 202 with the job id; the viewer polls the status endpoint or the
// public URL. Pages that need no work are answered with 200 either way.
type GeneratePageEndpoint struct{}

func (e *GeneratePageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/fulltext/page", e.handler
}

func (e *GeneratePageEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Generate the full text of a page
//	@Tags			fulltext
//	@Accept			json
//	@Produce		json
//	@Param			request	body		GeneratePageRequest	true	"Page request"
//	@Success		200		{object}	GeneratePageResponse
//	@Success		202		{object}	GeneratePageResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		502		{object}	GeneratePageResponse
//	@Router			/api/fulltext/page [post]
func (e *GeneratePageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req GeneratePageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	gen, err := generatorFrom(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	if req.Image != "" {
		if err := checkLocator(ctx, "image", req.Image); err != nil {
			writeErr(w, err)
			return
		}
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
	if req.Image == "" {
		if err := checkDocumentImages(ctx, gen, doc, req.Page); err != nil {
			writeErr(w, err)
			return
		}
	}

	if req.Wait {
		res, err := gen.EnsurePage(ctx, doc, req.Page, req.Image, eng.ID)
		resp := GeneratePageResponse{PageResult: res, Engine: eng.ID}
		if err != nil {
			writeJSON(w, errorStatus(err), resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	status, publicURL, err := gen.Describe(doc, req.Page, eng.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := GeneratePageResponse{
		PageResult: fulltext.PageResult{Page: req.Page, URL: publicURL},
		Engine:     eng.ID,
	}
	switch status {
	case fulltext.StatusRemote:
		resp.Outcome = fulltext.OutcomeRemote
		writeJSON(w, http.StatusOK, resp)
		return
	case fulltext.StatusFinished:
		resp.Outcome = fulltext.OutcomeFinished
		writeJSON(w, http.StatusOK, resp)
		return
	case fulltext.StatusPlaceholder, fulltext.StatusInProgress:
		resp.Outcome = fulltext.OutcomeInProgress
		writeJSON(w, http.StatusOK, resp)
		return
	}

	tracker := svcctx.JobsFrom(ctx)
	if tracker == nil {
		writeErr(w, errNoGenerator)
		return
	}
	logger := svcctx.LoggerFrom(ctx)
	meta := map[string]any{"document": doc.Locator(), "page": req.Page, "engine": eng.ID}
	id, err := tracker.Submit(JobTypePage, meta, func(ctx context.Context, id string) (any, error) {
		res, err := gen.EnsurePage(fulltext.WithRequester(ctx, id), doc, req.Page, req.Image, eng.ID)
		if err != nil {
			logger.Warn("page request failed", "request_id", id, "page", req.Page, "error", err)
		}
		return res, err
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	resp.Outcome = fulltext.OutcomeInProgress
	resp.RequestID = id
	writeJSON(w, http.StatusAccepted, resp)
}

func (e *GeneratePageEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req GeneratePageRequest
	cmd := &cobra.Command{
		Use:   "page <document> <page>",
		Short: "Request the full text of a page",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}
			req.Document, req.Page = args[0], page
			client := api.NewClient(getServerURL())
			var resp GeneratePageResponse
			if err := client.Post(cmd.Context(), "/api/fulltext/page", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&req.Engine, "engine", "", "OCR engine (default: catalog default)")
	cmd.Flags().StringVar(&req.Image, "image", "", "Image to run OCR on (default: from the document)")
	cmd.Flags().BoolVar(&req.Wait, "wait", false, "Wait until the page is finished")
	return cmd
}
