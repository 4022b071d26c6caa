package endpoints

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/fulltext/internal/api"
	"github.com/jackzampolin/fulltext/internal/jobs"
	"github.com/jackzampolin/fulltext/internal/svcctx"
)

// GetRequestEndpoint handles GET /api/fulltext/requests/{id}.
type GetRequestEndpoint struct{}

func (e *GetRequestEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/fulltext/requests/{id}", e.handler
}

func (e *GetRequestEndpoint) RequiresInit() bool { return true }

func (e *GetRequestEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	tracker := svcctx.JobsFrom(r.Context())
	if tracker == nil {
		writeErr(w, errNoGenerator)
		return
	}
	rec, err := tracker.Get(r.PathValue("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (e *GetRequestEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a background request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var rec jobs.Record
			if err := client.Get(cmd.Context(), "/api/fulltext/requests/"+url.PathEscape(args[0]), nil, &rec); err != nil {
				return err
			}
			return api.Output(rec)
		},
	}
}

// ListRequestsResponse is the response for GET /api/fulltext/requests.
type ListRequestsResponse struct {
	Requests []jobs.Record `json:"requests" yaml:"requests"`
}

// ListRequestsEndpoint handles GET /api/fulltext/requests.
type ListRequestsEndpoint struct{}

func (e *ListRequestsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/fulltext/requests", e.handler
}

func (e *ListRequestsEndpoint) RequiresInit() bool { return true }

func (e *ListRequestsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	tracker := svcctx.JobsFrom(r.Context())
	if tracker == nil {
		writeErr(w, errNoGenerator)
		return
	}
	q := r.URL.Query()
	filter := jobs.ListFilter{Status: jobs.Status(q.Get("status")), JobType: q.Get("type")}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative number")
			return
		}
		filter.Limit = n
	}
	writeJSON(w, http.StatusOK, ListRequestsResponse{Requests: tracker.List(filter)})
}

func (e *ListRequestsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var status, jobType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List background requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if jobType != "" {
				q.Set("type", jobType)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			client := api.NewClient(getServerURL())
			var resp ListRequestsResponse
			if err := client.Get(cmd.Context(), "/api/fulltext/requests", q, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (queued, running, completed, failed, cancelled)")
	cmd.Flags().StringVar(&jobType, "type", "", "Filter by type (page, book)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of requests")
	return cmd
}
