package endpoints

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/fulltext/internal/api"
	"github.com/jackzampolin/fulltext/internal/lock"
)

// ListLocksResponse is the response for GET /api/locks.
type ListLocksResponse struct {
	Locks []lock.Info `json:"locks" yaml:"locks"`
}

// ClearLocksResponse is the response for the lock clearing endpoints.
type ClearLocksResponse struct {
	Cleared int `json:"cleared" yaml:"cleared"`
}

// ListLocksEndpoint handles GET /api/locks.
type ListLocksEndpoint struct{}

func (e *ListLocksEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/locks", e.handler
}

func (e *ListLocksEndpoint) RequiresInit() bool { return true }

func (e *ListLocksEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	gen, err := generatorFrom(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	locks, err := gen.ListLocks()
	if err != nil {
		writeErr(w, err)
		return
	}
	if locks == nil {
		locks = []lock.Info{}
	}
	writeJSON(w, http.StatusOK, ListLocksResponse{Locks: locks})
}

func (e *ListLocksEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List held job locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListLocksResponse
			if err := client.Get(cmd.Context(), "/api/locks", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ClearLockEndpoint handles DELETE /api/locks/{key}. Clearing a lock whose
// job is still running lets a second job start on the same image.
type ClearLockEndpoint struct{}

func (e *ClearLockEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/locks/{key}", e.handler
}

func (e *ClearLockEndpoint) RequiresInit() bool { return true }

func (e *ClearLockEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	gen, err := generatorFrom(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := gen.ClearLock(r.PathValue("key")); err != nil {
		if errors.Is(err, lock.ErrInvalidKey) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClearLocksResponse{Cleared: 1})
}

func (e *ClearLockEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <key>",
		Short: "Remove a stale job lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ClearLocksResponse
			if err := client.Delete(cmd.Context(), "/api/locks/"+url.PathEscape(args[0]), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ClearAllLocksEndpoint handles DELETE /api/locks.
type ClearAllLocksEndpoint struct{}

func (e *ClearAllLocksEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/locks", e.handler
}

func (e *ClearAllLocksEndpoint) RequiresInit() bool { return true }

func (e *ClearAllLocksEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	gen, err := generatorFrom(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	n, err := gen.ClearAllLocks()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClearLocksResponse{Cleared: n})
}

func (e *ClearAllLocksEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-all",
		Short: "Remove every job lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ClearLocksResponse
			if err := client.Delete(cmd.Context(), "/api/locks", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
