package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/fulltext/internal/api"
	"github.com/jackzampolin/fulltext/internal/engine"
)

// EngineInfo describes one selectable OCR engine.
type EngineInfo struct {
	ID            string `json:"id" yaml:"id"`
	Label         string `json:"label,omitempty" yaml:"label,omitempty"`
	Languages     string `json:"languages,omitempty" yaml:"languages,omitempty"`
	Containerized bool   `json:"containerized" yaml:"containerized"`
}

// ListEnginesResponse is the response for GET /api/engines.
type ListEnginesResponse struct {
	Default string       `json:"default" yaml:"default"`
	Engines []EngineInfo `json:"engines" yaml:"engines"`
}

// ListEnginesEndpoint handles GET /api/engines.
type ListEnginesEndpoint struct{}

func (e *ListEnginesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/engines", e.handler
}

func (e *ListEnginesEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List OCR engines
//	@Tags			engines
//	@Produce		json
//	@Success		200	{object}	ListEnginesResponse
//	@Router			/api/engines [get]
func (e *ListEnginesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	gen, err := generatorFrom(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DescribeEngines(gen.Catalog()))
}

// DescribeEngines lists the engines of catalog.
func DescribeEngines(catalog *engine.Catalog) ListEnginesResponse {
	resp := ListEnginesResponse{Default: catalog.Default(), Engines: []EngineInfo{}}
	for _, eng := range catalog.All() {
		resp.Engines = append(resp.Engines, EngineInfo{
			ID:            eng.ID,
			Label:         eng.Label,
			Languages:     eng.Languages,
			Containerized: eng.Containerized(),
		})
	}
	return resp
}

func (e *ListEnginesEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List configured OCR engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListEnginesResponse
			if err := client.Get(cmd.Context(), "/api/engines", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
