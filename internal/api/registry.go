package api

import (
	"net/http"

	"github.com/spf13/cobra"
)

// Group collects endpoints whose commands share a parent command.
type Group struct {
	Use   string
	Short string
}

type entry struct {
	ep    Endpoint
	group *Group
}

// Registry holds all registered endpoints.
type Registry struct {
	entries []entry
}

// NewRegistry creates a new endpoint registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds endpoints whose commands sit directly under "api".
func (r *Registry) Register(eps ...Endpoint) {
	for _, ep := range eps {
		r.entries = append(r.entries, entry{ep: ep})
	}
}

// RegisterGroup adds endpoints whose commands sit under "api <g.Use>".
func (r *Registry) RegisterGroup(g Group, eps ...Endpoint) {
	for _, ep := range eps {
		r.entries = append(r.entries, entry{ep: ep, group: &g})
	}
}

// RegisterRoutes registers all endpoint HTTP routes with the given mux.
// initMiddleware wraps handlers that require a ready generator.
func (r *Registry) RegisterRoutes(mux *http.ServeMux, initMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	for _, e := range r.entries {
		method, path, handler := e.ep.Route()
		if e.ep.RequiresInit() {
			handler = initMiddleware(handler)
		}
		mux.HandleFunc(method+" "+path, handler)
	}
}

// BuildCommands returns the "api" command with one subcommand per endpoint.
// getServerURL is called at runtime to get the server URL.
func (r *Registry) BuildCommands(getServerURL func() string) *cobra.Command {
	apiCmd := &cobra.Command{
		Use:   "api",
		Short: "Commands that call the running server",
		Long: `API commands call a running fulltext server via HTTP.

These commands require a running server (fulltext serve).
Use --server to specify a custom server URL.

Examples:
  fulltext api health
  fulltext api engines
  fulltext api status https://example.org/mets.xml 3
  fulltext api page https://example.org/mets.xml 3 --engine tesseract --wait
  fulltext api book https://example.org/mets.xml
  fulltext api requests get <id>
  fulltext api locks clear <key>`,
	}

	groups := make(map[string]*cobra.Command)
	for _, e := range r.entries {
		cmd := e.ep.Command(getServerURL)
		if cmd == nil {
			continue
		}
		if e.group == nil {
			apiCmd.AddCommand(cmd)
			continue
		}
		parent, ok := groups[e.group.Use]
		if !ok {
			parent = &cobra.Command{Use: e.group.Use, Short: e.group.Short}
			groups[e.group.Use] = parent
			apiCmd.AddCommand(parent)
		}
		parent.AddCommand(cmd)
	}

	return apiCmd
}

// Endpoints returns all registered endpoints.
func (r *Registry) Endpoints() []Endpoint {
	out := make([]Endpoint, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.ep
	}
	return out
}
