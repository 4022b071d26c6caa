package server

import (
	"net/http"
	"strings"

	"github.com/jackzampolin/fulltext/internal/server/endpoints"
	"github.com/jackzampolin/fulltext/internal/svcctx"
)

// StaticPrefix is where the storage root is served. fulltext.public_base_url
// must end in this path when artifacts are served by this server.
const StaticPrefix = "/fulltext/"

// routes sets up all HTTP routes.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	endpoints.NewRegistry().RegisterRoutes(mux, s.requireInit)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET "+StaticPrefix, s.requireInit(serveStorage))
	return mux
}

// serveStorage serves generated full texts and METS copies from the current
// storage root. Directory listings are not served.
func serveStorage(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/") {
		http.NotFound(w, r)
		return
	}
	root := svcctx.GeneratorFrom(r.Context()).Resolver().StorageRoot()
	w.Header().Set("Access-Control-Allow-Origin", "*")
	http.StripPrefix(StaticPrefix, http.FileServer(http.Dir(root))).ServeHTTP(w, r)
}
