package endpoints

import (
	"github.com/jackzampolin/fulltext/internal/api"
)

// NewRegistry returns a registry holding every endpoint.
func NewRegistry() *api.Registry {
	r := api.NewRegistry()

	// Health endpoints
	r.Register(
		&HealthEndpoint{},
		&ReadyEndpoint{},
	)

	// Full-text endpoints
	r.Register(
		&ListEnginesEndpoint{},
		&PageStatusEndpoint{},
		&GeneratePageEndpoint{},
		&GenerateBookEndpoint{},
		&RelinkEndpoint{},
	)

	r.RegisterGroup(api.Group{Use: "requests", Short: "Background request commands"},
		&ListRequestsEndpoint{},
		&GetRequestEndpoint{},
	)
	r.RegisterGroup(api.Group{Use: "locks", Short: "Job lock commands"},
		&ListLocksEndpoint{},
		&ClearLockEndpoint{},
		&ClearAllLocksEndpoint{},
	)

	return r
}
