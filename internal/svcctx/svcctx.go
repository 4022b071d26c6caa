// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/fulltext/internal/config"
	"github.com/jackzampolin/fulltext/internal/fulltext"
	"github.com/jackzampolin/fulltext/internal/home"
	"github.com/jackzampolin/fulltext/internal/jobs"
	"github.com/jackzampolin/fulltext/internal/mets"
	"github.com/jackzampolin/fulltext/internal/metrics"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
//
// The server replaces the whole value when the configuration changes, so a
// request sees one consistent generator from start to finish.
type Services struct {
	Generator *fulltext.Generator
	Loader    *mets.Loader
	Jobs      *jobs.Tracker
	Config    *config.Manager
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Home      *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// GeneratorFrom extracts the full-text generator from context.
func GeneratorFrom(ctx context.Context) *fulltext.Generator {
	if s := ServicesFrom(ctx); s != nil {
		return s.Generator
	}
	return nil
}

// LoaderFrom extracts the METS loader from context.
func LoaderFrom(ctx context.Context) *mets.Loader {
	if s := ServicesFrom(ctx); s != nil {
		return s.Loader
	}
	return nil
}

// JobsFrom extracts the background job tracker from context.
func JobsFrom(ctx context.Context) *jobs.Tracker {
	if s := ServicesFrom(ctx); s != nil {
		return s.Jobs
	}
	return nil
}

// ConfigFrom extracts the config manager from context.
func ConfigFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Config
	}
	return nil
}

// MetricsFrom extracts the metrics collectors from context.
func MetricsFrom(ctx context.Context) *metrics.Metrics {
	if s := ServicesFrom(ctx); s != nil {
		return s.Metrics
	}
	return nil
}

// LoggerFrom extracts the logger from context.
// Falls back to slog.Default.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}
