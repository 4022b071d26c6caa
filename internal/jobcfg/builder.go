// Package jobcfg builds the OCR job stack from configuration. The server
// rebuilds it whenever the configuration file changes, the CLI builds it once
// per command.
package jobcfg

import (
	"fmt"
	"log/slog"

	"github.com/jackzampolin/fulltext/internal/config"
	"github.com/jackzampolin/fulltext/internal/engine"
	"github.com/jackzampolin/fulltext/internal/fetch"
	"github.com/jackzampolin/fulltext/internal/fulltext"
	"github.com/jackzampolin/fulltext/internal/lock"
	"github.com/jackzampolin/fulltext/internal/mets"
	"github.com/jackzampolin/fulltext/internal/metrics"
)

// Builder holds what outlives a configuration change.
type Builder struct {
	Metrics *metrics.Metrics
	// Container runs engines that name an image. Nil leaves them unable
	// to start.
	Container engine.Executor
	Logger    *slog.Logger
}

// Stack is everything built from one configuration.
type Stack struct {
	Generator  *fulltext.Generator
	Loader     *mets.Loader
	Downloader *fetch.Downloader
	Locks      *lock.Dir
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Downloader builds the HTTP fetcher shared by METS loading and image
// downloads.
func (b *Builder) Downloader(cfg config.DownloadConfig) *fetch.Downloader {
	return fetch.New(fetch.Options{
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		UserAgent:  cfg.UserAgent,
		Logger:     b.logger(),
	})
}

// LoadCatalog reads the engine catalog and applies the configured default.
func LoadCatalog(cfg config.FulltextConfig) (*engine.Catalog, error) {
	catalog, err := engine.LoadCatalog(cfg.EnginesFile)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultEngine != "" {
		if catalog, err = catalog.WithDefault(cfg.DefaultEngine); err != nil {
			return nil, fmt.Errorf("fulltext.default_engine: %w", err)
		}
	}
	return catalog, nil
}

// Build creates the generator and its collaborators for cfg.
func (b *Builder) Build(cfg *config.Config) (*Stack, error) {
	f := cfg.Fulltext
	logger := b.logger()

	catalog, err := LoadCatalog(f)
	if err != nil {
		return nil, err
	}

	resolver, err := fulltext.NewResolver(fulltext.ResolverOptions{
		StorageRoot:   f.StorageRoot,
		TempOutputDir: f.TempOutputDir,
		TempImagesDir: f.TempImagesDir,
		PublicBaseURL: f.PublicBaseURL,
	})
	if err != nil {
		return nil, err
	}

	locks, err := lock.New(lock.Options{
		Path:         f.LockDir,
		Ceiling:      f.MaxConcurrentJobs,
		PollInterval: f.LockPollInterval,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	downloader := b.Downloader(cfg.Download)
	runner, err := fulltext.NewRunner(fulltext.RunnerOptions{
		Executor: engine.Dispatch{
			Local:     &engine.ExecExecutor{Logger: logger},
			Container: b.Container,
		},
		Downloader: downloader,
		Timeout:    f.JobTimeout,
		Metrics:    b.Metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	gen, err := fulltext.New(fulltext.Options{
		Catalog:  catalog,
		Resolver: resolver,
		Locks:    locks,
		Runner:   runner,
		Patcher: mets.NewPatcher(mets.PatcherOptions{
			Group:          f.OutputFileGroup,
			SoftwarePrefix: f.SoftwarePrefix,
			LockPoll:       f.LockPollInterval,
			Logger:         logger,
		}),
		Metrics:         b.Metrics,
		Logger:          logger,
		PlaceholderText: f.PlaceholderText,
		PageDelay:       f.PageDelay,
		PreDownload:     f.PreDownloadImages,
		ImageGroups:     f.ImageFileGroups,
		FulltextGroups:  f.FulltextGroups,
	})
	if err != nil {
		return nil, err
	}

	return &Stack{
		Generator:  gen,
		Loader:     mets.NewLoader(downloader, logger),
		Downloader: downloader,
		Locks:      locks,
	}, nil
}

// NewContainerExecutor connects to Docker when cfg enables it. It returns
// nil when containers are disabled.
func NewContainerExecutor(cfg config.DockerConfig, logger *slog.Logger) (*engine.DockerExecutor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return engine.NewDockerExecutor(engine.DockerConfig{
		Network: cfg.Network,
		Logger:  logger,
	})
}
