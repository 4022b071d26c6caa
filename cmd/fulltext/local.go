package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/fulltext/internal/api"
	"github.com/jackzampolin/fulltext/internal/jobcfg"
	"github.com/jackzampolin/fulltext/internal/metrics"
	"github.com/jackzampolin/fulltext/internal/server/endpoints"
)

var localEngine string

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Run requests in this process, without a server",
	Long: `Local commands build the OCR stack from the configuration and run in
this process. They share the lock directory with any running server, so
the concurrency ceiling holds across both.

Examples:
  fulltext local generate page mets.xml 12       # OCR one page
  fulltext local generate book mets.xml          # OCR every page
  fulltext local status mets.xml 12              # Show the state of a page
  fulltext local locks list                      # Show held job locks`,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate full texts",
}

var localLocksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and clear job locks",
}

// localStack builds the job stack for one command. The returned close
// function releases the Docker client.
func localStack() (*jobcfg.Stack, *slog.Logger, func(), error) {
	_, mgr, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	cfg := mgr.Get()
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}

	b := &jobcfg.Builder{Metrics: metrics.New(), Logger: logger}
	closer := func() {}
	docker, err := jobcfg.NewContainerExecutor(cfg.Docker, logger)
	if err != nil {
		logger.Warn("docker unavailable, containerized engines cannot start", "error", err)
	} else if docker != nil {
		b.Container = docker
		closer = func() { _ = docker.Close() }
	}

	stack, err := b.Build(cfg)
	if err != nil {
		closer()
		return nil, nil, nil, err
	}
	return stack, logger, closer, nil
}

var generatePageCmd = &cobra.Command{
	Use:   "page <document> <page>",
	Short: "Generate the full text of one page",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		page, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid page %q", args[1])
		}
		image, _ := cmd.Flags().GetString("image")

		stack, _, closer, err := localStack()
		if err != nil {
			return err
		}
		defer closer()

		doc, err := stack.Loader.Load(ctx, args[0])
		if err != nil {
			return err
		}
		res, err := stack.Generator.EnsurePage(ctx, doc, page, image, localEngine)
		if outErr := api.Output(res); outErr != nil {
			return outErr
		}
		return err
	},
}

var generateBookCmd = &cobra.Command{
	Use:   "book <document>",
	Short: "Generate the full texts of every page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stack, logger, closer, err := localStack()
		if err != nil {
			return err
		}
		defer closer()

		doc, err := stack.Loader.Load(ctx, args[0])
		if err != nil {
			return err
		}
		res, err := stack.Generator.EnsureBook(ctx, doc, nil, localEngine)
		if err != nil {
			return err
		}
		failed := res.Failed()
		if len(failed) > 0 {
			logger.Warn("some pages failed", "count", len(failed))
		}
		return api.Output(map[string]any{
			"outcomes": res.Summary(),
			"failed":   failed,
		})
	},
}

var localStatusCmd = &cobra.Command{
	Use:   "status <document> <page>",
	Short: "Show the full-text state of a page",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		page, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid page %q", args[1])
		}
		stack, _, closer, err := localStack()
		if err != nil {
			return err
		}
		defer closer()

		doc, err := stack.Loader.Load(ctx, args[0])
		if err != nil {
			return err
		}
		status, url, err := stack.Generator.Describe(doc, page, localEngine)
		if err != nil {
			return err
		}
		return api.Output(map[string]any{"page": page, "status": status, "url": url})
	},
}

var relinkCmd = &cobra.Command{
	Use:   "relink <document>",
	Short: "Register every finished page in the local METS copy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stack, _, closer, err := localStack()
		if err != nil {
			return err
		}
		defer closer()

		doc, err := stack.Loader.Load(ctx, args[0])
		if err != nil {
			return err
		}
		n, err := stack.Generator.Relink(ctx, doc, localEngine)
		if err != nil {
			return err
		}
		return api.Output(map[string]any{"document": doc.Locator(), "registered": n})
	},
}

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List the engines of the catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := loadConfig()
		if err != nil {
			return err
		}
		catalog, err := jobcfg.LoadCatalog(mgr.Get().Fulltext)
		if err != nil {
			return err
		}
		return api.Output(endpoints.DescribeEngines(catalog))
	},
}

var localLocksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List held job locks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stack, _, closer, err := localStack()
		if err != nil {
			return err
		}
		defer closer()

		locks, err := stack.Generator.ListLocks()
		if err != nil {
			return err
		}
		return api.Output(locks)
	},
}

var localLocksClearCmd = &cobra.Command{
	Use:   "clear [key]",
	Short: "Clear one stale job lock, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stack, _, closer, err := localStack()
		if err != nil {
			return err
		}
		defer closer()

		if len(args) == 1 {
			if err := stack.Generator.ClearLock(args[0]); err != nil {
				return err
			}
			return api.Output(map[string]int{"cleared": 1})
		}
		n, err := stack.Generator.ClearAllLocks()
		if err != nil {
			return err
		}
		return api.Output(map[string]int{"cleared": n})
	},
}

func init() {
	localCmd.PersistentFlags().StringVar(&localEngine, "engine", "", "OCR engine (default: catalog default)")
	generatePageCmd.Flags().String("image", "", "Image to run OCR on (default: from the document)")

	generateCmd.AddCommand(generatePageCmd, generateBookCmd)
	localLocksCmd.AddCommand(localLocksListCmd, localLocksClearCmd)
	localCmd.AddCommand(generateCmd, localStatusCmd, relinkCmd, enginesCmd, localLocksCmd)
	rootCmd.AddCommand(localCmd)
}
