package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/fulltext/internal/api"
	"github.com/jackzampolin/fulltext/internal/config"
	"github.com/jackzampolin/fulltext/internal/home"
	"github.com/jackzampolin/fulltext/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "fulltext",
	Short: "On-demand OCR full texts for the DFG-Viewer",
	Long: `fulltext generates ALTO full texts for digitized documents on demand.

Given a METS document and a page, it runs a configured OCR engine on the
page image, stores the result under a public URL and registers it in a
local copy of the METS file, so the viewer can show the text.

Pages that already link a full text are never processed. At most
max_concurrent_jobs engines run at once across every process sharing the
lock directory.`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.fulltext/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "fulltext home directory (default: ~/.fulltext)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "", "log level, overrides log.level",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}

func getHome() (*home.Dir, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, err
	}
	return h, nil
}

// loadConfig resolves the home directory and reads the configuration.
func loadConfig() (*home.Dir, *config.Manager, error) {
	h, err := getHome()
	if err != nil {
		return nil, nil, err
	}
	mgr, err := config.NewManager(cfgFile, h)
	if err != nil {
		return nil, nil, err
	}
	return h, mgr, nil
}

// newLogger builds the process logger from the log section. Logs go to
// stderr so command output on stdout stays parseable.
func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level := cfg.Level
	if logLevel != "" {
		level = logLevel
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}
